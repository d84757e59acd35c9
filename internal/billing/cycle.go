// Package billing implements the recurring charge engine: billing cycle
// arithmetic, the charge state machine, the due-subscription scheduler, and
// webhook reconciliation.
package billing

import (
	"fmt"
	"time"
)

// Retry ladder after a failed recurring charge: 1 day, 3 days, 7 days after
// the first, second, and third failure. The third failure cancels the
// subscription instead of scheduling a fourth attempt.
var retryDelays = [...]time.Duration{
	24 * time.Hour,
	72 * time.Hour,
	168 * time.Hour,
}

// MaxChargeFailures is the failure count at which a subscription is canceled
// and its payment method deactivated.
const MaxChargeFailures = 3

// Cycle performs billing date arithmetic in a fixed civil timezone. Charge
// dates are computed as local calendar days and stored as UTC instants, so a
// subscriber anchored on the 15th is always charged on their 15th regardless
// of server timezone or DST.
type Cycle struct {
	loc *time.Location
}

// NewCycle creates a Cycle for the named timezone (e.g. "Asia/Seoul").
func NewCycle(timezone string) (*Cycle, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading billing timezone %q: %w", timezone, err)
	}
	return &Cycle{loc: loc}, nil
}

// AnchorDay returns the local calendar day-of-month of the instant. A
// subscription's anchor day is fixed from its first successful charge.
func (c *Cycle) AnchorDay(t time.Time) int {
	return t.In(c.loc).Day()
}

// NextChargeAt returns the next charge instant after from, on the anchor day
// of the following local month. Anchor days past the end of the target month
// clamp to its last day, so an anchor of 31 charges Jan 31, Feb 28 (29 in
// leap years), Mar 31. The local time of day is preserved.
func (c *Cycle) NextChargeAt(from time.Time, anchorDay int) time.Time {
	local := from.In(c.loc)
	year, month := local.Year(), local.Month()+1
	if month > time.December {
		year, month = year+1, time.January
	}

	day := anchorDay
	if last := daysInMonth(year, month); day > last {
		day = last
	}

	next := time.Date(year, month, day,
		local.Hour(), local.Minute(), local.Second(), 0, c.loc)
	return next.UTC()
}

// RetryAt returns the instant of the next retry given the new failure count
// (1-based). ok is false once the ladder is exhausted and the subscription
// should be canceled instead.
func RetryAt(failCount int, now time.Time) (retryAt time.Time, ok bool) {
	if failCount >= MaxChargeFailures {
		return time.Time{}, false
	}
	return now.Add(retryDelays[failCount-1]), true
}

// CycleKey is the idempotency key on payment_attempts: at most one charge
// attempt per subscription per local calendar day, enforced by a unique
// constraint. Concurrent scheduler passes on the same day collide on it and
// skip; retries land on later days and get fresh keys.
func (c *Cycle) CycleKey(subscriptionID int64, chargedAt time.Time) string {
	return fmt.Sprintf("bill:%d:%s", subscriptionID, chargedAt.In(c.loc).Format("2006-01-02"))
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
