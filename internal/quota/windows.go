package quota

import (
	"time"

	"rewritely/internal/types"
)

// WindowStart returns the canonical start of the metering window containing
// now for the given tier. Guests meter per UTC calendar day; free and pro
// meter per UTC calendar month. The returned instant is always midnight UTC,
// which keeps counter rows comparable regardless of server timezone.
func WindowStart(tier types.Tier, now time.Time) time.Time {
	t := now.UTC()
	if tier == types.TierGuest {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// WindowEnd returns the exclusive end of the window that starts at
// windowStart for the given tier. Exposed for the quota status response.
func WindowEnd(tier types.Tier, windowStart time.Time) time.Time {
	if tier == types.TierGuest {
		return windowStart.AddDate(0, 0, 1)
	}
	return windowStart.AddDate(0, 1, 0)
}
