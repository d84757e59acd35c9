package types

// Tier identifies the service level of a caller. It controls feature access
// and quota limits.
type Tier string

const (
	TierGuest Tier = "guest"
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
)

// Scope is an independently metered quota bucket. Each scope accumulates its
// own counter per identity and window.
type Scope string

const (
	ScopePolish    Scope = "polish"
	ScopeSummarize Scope = "summarize"
)

// AllScopes lists every valid quota scope. Used by handlers to validate the
// scope query parameter.
var AllScopes = []Scope{ScopePolish, ScopeSummarize}

// ValidScope reports whether s names a known quota scope.
func ValidScope(s Scope) bool {
	for _, v := range AllScopes {
		if v == s {
			return true
		}
	}
	return false
}

// SubscriptionStatus represents the lifecycle state of a subscription.
// Transitions follow the charge state machine: incomplete -> active on first
// capture, active <-> past_due through the retry window, and canceled as the
// terminal state.
type SubscriptionStatus string

const (
	SubStatusTrial      SubscriptionStatus = "trial"
	SubStatusActive     SubscriptionStatus = "active"
	SubStatusPastDue    SubscriptionStatus = "past_due"
	SubStatusCanceled   SubscriptionStatus = "canceled"
	SubStatusIncomplete SubscriptionStatus = "incomplete"
)

// PaymentStatus enumerates the states of a charge attempt.
// pending is the only non-terminal state; captured, failed, refunded and
// skipped are terminal and must never regress.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentCaptured PaymentStatus = "captured"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentSkipped  PaymentStatus = "skipped"
)

// Terminal reports whether the status is a terminal charge state.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentCaptured, PaymentFailed, PaymentRefunded, PaymentSkipped:
		return true
	}
	return false
}

// PaymentMethodStatus represents the state of a stored payment method.
type PaymentMethodStatus string

const (
	PaymentMethodActive   PaymentMethodStatus = "active"
	PaymentMethodInactive PaymentMethodStatus = "inactive"
)

// IngestOutcome is the result of feeding one webhook event to the ingestor.
type IngestOutcome string

const (
	IngestAccepted  IngestOutcome = "accepted"
	IngestDuplicate IngestOutcome = "duplicate"
	IngestRejected  IngestOutcome = "rejected"
)

// ChargeKind distinguishes the origin of a charge attempt in the audit trail.
type ChargeKind string

const (
	ChargeKindFirst     ChargeKind = "first_charge"
	ChargeKindRecurring ChargeKind = "recurring"
)
