package types

import "time"

// Identity describes who is calling. It is passed explicitly into every tier
// and quota call rather than read from request-scoped globals, so the ledger
// stays testable in isolation.
//
// Exactly one of UserID or GuestKey is set. GuestKey is the verified opaque
// guest token; an unverifiable token never reaches this struct.
type Identity struct {
	UserID   string
	GuestKey string
	IsAdmin  bool
}

// Authenticated reports whether the identity belongs to a logged-in user.
func (id Identity) Authenticated() bool { return id.UserID != "" }

// CounterKey returns the value used as the usage counter key: the user id for
// authenticated callers, the guest token otherwise.
func (id Identity) CounterKey() string {
	if id.UserID != "" {
		return id.UserID
	}
	return id.GuestKey
}

// UsageCounter is one quota ledger row: the number of committed uses for an
// identity within a scope and window. Unique per
// (identity, tier, scope, window_start).
type UsageCounter struct {
	ID          int64
	IdentityKey string
	Tier        Tier
	Scope       Scope
	WindowStart time.Time
	Count       int
}

// QuotaStatus is the read-only view returned by the quota check endpoint.
type QuotaStatus struct {
	Used  int   `json:"used"`
	Limit int   `json:"limit"`
	Tier  Tier  `json:"tier"`
	Scope Scope `json:"scope"`
}

// Subscription is the recurring billing contract for a user.
//
// NextChargeAt only ever advances (period rollforward) or is cleared
// (cancellation); it is never rewound. RetryAt, when set, overrides
// NextChargeAt as the due instant for the scheduler.
type Subscription struct {
	ID                 int64
	UserID             string
	Status             SubscriptionStatus
	PlanName           string
	PlanAmount         int64 // minor currency units
	Currency           string
	AnchorDay          int // 1-31, fixed at first successful charge
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	NextChargeAt       *time.Time
	PaymentMethodID    *int64
	FailCount          int
	RetryAt            *time.Time
	LastFailedAt       *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	CreatedAt          time.Time
}

// PaymentMethod is a stored card reference at the gateway. BillingKey is the
// provider token used for server-initiated charges.
type PaymentMethod struct {
	ID         int64
	UserID     string
	Provider   string
	BillingKey string
	Status     PaymentMethodStatus
	Metadata   JSONMap
	CreatedAt  time.Time
}

// PaymentAttempt is one row in the payment ledger. The row is durably
// committed with status pending before any external call is issued, so a
// crash mid-call still leaves an auditable record.
//
// OrderID is the key the gateway deduplicates on; IdempotencyKey additionally
// guarantees a given billing cycle is never attempted twice locally.
type PaymentAttempt struct {
	ID             int64
	UserID         string
	SubscriptionID int64
	Provider       string
	OrderID        string // unique
	IdempotencyKey string // unique
	Amount         int64
	Currency       string
	Status         PaymentStatus
	TransactionID  string
	FailureCode    string
	FailureMessage string
	RawRequest     JSONMap
	RawResponse    JSONMap
	CreatedAt      time.Time
}

// WebhookEvent is a durably recorded gateway notification. The raw payload is
// persisted before any interpretation; Processed flips only after the mapped
// transition has been applied (or found inapplicable).
type WebhookEvent struct {
	ID             int64
	Provider       string
	EventID        string // unique; idempotency key for ingestion
	EventType      string
	SignatureValid bool
	Payload        JSONMap
	Processed      bool
	ProcessedAt    *time.Time
	ReceivedAt     time.Time
}

// ChargeOutcome summarizes one drive of the charge state machine for a single
// subscription.
type ChargeOutcome string

const (
	OutcomeCharged ChargeOutcome = "charged"
	OutcomeSkipped ChargeOutcome = "skipped"
	OutcomeFailed  ChargeOutcome = "failed"
)

// RunReport is the result of one scheduler pass, returned by the trigger
// endpoint as {due, charged, skipped, failed}.
type RunReport struct {
	Due       int `json:"due"`
	Charged   int `json:"charged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Finalized int `json:"finalized"`
}
