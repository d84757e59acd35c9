package external

import (
	"context"
	"net/http"
	"time"

	"rewritely/internal/config"
	"rewritely/internal/types"
)

// ChargeRequest is a server-initiated charge against a stored billing key.
// OrderID is the deduplication key the gateway sees; the same OrderID must
// never produce two captures.
type ChargeRequest struct {
	OrderID     string
	BillingKey  string
	CustomerRef string // gateway-side customer id, where the provider uses one
	Amount      int64  // minor currency units
	Currency    string
	GoodsName   string
	UserID      string
}

// ChargeResult is the gateway's definitive answer to a charge submission.
//
// Approved=false with a nil error is a decline: the gateway answered and said
// no. Transport failures, timeouts, and unverifiable responses come back as
// errors instead; the caller records those as failed attempts too, since an
// answer that cannot be trusted must never mark money as collected.
type ChargeResult struct {
	Approved      bool
	TransactionID string
	ResultCode    string
	ResultMessage string
	Raw           types.JSONMap
}

// PaymentGateway abstracts the card-on-file payment provider. Implementations
// must be safe for concurrent use.
type PaymentGateway interface {
	// Charge submits one charge. It must not retry internally; a duplicate
	// submission with the same OrderID must be rejected or deduplicated by
	// the provider.
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)

	// ExpireBillingKey invalidates a stored billing key at the provider.
	// Local deactivation is the authoritative record; a failure here means
	// the provider still holds a key that will never be charged again.
	ExpireBillingKey(ctx context.Context, billingKey, customerRef string) error

	// Provider returns the provider tag recorded on payment rows.
	Provider() string
}

// NewGateway selects the PaymentGateway implementation from configuration.
func NewGateway(cfg config.GatewayConfig, stripeCfg config.StripeConfig) PaymentGateway {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.Provider == "stripe" {
		return NewStripeGateway(httpClient, StripeGatewayConfig{
			SecretKey: stripeCfg.SecretKey,
		})
	}
	return NewNicePayClient(httpClient, NicePayConfig{
		BaseURL:   cfg.BaseURL,
		ClientID:  cfg.ClientID,
		SecretKey: cfg.SecretKey,
	})
}

// ediTimestamp formats an instant the way the gateway signature base expects.
func ediTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
