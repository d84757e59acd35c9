package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"

	"rewritely/internal/types"
)

// stripeAPIBase is the default Stripe API base URL. Overridable in tests.
const stripeAPIBase = "https://api.stripe.com"

// StripeGatewayConfig holds Stripe credentials for the gateway adapter.
type StripeGatewayConfig struct {
	SecretKey types.SecretString
	BaseURL   string
	Logger    *slog.Logger
}

// StripeGateway implements PaymentGateway on the Stripe REST API with
// off-session PaymentIntents. The billing key is a Stripe payment method id
// and CustomerRef is the Stripe customer it is attached to.
//
// The order id rides as the Idempotency-Key header, so a resubmission after a
// timeout replays the original outcome instead of charging twice. Like every
// gateway client, the charge POST itself is never auto-retried.
type StripeGateway struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripeGateway creates a Stripe-backed PaymentGateway.
func NewStripeGateway(httpClient *http.Client, cfg StripeGatewayConfig, opts ...BaseClientOption) *StripeGateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeGateway{
		base:      NewBaseClient(httpClient, "stripe", NoRetryPolicy(), "Rewritely/1.0", opts...),
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// stripePaymentIntent is the subset of the PaymentIntent body the platform
// interprets.
type stripePaymentIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	LatestCharge string `json:"latest_charge"`
}

type stripeErrorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

// Charge implements PaymentGateway.
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	params := url.Values{}
	params.Set("amount", strconv.FormatInt(req.Amount, 10))
	params.Set("currency", strings.ToLower(req.Currency))
	params.Set("customer", req.CustomerRef)
	params.Set("payment_method", req.BillingKey)
	params.Set("off_session", "true")
	params.Set("confirm", "true")
	params.Set("description", req.GoodsName)
	params.Set("metadata[order_id]", req.OrderID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/v1/payment_intents", strings.NewReader(params.Encode()))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build charge request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "Bearer "+g.secretKey.Unmask())
	httpReq.Header.Set("Stripe-Version", stripe.APIVersion)
	httpReq.Header.Set("Idempotency-Key", req.OrderID)

	resp, err := g.base.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamGatewayBody, "failed to read gateway response", err)
	}

	rawMap := types.JSONMap{}
	if err := json.Unmarshal(raw, &rawMap); err != nil {
		rawMap = types.JSONMap{"body": string(raw)}
	}

	if resp.StatusCode != http.StatusOK {
		return g.declineOrError(ctx, req, resp.StatusCode, raw, rawMap)
	}

	var intent stripePaymentIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamGatewayBody, "gateway returned non-JSON body", err)
	}

	result := &ChargeResult{
		TransactionID: intent.ID,
		ResultCode:    intent.Status,
		Raw:           rawMap,
	}
	if intent.Status == "succeeded" {
		result.Approved = true
	}
	return result, nil
}

// ExpireBillingKey implements PaymentGateway by detaching the payment method
// from its customer.
func (g *StripeGateway) ExpireBillingKey(ctx context.Context, billingKey, _ string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/v1/payment_methods/"+billingKey+"/detach", nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build detach request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.secretKey.Unmask())
	httpReq.Header.Set("Stripe-Version", stripe.APIVersion)

	resp, err := g.base.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return types.NewAppError(types.ErrCodeUpstreamGateway,
			fmt.Sprintf("payment method detach returned status %d", resp.StatusCode), nil)
	}
	return nil
}

// Provider implements PaymentGateway.
func (g *StripeGateway) Provider() string { return "stripe" }

// declineOrError turns a non-200 Stripe response into either a decline result
// (card errors) or an upstream error (everything else).
func (g *StripeGateway) declineOrError(ctx context.Context, req ChargeRequest, status int, raw []byte, rawMap types.JSONMap) (*ChargeResult, error) {
	var stripeErr stripeErrorResponse
	if err := json.Unmarshal(raw, &stripeErr); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamGatewayBody,
			fmt.Sprintf("gateway returned status %d with non-JSON body", status), err)
	}

	if stripeErr.Error.Code == "card_declined" || stripeErr.Error.DeclineCode != "" {
		g.logger.InfoContext(ctx, "gateway declined charge",
			"order_id", req.OrderID, "decline_code", stripeErr.Error.DeclineCode)
		code := stripeErr.Error.DeclineCode
		if code == "" {
			code = stripeErr.Error.Code
		}
		return &ChargeResult{
			Approved:      false,
			ResultCode:    code,
			ResultMessage: stripeErr.Error.Message,
			Raw:           rawMap,
		}, nil
	}

	return nil, types.NewAppError(types.ErrCodeUpstreamGateway,
		fmt.Sprintf("gateway error (%d): %s", status, stripeErr.Error.Message), nil)
}
