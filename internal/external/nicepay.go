package external

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rewritely/internal/types"
)

// resultCodeApproved is the gateway result code for an approved charge.
const resultCodeApproved = "0000"

// NicePayConfig holds NicePay API credentials.
type NicePayConfig struct {
	BaseURL   string
	ClientID  string
	SecretKey types.SecretString
	Logger    *slog.Logger
}

// NicePayClient implements PaymentGateway against the NicePay billing-key API.
//
// Every charge request is signed with SHA-256 over the order id, billing key,
// timestamp, and secret, and every approved response carries a signature over
// the transaction id, amount, and timestamp that is verified in constant time
// before the result is trusted. An approved-looking body with a bad signature
// is reported as a signature mismatch error, never as a capture.
type NicePayClient struct {
	base      *BaseClient
	baseURL   string
	clientID  string
	secretKey types.SecretString
	logger    *slog.Logger
	now       func() time.Time
}

// NewNicePayClient creates a NicePay gateway client. Charges go through a
// zero-retry BaseClient; only the scheduler's retry ladder may resubmit.
func NewNicePayClient(httpClient *http.Client, cfg NicePayConfig, opts ...BaseClientOption) *NicePayClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NicePayClient{
		base:      NewBaseClient(httpClient, "nicepay", NoRetryPolicy(), "Rewritely/1.0", opts...),
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		clientID:  cfg.ClientID,
		secretKey: cfg.SecretKey,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// nicePayChargeRequest is the JSON body for POST /v1/subscribe/{bid}/payments.
type nicePayChargeRequest struct {
	OrderID   string `json:"orderId"`
	Amount    int64  `json:"amount"`
	GoodsName string `json:"goodsName"`
	CardQuota int    `json:"cardQuota"`
	UseAuth   bool   `json:"useShopInterest"`
	EdiDate   string `json:"ediDate"`
	SignData  string `json:"signData"`
}

// nicePayChargeResponse is the subset of the gateway response the platform
// interprets. The full body is preserved raw on the payment row.
type nicePayChargeResponse struct {
	ResultCode string `json:"resultCode"`
	ResultMsg  string `json:"resultMsg"`
	TID        string `json:"tid"`
	OrderID    string `json:"orderId"`
	Amount     int64  `json:"amount"`
	EdiDate    string `json:"ediDate"`
	Signature  string `json:"signature"`
}

// Charge implements PaymentGateway.
func (c *NicePayClient) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	ediDate := ediTimestamp(c.now())
	body := nicePayChargeRequest{
		OrderID:   req.OrderID,
		Amount:    req.Amount,
		GoodsName: req.GoodsName,
		CardQuota: 0,
		EdiDate:   ediDate,
		SignData:  c.requestSignature(req.OrderID, req.BillingKey, ediDate),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode charge request", err)
	}

	url := fmt.Sprintf("%s/v1/subscribe/%s/payments", c.baseURL, req.BillingKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build charge request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Basic "+c.basicAuth())

	resp, err := c.base.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamGatewayBody, "failed to read gateway response", err)
	}

	var parsed nicePayChargeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamGatewayBody, "gateway returned non-JSON body", err)
	}

	rawMap := types.JSONMap{}
	if err := json.Unmarshal(raw, &rawMap); err != nil {
		rawMap = types.JSONMap{"body": string(raw)}
	}

	result := &ChargeResult{
		TransactionID: parsed.TID,
		ResultCode:    parsed.ResultCode,
		ResultMessage: parsed.ResultMsg,
		Raw:           rawMap,
	}

	if parsed.ResultCode != resultCodeApproved {
		c.logger.InfoContext(ctx, "gateway declined charge",
			"order_id", req.OrderID, "result_code", parsed.ResultCode)
		return result, nil
	}

	// An approval is only trusted once its signature checks out.
	if !c.verifyResponseSignature(parsed) {
		c.logger.ErrorContext(ctx, "gateway response signature mismatch",
			"order_id", req.OrderID, "tid", parsed.TID)
		return nil, types.NewAppError(types.ErrCodePaymentSignatureMismatch,
			"gateway approval signature did not verify", nil)
	}

	result.Approved = true
	return result, nil
}

// nicePayExpireRequest is the JSON body for POST /v1/subscribe/{bid}/expire.
type nicePayExpireRequest struct {
	OrderID  string `json:"orderId"`
	EdiDate  string `json:"ediDate"`
	SignData string `json:"signData"`
}

// ExpireBillingKey implements PaymentGateway.
func (c *NicePayClient) ExpireBillingKey(ctx context.Context, billingKey, _ string) error {
	ediDate := ediTimestamp(c.now())
	orderID := "expire-" + billingKey
	body := nicePayExpireRequest{
		OrderID:  orderID,
		EdiDate:  ediDate,
		SignData: c.requestSignature(orderID, billingKey, ediDate),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode expire request", err)
	}

	url := fmt.Sprintf("%s/v1/subscribe/%s/expire", c.baseURL, billingKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build expire request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Basic "+c.basicAuth())

	resp, err := c.base.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamGatewayBody, "failed to read gateway response", err)
	}
	var parsed nicePayChargeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamGatewayBody, "gateway returned non-JSON body", err)
	}
	if parsed.ResultCode != resultCodeApproved {
		return types.NewAppError(types.ErrCodeUpstreamGateway,
			fmt.Sprintf("billing key expire rejected: %s %s", parsed.ResultCode, parsed.ResultMsg), nil)
	}
	return nil
}

// Provider implements PaymentGateway.
func (c *NicePayClient) Provider() string { return "nicepay" }

func (c *NicePayClient) basicAuth() string {
	return base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.secretKey.Unmask()))
}

// requestSignature is hex(sha256(orderId + billingKey + ediDate + secret)).
func (c *NicePayClient) requestSignature(orderID, billingKey, ediDate string) string {
	return sha256Hex(orderID + billingKey + ediDate + c.secretKey.Unmask())
}

// verifyResponseSignature checks hex(sha256(tid + amount + ediDate + secret))
// against the signature field in constant time.
func (c *NicePayClient) verifyResponseSignature(resp nicePayChargeResponse) bool {
	expected := sha256Hex(fmt.Sprintf("%s%d%s%s", resp.TID, resp.Amount, resp.EdiDate, c.secretKey.Unmask()))
	return hmac.Equal([]byte(expected), []byte(resp.Signature))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
