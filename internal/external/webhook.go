package external

import (
	"crypto/hmac"
	"fmt"

	"rewritely/internal/types"
)

// WebhookVerifier checks the signature the gateway attaches to status
// callbacks. The scheme matches the charge response signature:
// hex(sha256(tid + amount + ediDate + secret)).
type WebhookVerifier struct {
	secret types.SecretString
}

// NewWebhookVerifier creates a verifier keyed with the gateway secret.
func NewWebhookVerifier(secret types.SecretString) *WebhookVerifier {
	return &WebhookVerifier{secret: secret}
}

// Verify recomputes the payload signature and compares in constant time.
// A payload missing any signed field fails verification.
func (v *WebhookVerifier) Verify(payload types.JSONMap) bool {
	tid, _ := payload["tid"].(string)
	ediDate, _ := payload["ediDate"].(string)
	signature, _ := payload["signature"].(string)
	if tid == "" || signature == "" {
		return false
	}

	var amount int64
	switch a := payload["amount"].(type) {
	case float64:
		amount = int64(a)
	case int64:
		amount = a
	default:
		return false
	}

	expected := sha256Hex(fmt.Sprintf("%s%d%s%s", tid, amount, ediDate, v.secret.Unmask()))
	return hmac.Equal([]byte(expected), []byte(signature))
}
