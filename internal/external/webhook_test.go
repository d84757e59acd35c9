package external

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"rewritely/internal/types"
)

func signedWebhookPayload(secret string, amount int64) types.JSONMap {
	return types.JSONMap{
		"tid":       "tid-1",
		"amount":    float64(amount),
		"ediDate":   "2024-02-15T00:05:00Z",
		"signature": sha256Hex(fmt.Sprintf("tid-1%d2024-02-15T00:05:00Z%s", amount, secret)),
	}
}

func TestWebhookVerifier(t *testing.T) {
	v := NewWebhookVerifier(types.SecretString("hook-secret"))

	assert.True(t, v.Verify(signedWebhookPayload("hook-secret", 4900)))

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, v.Verify(signedWebhookPayload("other-secret", 4900)))
	})

	t.Run("tampered amount", func(t *testing.T) {
		payload := signedWebhookPayload("hook-secret", 4900)
		payload["amount"] = float64(100)
		assert.False(t, v.Verify(payload))
	})

	t.Run("missing fields", func(t *testing.T) {
		assert.False(t, v.Verify(types.JSONMap{"tid": "tid-1"}))
		assert.False(t, v.Verify(types.JSONMap{}))
	})

	t.Run("non numeric amount", func(t *testing.T) {
		payload := signedWebhookPayload("hook-secret", 4900)
		payload["amount"] = "4900"
		assert.False(t, v.Verify(payload))
	})
}
