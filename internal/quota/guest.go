package quota

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"rewritely/internal/types"
)

// GuestTokenizer mints and verifies the opaque guest identity token carried
// in a cookie. The token is a random id plus an HMAC-SHA256 signature over it;
// the id doubles as the guest's usage counter key.
//
// Verification failures are never errors: an absent, malformed, or tampered
// token simply yields a fresh identity, which also resets the guest's daily
// counter. That is acceptable for a 5-per-day free sample and keeps the
// endpoint stateless.
type GuestTokenizer struct {
	key []byte
}

// NewGuestTokenizer creates a tokenizer keyed with the configured MAC secret.
func NewGuestTokenizer(key types.SecretString) *GuestTokenizer {
	return &GuestTokenizer{key: []byte(key.Unmask())}
}

// Mint generates a fresh guest token: "<uuid>.<hex hmac>".
func (g *GuestTokenizer) Mint() string {
	id := uuid.NewString()
	return id + "." + g.sign(id)
}

// Verify checks the token signature in constant time and returns the embedded
// guest id. ok is false for any token that this tokenizer did not mint.
func (g *GuestTokenizer) Verify(token string) (id string, ok bool) {
	id, sig, found := strings.Cut(token, ".")
	if !found || id == "" {
		return "", false
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	if !hmac.Equal([]byte(sig), []byte(g.sign(id))) {
		return "", false
	}
	return id, true
}

func (g *GuestTokenizer) sign(id string) string {
	mac := hmac.New(sha256.New, g.key)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}
