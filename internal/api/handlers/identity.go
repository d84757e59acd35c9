// Package handlers contains the HTTP handler implementations for the
// Rewritely API: metered rewrite operations, quota status, subscription
// management, the gateway webhook receiver, and the internal scheduler
// trigger.
package handlers

import (
	"net/http"
	"strings"
	"time"

	"rewritely/internal/quota"
	"rewritely/internal/types"
)

// guestCookieTTL is how long a minted guest cookie lives. The daily counter
// window is shorter, so expiry only affects identity continuity.
const guestCookieTTL = 30 * 24 * time.Hour

// resolveIdentity extracts the caller identity from the request.
//
// Authenticated callers are identified by the X-User-Id header set by the
// fronting auth proxy (session mechanics live there, not in this service).
// Everyone else is a guest keyed by the signed token in the guest cookie. An
// absent or unverifiable token yields a freshly minted one, returned as
// mintedToken so the handler can set the cookie.
func resolveIdentity(r *http.Request, tok *quota.GuestTokenizer, cookieName string) (identity types.Identity, mintedToken string) {
	if userID := r.Header.Get("X-User-Id"); userID != "" {
		return types.Identity{
			UserID:  userID,
			IsAdmin: r.Header.Get("X-Admin") == "true",
		}, ""
	}

	if cookie, err := r.Cookie(cookieName); err == nil {
		if id, ok := tok.Verify(cookie.Value); ok {
			return types.Identity{GuestKey: id}, ""
		}
	}

	token := tok.Mint()
	id, _, _ := strings.Cut(token, ".")
	return types.Identity{GuestKey: id}, token
}

// setGuestCookie attaches a freshly minted guest token to the response.
func setGuestCookie(w http.ResponseWriter, name, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(guestCookieTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// requireUser returns the authenticated user id or an auth error for
// endpoints that have no guest semantics.
func requireUser(r *http.Request) (string, error) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		return "", types.NewAppError(types.ErrCodeAuthRequired, "authentication required", nil)
	}
	return userID, nil
}
