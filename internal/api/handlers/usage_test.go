package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewritely/internal/quota"
	"rewritely/internal/types"
)

const testCookieName = "aid"

type stubLedger struct {
	identities []types.Identity
	tier       types.Tier
	decision   *quota.Decision
	reserveErr error
	status     *types.QuotaStatus
	statusErr  error
	commits    int
	commitErr  error
}

func (s *stubLedger) Tier(ctx context.Context, identity types.Identity) (types.Tier, error) {
	if s.tier == "" {
		return types.TierFree, nil
	}
	return s.tier, nil
}

func (s *stubLedger) Reserve(ctx context.Context, identity types.Identity, scope types.Scope) (*quota.Decision, error) {
	s.identities = append(s.identities, identity)
	if s.reserveErr != nil {
		return nil, s.reserveErr
	}
	return s.decision, nil
}

func (s *stubLedger) Commit(ctx context.Context, identity types.Identity, d *quota.Decision) error {
	s.commits++
	return s.commitErr
}

func (s *stubLedger) Status(ctx context.Context, identity types.Identity, scope types.Scope) (*types.QuotaStatus, error) {
	s.identities = append(s.identities, identity)
	return s.status, s.statusErr
}

type stubText struct {
	result string
	err    error
	calls  int
}

func (s *stubText) Apply(ctx context.Context, scope types.Scope, text string) (string, error) {
	s.calls++
	return s.result, s.err
}

func testTokenizer() *quota.GuestTokenizer {
	return quota.NewGuestTokenizer(types.SecretString("test-guest-token-key"))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func usageRouter(ledger *stubLedger, text *stubText) http.Handler {
	r := chi.NewRouter()
	NewUsageHandler(ledger, text, testTokenizer(), testCookieName, discardLogger()).RegisterRoutes(r)
	return r
}

func TestHandleStatusMintsGuestCookie(t *testing.T) {
	ledger := &stubLedger{status: &types.QuotaStatus{Used: 2, Limit: 5, Tier: types.TierGuest, Scope: types.ScopePolish}}
	router := usageRouter(ledger, &stubText{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/usage?scope=polish", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"used":2,"limit":5,"tier":"guest","scope":"polish"}}`, w.Body.String())

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, testCookieName, cookies[0].Name)
	_, ok := testTokenizer().Verify(cookies[0].Value)
	assert.True(t, ok, "minted cookie must verify")

	require.Len(t, ledger.identities, 1)
	assert.False(t, ledger.identities[0].Authenticated())
	assert.NotEmpty(t, ledger.identities[0].GuestKey)
}

func TestHandleStatusReusesVerifiedCookie(t *testing.T) {
	ledger := &stubLedger{status: &types.QuotaStatus{}}
	router := usageRouter(ledger, &stubText{})

	token := testTokenizer().Mint()
	r := httptest.NewRequest(http.MethodGet, "/usage?scope=polish", nil)
	r.AddCookie(&http.Cookie{Name: testCookieName, Value: token})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Empty(t, w.Result().Cookies(), "no re-mint for a valid token")
	wantID, _, _ := strings.Cut(token, ".")
	require.Len(t, ledger.identities, 1)
	assert.Equal(t, wantID, ledger.identities[0].GuestKey)
}

func TestHandleStatusAuthenticatedIdentity(t *testing.T) {
	ledger := &stubLedger{status: &types.QuotaStatus{}}
	router := usageRouter(ledger, &stubText{})

	r := httptest.NewRequest(http.MethodGet, "/usage?scope=summarize", nil)
	r.Header.Set("X-User-Id", "u-1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	require.Len(t, ledger.identities, 1)
	assert.Equal(t, "u-1", ledger.identities[0].UserID)
	assert.Empty(t, w.Result().Cookies())
}

func TestHandleRewriteCommitsOnSuccess(t *testing.T) {
	ledger := &stubLedger{decision: &quota.Decision{Scope: types.ScopePolish, Used: 3, Limit: 30}}
	text := &stubText{result: "Polished."}
	router := usageRouter(ledger, text)

	r := httptest.NewRequest(http.MethodPost, "/rewrite",
		strings.NewReader(`{"scope":"polish","text":"polished"}`))
	r.Header.Set("X-User-Id", "u-1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ledger.commits)

	var resp struct {
		Data RewriteResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Polished.", resp.Data.Result)
	assert.Equal(t, 4, resp.Data.Used)
	assert.Equal(t, 30, resp.Data.Limit)
}

func TestHandleRewriteGatedFeatureIsRefused(t *testing.T) {
	ledger := &stubLedger{tier: types.TierGuest, decision: &quota.Decision{Limit: 5}}
	text := &stubText{result: "one. two."}
	router := usageRouter(ledger, text)

	r := httptest.NewRequest(http.MethodPost, "/rewrite",
		strings.NewReader(`{"scope":"summarize","text":"one. two. three."}`))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "permission_tier_insufficient")
	assert.Zero(t, text.calls, "the operation must not run for an ungranted feature")
	assert.Zero(t, ledger.commits)
	assert.Empty(t, ledger.identities, "quota must not be consulted before the gate")

	t.Run("pro passes the gate", func(t *testing.T) {
		ledger := &stubLedger{tier: types.TierPro, decision: &quota.Decision{Used: 0, Limit: 1000}}
		router := usageRouter(ledger, &stubText{result: "one. two."})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rewrite",
			strings.NewReader(`{"scope":"summarize","text":"one. two. three."}`)))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, ledger.commits)
	})
}

func TestHandleRewriteUnknownScope(t *testing.T) {
	ledger := &stubLedger{}
	text := &stubText{result: "never"}
	router := usageRouter(ledger, text)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rewrite",
		strings.NewReader(`{"scope":"translate","text":"hi"}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_invalid_scope")
	assert.Zero(t, text.calls)
}

func TestHandleRewriteDeniedNeverRunsOperation(t *testing.T) {
	ledger := &stubLedger{reserveErr: types.NewAppErrorWithDetails(
		types.ErrCodeQuotaDailyLimit, "daily usage limit reached", nil, map[string]any{"limit": 5})}
	text := &stubText{result: "never"}
	router := usageRouter(ledger, text)

	r := httptest.NewRequest(http.MethodPost, "/rewrite",
		strings.NewReader(`{"scope":"polish","text":"hi"}`))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Zero(t, text.calls)
	assert.Zero(t, ledger.commits)
}

func TestHandleRewriteFailedOperationConsumesNothing(t *testing.T) {
	ledger := &stubLedger{decision: &quota.Decision{Limit: 30}}
	text := &stubText{err: types.NewAppError(types.ErrCodeValidationMissingField, "text must not be empty", nil)}
	router := usageRouter(ledger, text)

	r := httptest.NewRequest(http.MethodPost, "/rewrite",
		strings.NewReader(`{"scope":"polish","text":"  "}`))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, ledger.commits, "failed operation must not consume quota")
}

func TestHandleRewriteCommitFailureStillSucceeds(t *testing.T) {
	ledger := &stubLedger{
		decision:  &quota.Decision{Limit: 30},
		commitErr: types.NewAppError(types.ErrCodeInternalDB, "down", nil),
	}
	router := usageRouter(ledger, &stubText{result: "ok"})

	r := httptest.NewRequest(http.MethodPost, "/rewrite",
		strings.NewReader(`{"scope":"polish","text":"hi"}`))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code, "commit failure is logged, not surfaced")
}
