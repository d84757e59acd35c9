package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"rewritely/internal/types"
)

type stubSubService struct {
	sub       *types.Subscription
	err       error
	userIDs   []string
	canceled  int
	resumed   int
	subscribe int
}

func (s *stubSubService) Subscribe(ctx context.Context, userID, billingKey string, metadata types.JSONMap) (*types.Subscription, error) {
	s.userIDs = append(s.userIDs, userID)
	s.subscribe++
	return s.sub, s.err
}

func (s *stubSubService) CancelAtPeriodEnd(ctx context.Context, userID string) (*types.Subscription, error) {
	s.userIDs = append(s.userIDs, userID)
	s.canceled++
	return s.sub, s.err
}

func (s *stubSubService) Resume(ctx context.Context, userID string) (*types.Subscription, error) {
	s.userIDs = append(s.userIDs, userID)
	s.resumed++
	return s.sub, s.err
}

func (s *stubSubService) Current(ctx context.Context, userID string) (*types.Subscription, error) {
	s.userIDs = append(s.userIDs, userID)
	return s.sub, s.err
}

func subRouter(svc *stubSubService) http.Handler {
	r := chi.NewRouter()
	NewSubscriptionHandler(svc, discardLogger()).RegisterRoutes(r)
	return r
}

func activeSub() *types.Subscription {
	next := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
	return &types.Subscription{
		ID: 7, UserID: "u-1", Status: types.SubStatusActive,
		PlanName: "pro_monthly", PlanAmount: 4900, Currency: "KRW",
		NextChargeAt: &next,
	}
}

func TestHandleSubscribe(t *testing.T) {
	svc := &stubSubService{sub: activeSub()}
	router := subRouter(svc)

	r := httptest.NewRequest(http.MethodPost, "/subscriptions",
		strings.NewReader(`{"billing_key":"bid-new"}`))
	r.Header.Set("X-User-Id", "u-1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"u-1"}, svc.userIDs)
	assert.Contains(t, w.Body.String(), `"plan_name":"pro_monthly"`)
}

func TestHandleSubscribeRequiresAuth(t *testing.T) {
	svc := &stubSubService{sub: activeSub()}
	router := subRouter(svc)

	r := httptest.NewRequest(http.MethodPost, "/subscriptions",
		strings.NewReader(`{"billing_key":"bid-new"}`))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, svc.subscribe)
}

func TestHandleSubscribeRequiresBillingKey(t *testing.T) {
	svc := &stubSubService{sub: activeSub()}
	router := subRouter(svc)

	r := httptest.NewRequest(http.MethodPost, "/subscriptions", strings.NewReader(`{}`))
	r.Header.Set("X-User-Id", "u-1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, svc.subscribe)
}

func TestHandleSubscribeDeclined(t *testing.T) {
	svc := &stubSubService{err: types.NewAppErrorWithDetails(types.ErrCodePaymentDeclined,
		"card declined", nil, map[string]any{"result_code": "3001"})}
	router := subRouter(svc)

	r := httptest.NewRequest(http.MethodPost, "/subscriptions",
		strings.NewReader(`{"billing_key":"bid-new"}`))
	r.Header.Set("X-User-Id", "u-1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "payment_declined")
}

func TestHandleCancel(t *testing.T) {
	sub := activeSub()
	sub.CancelAtPeriodEnd = true
	svc := &stubSubService{sub: sub}
	router := subRouter(svc)

	r := httptest.NewRequest(http.MethodDelete, "/subscriptions/current", nil)
	r.Header.Set("X-User-Id", "u-1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, svc.canceled)
	assert.Contains(t, w.Body.String(), `"cancel_at_period_end":true`)
}

func TestHandleResume(t *testing.T) {
	svc := &stubSubService{sub: activeSub()}
	router := subRouter(svc)

	r := httptest.NewRequest(http.MethodPost, "/subscriptions/current/resume", nil)
	r.Header.Set("X-User-Id", "u-1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, svc.resumed)
	assert.Contains(t, w.Body.String(), `"cancel_at_period_end":false`)
}

func TestHandleResumeRequiresAuth(t *testing.T) {
	svc := &stubSubService{sub: activeSub()}
	router := subRouter(svc)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/subscriptions/current/resume", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, svc.resumed)
}

func TestHandleCurrentNotFound(t *testing.T) {
	svc := &stubSubService{err: types.NewAppError(types.ErrCodeNotFoundSubscription,
		"no subscription", nil)}
	router := subRouter(svc)

	r := httptest.NewRequest(http.MethodGet, "/subscriptions/current", nil)
	r.Header.Set("X-User-Id", "u-1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
