package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rewritely/internal/core"
	"rewritely/internal/types"
)

// SubscriptionService is the subscription lifecycle surface the handler
// drives.
type SubscriptionService interface {
	Subscribe(ctx context.Context, userID, billingKey string, metadata types.JSONMap) (*types.Subscription, error)
	CancelAtPeriodEnd(ctx context.Context, userID string) (*types.Subscription, error)
	Resume(ctx context.Context, userID string) (*types.Subscription, error)
	Current(ctx context.Context, userID string) (*types.Subscription, error)
}

// SubscriptionHandler serves subscription management endpoints.
type SubscriptionHandler struct {
	service SubscriptionService
	logger  *slog.Logger
}

// NewSubscriptionHandler creates the subscription handler.
func NewSubscriptionHandler(service SubscriptionService, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{service: service, logger: logger}
}

// RegisterRoutes mounts the subscription endpoints.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/subscriptions", h.HandleSubscribe)
	r.Get("/subscriptions/current", h.HandleCurrent)
	r.Delete("/subscriptions/current", h.HandleCancel)
	r.Post("/subscriptions/current/resume", h.HandleResume)
}

// SubscribeRequest is the body for POST /v1/subscriptions. BillingKey is the
// stored-card token issued by the gateway's card registration flow.
type SubscribeRequest struct {
	BillingKey string        `json:"billing_key"`
	CardInfo   types.JSONMap `json:"card_info,omitempty"`
}

// SubscriptionResponse is the client view of a subscription.
type SubscriptionResponse struct {
	ID                int64      `json:"id"`
	Status            string     `json:"status"`
	PlanName          string     `json:"plan_name"`
	PlanAmount        int64      `json:"plan_amount"`
	Currency          string     `json:"currency"`
	NextChargeAt      *time.Time `json:"next_charge_at,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
}

func subscriptionResponse(sub *types.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:                sub.ID,
		Status:            string(sub.Status),
		PlanName:          sub.PlanName,
		PlanAmount:        sub.PlanAmount,
		Currency:          sub.Currency,
		NextChargeAt:      sub.NextChargeAt,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
}

// HandleSubscribe implements POST /v1/subscriptions: registers the billing
// key, issues the first charge, and activates on capture.
func (h *SubscriptionHandler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req SubscribeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.BillingKey == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"billing_key is required", nil))
		return
	}

	sub, err := h.service.Subscribe(r.Context(), userID, req.BillingKey, req.CardInfo)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: subscriptionResponse(sub)})
}

// HandleCurrent implements GET /v1/subscriptions/current.
func (h *SubscriptionHandler) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.service.Current(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: subscriptionResponse(sub)})
}

// HandleCancel implements DELETE /v1/subscriptions/current. The subscription
// stays entitled until the period lapses; the scheduler finalizes it.
func (h *SubscriptionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.service.CancelAtPeriodEnd(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: subscriptionResponse(sub)})
}

// HandleResume implements POST /v1/subscriptions/current/resume, reverting a
// pending end-of-period cancellation.
func (h *SubscriptionHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.service.Resume(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: subscriptionResponse(sub)})
}
