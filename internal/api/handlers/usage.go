package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"rewritely/internal/core"
	"rewritely/internal/quota"
	"rewritely/internal/types"
)

// QuotaLedger is the reserve/commit surface of the usage ledger.
type QuotaLedger interface {
	Tier(ctx context.Context, identity types.Identity) (types.Tier, error)
	Reserve(ctx context.Context, identity types.Identity, scope types.Scope) (*quota.Decision, error)
	Commit(ctx context.Context, identity types.Identity, d *quota.Decision) error
	Status(ctx context.Context, identity types.Identity, scope types.Scope) (*types.QuotaStatus, error)
}

// TextService performs the metered text operation itself.
type TextService interface {
	Apply(ctx context.Context, scope types.Scope, text string) (string, error)
}

// UsageHandler serves the quota status endpoint and the metered rewrite
// endpoint that drives the reserve/commit pair around the text operation.
type UsageHandler struct {
	ledger     QuotaLedger
	text       TextService
	tokenizer  *quota.GuestTokenizer
	cookieName string
	logger     *slog.Logger
}

// NewUsageHandler creates the usage and rewrite handler.
func NewUsageHandler(ledger QuotaLedger, text TextService, tokenizer *quota.GuestTokenizer, cookieName string, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{
		ledger:     ledger,
		text:       text,
		tokenizer:  tokenizer,
		cookieName: cookieName,
		logger:     logger,
	}
}

// RegisterRoutes mounts the usage endpoints.
func (h *UsageHandler) RegisterRoutes(r chi.Router) {
	r.Get("/usage", h.HandleStatus)
	r.Post("/rewrite", h.HandleRewrite)
}

// RewriteRequest is the body for POST /v1/rewrite.
type RewriteRequest struct {
	Scope types.Scope `json:"scope"`
	Text  string      `json:"text"`
}

// RewriteResponse is the data payload for POST /v1/rewrite.
type RewriteResponse struct {
	Scope  types.Scope `json:"scope"`
	Result string      `json:"result"`
	Used   int         `json:"used"`
	Limit  int         `json:"limit"`
}

// HandleStatus implements GET /v1/usage?scope=.
func (h *UsageHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	identity, minted := resolveIdentity(r, h.tokenizer, h.cookieName)
	if minted != "" {
		setGuestCookie(w, h.cookieName, minted)
	}

	status, err := h.ledger.Status(r.Context(), identity, types.Scope(r.URL.Query().Get("scope")))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: status})
}

// HandleRewrite implements POST /v1/rewrite. The tier's feature set is
// checked first, then quota is reserved before the text operation runs and
// committed only after it succeeds, so a failed operation consumes nothing.
func (h *UsageHandler) HandleRewrite(w http.ResponseWriter, r *http.Request) {
	identity, minted := resolveIdentity(r, h.tokenizer, h.cookieName)
	if minted != "" {
		setGuestCookie(w, h.cookieName, minted)
	}

	var req RewriteRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if !types.ValidScope(req.Scope) {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidScope, "unknown quota scope", nil))
		return
	}

	tier, err := h.ledger.Tier(r.Context(), identity)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if !quota.FeatureAllowed(tier, quota.FeatureForScope(req.Scope)) {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodePermissionTier,
			"this feature is not included in the current plan", nil, map[string]any{
				"tier":  tier,
				"scope": req.Scope,
			}))
		return
	}

	decision, err := h.ledger.Reserve(r.Context(), identity, req.Scope)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.text.Apply(r.Context(), req.Scope, req.Text)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	// A commit failure must not fail the already-performed operation; it is
	// logged and the use goes unrecorded.
	if err := h.ledger.Commit(r.Context(), identity, decision); err != nil {
		h.logger.ErrorContext(r.Context(), "usage commit failed",
			"scope", req.Scope, "error", err)
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: RewriteResponse{
		Scope:  req.Scope,
		Result: result,
		Used:   decision.Used + 1,
		Limit:  decision.Limit,
	}})
}
