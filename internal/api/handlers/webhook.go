package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"rewritely/internal/core"
	"rewritely/internal/types"
)

// WebhookIngestor durably records a gateway event.
type WebhookIngestor interface {
	Ingest(ctx context.Context, event *types.WebhookEvent) (types.IngestOutcome, error)
}

// ReconcileEnqueuer hands a recorded event to the asynchronous worker.
type ReconcileEnqueuer interface {
	TriggerReconcile(ctx context.Context, eventID, provider string) error
}

// SignatureVerifier checks the gateway's payload signature.
type SignatureVerifier interface {
	Verify(payload types.JSONMap) bool
}

// WebhookHandler receives gateway status callbacks. The receiver only
// records and enqueues; all interpretation happens in the worker, so the
// gateway always gets a fast 200 and never enters a retry storm.
type WebhookHandler struct {
	ingestor WebhookIngestor
	enqueuer ReconcileEnqueuer
	verifier SignatureVerifier
	logger   *slog.Logger
}

// NewWebhookHandler creates the webhook receiver.
func NewWebhookHandler(ingestor WebhookIngestor, enqueuer ReconcileEnqueuer, verifier SignatureVerifier, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor, enqueuer: enqueuer, verifier: verifier, logger: logger}
}

// RegisterRoutes mounts the webhook receiver.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/{provider}", h.HandleWebhook)
}

// webhookAck is the data payload returned to the gateway.
type webhookAck struct {
	Outcome types.IngestOutcome `json:"outcome"`
}

// HandleWebhook implements POST /v1/webhooks/{provider}.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var payload types.JSONMap
	if err := core.DecodeJSON(w, r, &payload); err != nil {
		core.Error(w, r, err)
		return
	}

	eventID, _ := payload["eventId"].(string)
	if eventID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"eventId is required", nil))
		return
	}
	eventType, _ := payload["eventType"].(string)
	if eventType == "" {
		eventType = "payment.status"
	}

	event := &types.WebhookEvent{
		Provider:       provider,
		EventID:        eventID,
		EventType:      eventType,
		SignatureValid: h.verifier.Verify(payload),
		Payload:        payload,
	}

	outcome, err := h.ingestor.Ingest(r.Context(), event)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if outcome == types.IngestAccepted {
		// A lost enqueue is recovered by the worker's unprocessed sweep, so
		// the gateway still gets its 200.
		if err := h.enqueuer.TriggerReconcile(r.Context(), eventID, provider); err != nil {
			h.logger.ErrorContext(r.Context(), "failed to enqueue reconcile",
				"event_id", eventID, "error", err)
		}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: webhookAck{Outcome: outcome}})
}
