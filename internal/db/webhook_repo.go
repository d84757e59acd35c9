package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"rewritely/internal/types"
)

// WebhookEventRepo provides data access for the webhook_events table.
// event_id is unique; the insert-first pattern makes ingestion idempotent
// (audit trail precedes interpretation).
type WebhookEventRepo struct {
	db DBTX
}

// NewWebhookEventRepo creates a new WebhookEventRepo backed by the given
// database connection (pool or transaction).
func NewWebhookEventRepo(db DBTX) *WebhookEventRepo {
	return &WebhookEventRepo{db: db}
}

// ErrDuplicateEvent is returned by Insert when an event with the same
// event_id has already been recorded.
var ErrDuplicateEvent = errors.New("webhook event already recorded")

// Insert persists the raw event. Returns ErrDuplicateEvent on an event_id
// collision so the ingestor can report Duplicate with no side effects.
func (r *WebhookEventRepo) Insert(ctx context.Context, e *types.WebhookEvent) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO webhook_events
		 (provider, event_id, event_type, signature_valid, payload, processed, received_at)
		 VALUES ($1, $2, $3, $4, $5, false, NOW())
		 RETURNING id`,
		e.Provider, e.EventID, e.EventType, e.SignatureValid, e.Payload,
	).Scan(&id)
	if err != nil {
		if IsUniqueViolation(err) {
			return 0, ErrDuplicateEvent
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to insert webhook event", err)
	}
	return id, nil
}

// GetByEventID returns a recorded event. Returns (nil, nil) when absent.
func (r *WebhookEventRepo) GetByEventID(ctx context.Context, eventID string) (*types.WebhookEvent, error) {
	var e types.WebhookEvent
	err := r.db.QueryRow(ctx,
		`SELECT id, provider, event_id, event_type, signature_valid, payload,
		        processed, processed_at, received_at
		 FROM webhook_events WHERE event_id = $1`,
		eventID,
	).Scan(&e.ID, &e.Provider, &e.EventID, &e.EventType, &e.SignatureValid,
		&e.Payload, &e.Processed, &e.ProcessedAt, &e.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get webhook event", err)
	}
	return &e, nil
}

// MarkProcessed flips the processed flag once reconciliation has been applied
// (or determined to be inapplicable).
func (r *WebhookEventRepo) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET processed = true, processed_at = $2
		 WHERE event_id = $1`,
		eventID, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark webhook event processed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "webhook event not found", nil)
	}
	return nil
}

// ListUnprocessed returns events awaiting reconciliation, oldest first.
// The webhook worker drains this as a safety net for lost queue messages.
func (r *WebhookEventRepo) ListUnprocessed(ctx context.Context, limit int) ([]types.WebhookEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, provider, event_id, event_type, signature_valid, payload,
		        processed, processed_at, received_at
		 FROM webhook_events
		 WHERE processed = false
		 ORDER BY received_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list unprocessed webhook events", err)
	}
	defer rows.Close()

	var events []types.WebhookEvent
	for rows.Next() {
		var e types.WebhookEvent
		if err := rows.Scan(&e.ID, &e.Provider, &e.EventID, &e.EventType, &e.SignatureValid,
			&e.Payload, &e.Processed, &e.ProcessedAt, &e.ReceivedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan webhook event", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating webhook events", err)
	}
	return events, nil
}
