package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"rewritely/internal/db"
	"rewritely/internal/types"
)

// Ingestor records gateway webhook events and reconciles them against the
// payment ledger.
//
// Ingestion and reconciliation are split so the HTTP receiver can answer the
// gateway immediately: Ingest persists the raw event and returns, and
// Reconcile (driven by the webhook worker) interprets it later. Events are
// deduplicated on their gateway event id, and reconciliation is idempotent,
// so redelivery in either stage is harmless.
type Ingestor struct {
	pool   Pool
	cycle  *Cycle
	clock  types.Clock
	logger *slog.Logger
}

// NewIngestor creates a webhook ingestor.
func NewIngestor(pool Pool, cycle *Cycle, clock types.Clock, logger *slog.Logger) *Ingestor {
	return &Ingestor{pool: pool, cycle: cycle, clock: clock, logger: logger}
}

// Ingest durably records one webhook delivery before any interpretation.
// Duplicate means this event id was already recorded (redelivery); Rejected
// means the signature did not verify. Rejected events are still persisted for
// audit but will never be reconciled.
func (i *Ingestor) Ingest(ctx context.Context, event *types.WebhookEvent) (types.IngestOutcome, error) {
	repo := db.NewWebhookEventRepo(i.pool)

	if _, err := repo.Insert(ctx, event); err != nil {
		if errors.Is(err, db.ErrDuplicateEvent) {
			i.logger.InfoContext(ctx, "duplicate webhook delivery ignored", "event_id", event.EventID)
			return types.IngestDuplicate, nil
		}
		return "", err
	}

	if !event.SignatureValid {
		i.logger.WarnContext(ctx, "webhook signature rejected", "event_id", event.EventID)
		if err := repo.MarkProcessed(ctx, event.EventID, i.clock.Now()); err != nil {
			return "", err
		}
		return types.IngestRejected, nil
	}
	return types.IngestAccepted, nil
}

// mapEventStatus translates gateway event status vocabulary into the payment
// ledger's states. Unknown statuses map to "" and are logged, not applied.
func mapEventStatus(status string) types.PaymentStatus {
	switch status {
	case "done", "approved", "paid", "captured":
		return types.PaymentCaptured
	case "canceled", "cancelled", "refunded":
		return types.PaymentRefunded
	case "failed", "declined":
		return types.PaymentFailed
	}
	return ""
}

// Reconcile applies one recorded event to the payment ledger. It is safe to
// call repeatedly and out of order: processed events are no-ops, and the
// ledger's terminal-state guard drops stale transitions (a late "failed"
// event can never overwrite a captured payment).
func (i *Ingestor) Reconcile(ctx context.Context, eventID string) error {
	now := i.clock.Now()
	repo := db.NewWebhookEventRepo(i.pool)

	event, err := repo.GetByEventID(ctx, eventID)
	if err != nil {
		return err
	}
	if event == nil {
		return types.NewAppError(types.ErrCodeNotFoundPayment, "webhook event not recorded", nil)
	}
	if event.Processed {
		return nil
	}
	if !event.SignatureValid {
		return repo.MarkProcessed(ctx, eventID, now)
	}

	orderID, _ := event.Payload["orderId"].(string)
	if orderID == "" {
		orderID, _ = event.Payload["order_id"].(string)
	}
	statusStr, _ := event.Payload["status"].(string)
	transactionID, _ := event.Payload["tid"].(string)

	mapped := mapEventStatus(statusStr)
	if orderID == "" || mapped == "" {
		i.logger.WarnContext(ctx, "webhook event not applicable",
			"event_id", eventID, "status", statusStr)
		return repo.MarkProcessed(ctx, eventID, now)
	}

	if err := i.applyTransition(ctx, orderID, mapped, transactionID, now); err != nil {
		return err
	}
	return repo.MarkProcessed(ctx, eventID, now)
}

// applyTransition applies the mapped status and keeps the subscription in
// step: a webhook capture rolls the period forward (the crash-recovery path
// for a charge that was submitted but never recorded), and a webhook failure
// advances the retry ladder.
func (i *Ingestor) applyTransition(ctx context.Context, orderID string, status types.PaymentStatus, transactionID string, now time.Time) error {
	tx, err := i.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin reconcile transaction", err)
	}
	defer tx.Rollback(ctx)

	payRepo := db.NewPaymentAttemptRepo(tx)
	applied, err := payRepo.ApplyWebhookStatus(ctx, orderID, status, transactionID)
	if err != nil {
		return err
	}
	if !applied {
		i.logger.InfoContext(ctx, "webhook transition not applied (terminal state)",
			"order_id", orderID, "status", status)
		return tx.Commit(ctx)
	}

	attempt, err := payRepo.GetByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	subRepo := db.NewSubscriptionRepo(tx)
	sub, err := subRepo.GetByID(ctx, attempt.SubscriptionID)
	if err != nil {
		return err
	}

	switch status {
	case types.PaymentCaptured:
		base := dueInstant(sub)
		anchorDay := sub.AnchorDay
		if anchorDay == 0 {
			anchorDay = i.cycle.AnchorDay(base)
		}
		next := i.cycle.NextChargeAt(base, anchorDay)
		if err := subRepo.RollForward(ctx, sub.ID, anchorDay, base, next, next); err != nil {
			return err
		}
	case types.PaymentFailed:
		if sub.Status == types.SubStatusActive || sub.Status == types.SubStatusPastDue {
			failCount := sub.FailCount + 1
			if retryAt, ok := RetryAt(failCount, now); ok {
				if err := subRepo.ScheduleRetry(ctx, sub.ID, failCount, retryAt, now); err != nil {
					return err
				}
			} else {
				if err := subRepo.Cancel(ctx, sub.ID, failCount, now); err != nil {
					return err
				}
				if sub.PaymentMethodID != nil {
					if err := db.NewPaymentMethodRepo(tx).Deactivate(ctx, *sub.PaymentMethodID); err != nil {
						return err
					}
				}
			}
		}
	case types.PaymentRefunded:
		// The money moved back; entitlement policy for refunds is manual.
		i.logger.InfoContext(ctx, "payment refunded via webhook",
			"order_id", orderID, "subscription_id", sub.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit reconcile transaction", err)
	}
	return nil
}
