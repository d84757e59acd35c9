package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rewritely/internal/db"
	"rewritely/internal/external"
	"rewritely/internal/types"
)

// Pool is the database surface the billing engine needs. Satisfied by
// *pgxpool.Pool.
type Pool interface {
	db.TxBeginner
	db.DBTX
}

// Charger drives the charge state machine for a single subscription.
//
// A recurring charge runs in three stages:
//
//  1. Claim: a short transaction takes the subscription row with
//     FOR UPDATE SKIP LOCKED, re-checks that it is still due, and durably
//     inserts a pending payment row whose idempotency key covers this
//     subscription and charge day. The commit releases the lock.
//  2. Submit: the gateway call runs with no database locks held.
//  3. Record: a fresh transaction applies the outcome -- captured plus a
//     period rollforward, or failed plus the retry ladder.
//
// If two scheduler instances race on the same subscription, one loses the
// row lock and skips; if a due row is picked twice on the same day across
// passes, the second pending insert hits the idempotency key and skips. A
// crash between stages leaves a pending row for reconciliation, never a
// double submission.
type Charger struct {
	pool    Pool
	gateway external.PaymentGateway
	cycle   *Cycle
	clock   types.Clock
	logger  *slog.Logger
}

// NewCharger creates a charge state machine driver.
func NewCharger(pool Pool, gateway external.PaymentGateway, cycle *Cycle, clock types.Clock, logger *slog.Logger) *Charger {
	return &Charger{pool: pool, gateway: gateway, cycle: cycle, clock: clock, logger: logger}
}

// ChargeDue attempts the recurring charge for one due subscription.
// Skipped means another instance holds the row, the row is no longer due, or
// this charge day already has an attempt. Failed covers declines, transport
// failures, and unverifiable responses; all of them advance the retry ladder.
func (c *Charger) ChargeDue(ctx context.Context, subscriptionID int64) (types.ChargeOutcome, error) {
	now := c.clock.Now()

	sub, pm, orderID, err := c.claim(ctx, subscriptionID, now)
	if err != nil {
		return types.OutcomeFailed, err
	}
	if sub == nil {
		return types.OutcomeSkipped, nil
	}

	result, chargeErr := c.submit(ctx, sub, pm, orderID)
	if chargeErr != nil {
		code, msg := failureReason(chargeErr)
		c.logger.WarnContext(ctx, "recurring charge failed before approval",
			"subscription_id", sub.ID, "order_id", orderID, "code", code)
		canceled, err := c.recordFailure(ctx, sub, orderID, code, msg, nil, now)
		if err != nil {
			return types.OutcomeFailed, err
		}
		if canceled {
			c.expireBillingKey(ctx, sub, pm)
		}
		return types.OutcomeFailed, nil
	}

	if !result.Approved {
		c.logger.InfoContext(ctx, "recurring charge declined",
			"subscription_id", sub.ID, "order_id", orderID, "result_code", result.ResultCode)
		canceled, err := c.recordFailure(ctx, sub, orderID, result.ResultCode, result.ResultMessage, result.Raw, now)
		if err != nil {
			return types.OutcomeFailed, err
		}
		if canceled {
			c.expireBillingKey(ctx, sub, pm)
		}
		return types.OutcomeFailed, nil
	}

	if err := c.recordCapture(ctx, sub, orderID, result, now); err != nil {
		return types.OutcomeFailed, err
	}
	c.logger.InfoContext(ctx, "recurring charge captured",
		"subscription_id", sub.ID, "order_id", orderID, "transaction_id", result.TransactionID)
	return types.OutcomeCharged, nil
}

// claim locks the due row, loads its payment method, and inserts the pending
// payment row, all inside one short transaction. Returns (nil, nil, "", nil)
// for every normal skip.
func (c *Charger) claim(ctx context.Context, subscriptionID int64, now time.Time) (*types.Subscription, *types.PaymentMethod, string, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to begin claim transaction", err)
	}
	defer tx.Rollback(ctx)

	sub, err := db.NewSubscriptionRepo(tx).LockDue(ctx, subscriptionID, now)
	if err != nil {
		return nil, nil, "", err
	}
	if sub == nil || sub.PaymentMethodID == nil {
		return nil, nil, "", nil
	}

	pm, err := db.NewPaymentMethodRepo(tx).GetByID(ctx, *sub.PaymentMethodID)
	if err != nil {
		return nil, nil, "", err
	}
	if pm.Status != types.PaymentMethodActive || pm.BillingKey == "" {
		return nil, nil, "", nil
	}

	orderID := uuid.NewString()
	_, err = db.NewPaymentAttemptRepo(tx).CreatePending(ctx, &types.PaymentAttempt{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Provider:       c.gateway.Provider(),
		OrderID:        orderID,
		IdempotencyKey: c.cycle.CycleKey(sub.ID, now),
		Amount:         sub.PlanAmount,
		Currency:       sub.Currency,
		RawRequest: types.JSONMap{
			"kind":       string(types.ChargeKindRecurring),
			"plan":       sub.PlanName,
			"due_at":     dueInstant(sub).Format(time.RFC3339),
			"fail_count": sub.FailCount,
		},
	})
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictIdempotency {
			c.logger.InfoContext(ctx, "charge already attempted for this cycle, skipping",
				"subscription_id", sub.ID)
			return nil, nil, "", nil
		}
		return nil, nil, "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to commit claim transaction", err)
	}
	return sub, pm, orderID, nil
}

// submit sends the charge to the gateway. No locks are held here.
func (c *Charger) submit(ctx context.Context, sub *types.Subscription, pm *types.PaymentMethod, orderID string) (*external.ChargeResult, error) {
	customerRef, _ := pm.Metadata["customer_id"].(string)
	return c.gateway.Charge(ctx, external.ChargeRequest{
		OrderID:     orderID,
		BillingKey:  pm.BillingKey,
		CustomerRef: customerRef,
		Amount:      sub.PlanAmount,
		Currency:    sub.Currency,
		GoodsName:   sub.PlanName,
		UserID:      sub.UserID,
	})
}

// recordCapture marks the payment captured and rolls the billing period
// forward in one transaction. The next charge date is computed from the due
// instant, not the attempt instant, so late retries do not drift the anchor.
func (c *Charger) recordCapture(ctx context.Context, sub *types.Subscription, orderID string, result *external.ChargeResult, now time.Time) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin outcome transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := db.NewPaymentAttemptRepo(tx).MarkCaptured(ctx, orderID, result.TransactionID, result.Raw); err != nil {
		return err
	}

	base := dueInstant(sub)
	anchorDay := sub.AnchorDay
	if anchorDay == 0 {
		anchorDay = c.cycle.AnchorDay(base)
	}
	next := c.cycle.NextChargeAt(base, anchorDay)
	if err := db.NewSubscriptionRepo(tx).RollForward(ctx, sub.ID, anchorDay, base, next, next); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit outcome transaction", err)
	}
	return nil
}

// recordFailure marks the payment failed and advances the retry ladder. The
// failure that exhausts the ladder cancels the subscription and deactivates
// its payment method so the scheduler never picks it up again; it reports
// canceled=true so the caller can expire the billing key at the provider.
func (c *Charger) recordFailure(ctx context.Context, sub *types.Subscription, orderID, code, message string, raw types.JSONMap, now time.Time) (canceled bool, err error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to begin outcome transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := db.NewPaymentAttemptRepo(tx).MarkFailed(ctx, orderID, code, message, raw); err != nil {
		return false, err
	}

	subRepo := db.NewSubscriptionRepo(tx)
	failCount := sub.FailCount + 1
	if retryAt, ok := RetryAt(failCount, now); ok {
		if err := subRepo.ScheduleRetry(ctx, sub.ID, failCount, retryAt, now); err != nil {
			return false, err
		}
	} else {
		if err := subRepo.Cancel(ctx, sub.ID, failCount, now); err != nil {
			return false, err
		}
		if sub.PaymentMethodID != nil {
			if err := db.NewPaymentMethodRepo(tx).Deactivate(ctx, *sub.PaymentMethodID); err != nil {
				return false, err
			}
		}
		canceled = true
		c.logger.WarnContext(ctx, "subscription canceled after exhausting charge retries",
			"subscription_id", sub.ID, "fail_count", failCount)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to commit outcome transaction", err)
	}
	return canceled, nil
}

// expireBillingKey revokes the stored key at the provider after a terminal
// cancellation. Best effort: the local row is already deactivated and the
// canceled subscription will never be claimed again.
func (c *Charger) expireBillingKey(ctx context.Context, sub *types.Subscription, pm *types.PaymentMethod) {
	customerRef, _ := pm.Metadata["customer_id"].(string)
	if err := c.gateway.ExpireBillingKey(ctx, pm.BillingKey, customerRef); err != nil {
		c.logger.WarnContext(ctx, "billing key expire failed at provider",
			"subscription_id", sub.ID, "payment_method_id", pm.ID, "error", err)
	}
}

// dueInstant returns the instant this charge pays for: the pending retry's
// original due date when retrying, otherwise the scheduled charge date.
func dueInstant(sub *types.Subscription) time.Time {
	if sub.NextChargeAt != nil {
		return *sub.NextChargeAt
	}
	if sub.RetryAt != nil {
		return *sub.RetryAt
	}
	return sub.CreatedAt
}

// failureReason extracts a stable failure code and message from a charge
// error for the payment ledger.
func failureReason(err error) (code, message string) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return string(appErr.Code), appErr.Message
	}
	return string(types.ErrCodeUpstreamGateway), err.Error()
}
