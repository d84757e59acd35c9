package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rewritely/internal/config"
	"rewritely/internal/db"
	"rewritely/internal/external"
	"rewritely/internal/types"
)

// SubscriptionService owns the user-facing subscription lifecycle: sign-up
// with an immediate first charge, and cancellation at period end.
type SubscriptionService struct {
	pool    Pool
	gateway external.PaymentGateway
	cycle   *Cycle
	plan    config.BillingConfig
	clock   types.Clock
	logger  *slog.Logger
}

// NewSubscriptionService creates a subscription lifecycle service.
func NewSubscriptionService(pool Pool, gateway external.PaymentGateway, cycle *Cycle, plan config.BillingConfig, clock types.Clock, logger *slog.Logger) *SubscriptionService {
	return &SubscriptionService{pool: pool, gateway: gateway, cycle: cycle, plan: plan, clock: clock, logger: logger}
}

// Subscribe registers the billing key, creates the subscription, and takes
// the first charge synchronously. The subscription only becomes active (and
// the caller pro) when the first charge captures; a failed or declined first
// charge cancels the incomplete subscription and is returned as a payment
// error for the caller to fix and resubmit. There is no retry ladder for
// first charges.
//
// The entitlement pre-check below is a friendly fast path only. The partial
// unique index behind SubscriptionRepo.Create is what serializes concurrent
// sign-ups: the loser gets a conflict before its gateway charge, never a
// second charge on the card.
func (s *SubscriptionService) Subscribe(ctx context.Context, userID, billingKey string, metadata types.JSONMap) (*types.Subscription, error) {
	existing, err := db.NewSubscriptionRepo(s.pool).GetEntitled(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, types.NewAppError(types.ErrCodeConflictSubscribed,
			"user already has an active subscription", nil)
	}

	now := s.clock.Now()
	sub, pm, orderID, err := s.setUp(ctx, userID, billingKey, metadata, now)
	if err != nil {
		return nil, err
	}

	customerRef, _ := pm.Metadata["customer_id"].(string)
	result, chargeErr := s.gateway.Charge(ctx, external.ChargeRequest{
		OrderID:     orderID,
		BillingKey:  pm.BillingKey,
		CustomerRef: customerRef,
		Amount:      sub.PlanAmount,
		Currency:    sub.Currency,
		GoodsName:   sub.PlanName,
		UserID:      userID,
	})

	payRepo := db.NewPaymentAttemptRepo(s.pool)
	if chargeErr != nil {
		code, msg := failureReason(chargeErr)
		if err := payRepo.MarkFailed(ctx, orderID, code, msg, nil); err != nil {
			s.logger.ErrorContext(ctx, "failed to record first-charge failure",
				"order_id", orderID, "error", err)
		}
		s.abandonIncomplete(ctx, sub.ID)
		return nil, chargeErr
	}
	if !result.Approved {
		if err := payRepo.MarkFailed(ctx, orderID, result.ResultCode, result.ResultMessage, result.Raw); err != nil {
			s.logger.ErrorContext(ctx, "failed to record first-charge decline",
				"order_id", orderID, "error", err)
		}
		s.abandonIncomplete(ctx, sub.ID)
		return nil, types.NewAppErrorWithDetails(types.ErrCodePaymentDeclined,
			"first charge was declined", nil, map[string]any{
				"result_code":    result.ResultCode,
				"result_message": result.ResultMessage,
			})
	}

	if err := payRepo.MarkCaptured(ctx, orderID, result.TransactionID, result.Raw); err != nil {
		return nil, err
	}

	anchorDay := s.cycle.AnchorDay(now)
	next := s.cycle.NextChargeAt(now, anchorDay)
	if err := db.NewSubscriptionRepo(s.pool).RollForward(ctx, sub.ID, anchorDay, now, next, next); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription activated",
		"subscription_id", sub.ID, "anchor_day", anchorDay, "next_charge_at", next)
	return db.NewSubscriptionRepo(s.pool).GetByID(ctx, sub.ID)
}

// setUp persists the payment method, the incomplete subscription, and the
// pending first-charge row in one transaction, before any gateway traffic.
func (s *SubscriptionService) setUp(ctx context.Context, userID, billingKey string, metadata types.JSONMap, now time.Time) (*types.Subscription, *types.PaymentMethod, string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to begin subscribe transaction", err)
	}
	defer tx.Rollback(ctx)

	pmRepo := db.NewPaymentMethodRepo(tx)
	if err := pmRepo.DeactivateAllForUser(ctx, userID); err != nil {
		return nil, nil, "", err
	}
	pm := &types.PaymentMethod{
		UserID:     userID,
		Provider:   s.gateway.Provider(),
		BillingKey: billingKey,
		Metadata:   metadata,
	}
	pmID, err := pmRepo.Create(ctx, pm)
	if err != nil {
		return nil, nil, "", err
	}
	pm.ID = pmID
	pm.Status = types.PaymentMethodActive

	sub := &types.Subscription{
		UserID:          userID,
		Status:          types.SubStatusIncomplete,
		PlanName:        s.plan.PlanName,
		PlanAmount:      s.plan.PlanAmount,
		Currency:        s.plan.Currency,
		AnchorDay:       s.cycle.AnchorDay(now),
		PaymentMethodID: &pmID,
	}
	subID, err := db.NewSubscriptionRepo(tx).Create(ctx, sub)
	if err != nil {
		return nil, nil, "", err
	}
	sub.ID = subID
	sub.CreatedAt = now

	orderID := uuid.NewString()
	_, err = db.NewPaymentAttemptRepo(tx).CreatePending(ctx, &types.PaymentAttempt{
		UserID:         userID,
		SubscriptionID: subID,
		Provider:       s.gateway.Provider(),
		OrderID:        orderID,
		IdempotencyKey: s.cycle.CycleKey(subID, now),
		Amount:         s.plan.PlanAmount,
		Currency:       s.plan.Currency,
		RawRequest: types.JSONMap{
			"kind": string(types.ChargeKindFirst),
			"plan": s.plan.PlanName,
		},
	})
	if err != nil {
		return nil, nil, "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to commit subscribe transaction", err)
	}
	return sub, pm, orderID, nil
}

// abandonIncomplete cancels a subscription whose first charge did not
// capture, freeing the unique sign-up slot so the user can resubmit. The
// cancel is best effort; a webhook capture for a row left incomplete here
// still activates it through reconciliation.
func (s *SubscriptionService) abandonIncomplete(ctx context.Context, subID int64) {
	if err := db.NewSubscriptionRepo(s.pool).Cancel(ctx, subID, 1, s.clock.Now()); err != nil {
		s.logger.ErrorContext(ctx, "failed to cancel incomplete subscription",
			"subscription_id", subID, "error", err)
	}
}

// CancelAtPeriodEnd flags the user's subscription to lapse when its paid
// period runs out. Access continues until then and no further charges are
// attempted.
func (s *SubscriptionService) CancelAtPeriodEnd(ctx context.Context, userID string) (*types.Subscription, error) {
	sub, err := db.NewSubscriptionRepo(s.pool).GetEntitled(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription,
			"no active subscription to cancel", nil)
	}
	if err := db.NewSubscriptionRepo(s.pool).SetCancelAtPeriodEnd(ctx, sub.ID); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "subscription flagged for cancellation at period end",
		"subscription_id", sub.ID)
	return db.NewSubscriptionRepo(s.pool).GetByID(ctx, sub.ID)
}

// Resume reverts a pending end-of-period cancellation while the subscription
// still grants entitlement. Charging continues on the existing schedule as if
// the cancellation had never been requested.
func (s *SubscriptionService) Resume(ctx context.Context, userID string) (*types.Subscription, error) {
	sub, err := db.NewSubscriptionRepo(s.pool).GetEntitled(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription,
			"no active subscription to resume", nil)
	}
	if !sub.CancelAtPeriodEnd {
		return sub, nil
	}
	if err := db.NewSubscriptionRepo(s.pool).ClearCancelAtPeriodEnd(ctx, sub.ID); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "subscription cancellation reverted",
		"subscription_id", sub.ID)
	return db.NewSubscriptionRepo(s.pool).GetByID(ctx, sub.ID)
}

// Current returns the user's entitled subscription, or a not-found error.
func (s *SubscriptionService) Current(ctx context.Context, userID string) (*types.Subscription, error) {
	sub, err := db.NewSubscriptionRepo(s.pool).GetEntitled(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription", nil)
	}
	return sub, nil
}
