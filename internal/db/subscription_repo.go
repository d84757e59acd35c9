package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"rewritely/internal/types"
)

// SubscriptionRepo provides data access for the subscriptions table.
//
// Due-subscription claiming is split in two: SelectDueIDs is a plain read
// that lists candidates, and LockDue re-checks and locks a single row with
// FOR UPDATE SKIP LOCKED. A scheduler instance that loses the race on a row
// simply skips it; the unique idempotency key on payment_attempts is the
// second line of defense against double charging.
type SubscriptionRepo struct {
	db DBTX
}

// NewSubscriptionRepo creates a new SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

const subscriptionColumns = `id, user_id, status, plan_name, plan_amount, currency,
	anchor_day, current_period_start, current_period_end, next_charge_at,
	payment_method_id, fail_count, retry_at, last_failed_at,
	cancel_at_period_end, canceled_at, created_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.ID, &s.UserID, &s.Status, &s.PlanName, &s.PlanAmount, &s.Currency,
		&s.AnchorDay, &s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.NextChargeAt,
		&s.PaymentMethodID, &s.FailCount, &s.RetryAt, &s.LastFailedAt,
		&s.CancelAtPeriodEnd, &s.CanceledAt, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new subscription and returns its generated ID. The partial
// unique index on (user_id) over non-terminal statuses serializes sign-up:
// a second insert while another subscription is active, past_due, or still
// incomplete fails here, before any gateway traffic.
func (r *SubscriptionRepo) Create(ctx context.Context, s *types.Subscription) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO subscriptions
		 (user_id, status, plan_name, plan_amount, currency, anchor_day,
		  current_period_start, current_period_end, next_charge_at,
		  payment_method_id, fail_count, retry_at, cancel_at_period_end, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, NULL, false, NOW())
		 RETURNING id`,
		s.UserID, s.Status, s.PlanName, s.PlanAmount, s.Currency, s.AnchorDay,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.NextChargeAt, s.PaymentMethodID,
	).Scan(&id)
	if err != nil {
		if IsUniqueViolation(err) {
			return 0, types.NewAppError(types.ErrCodeConflictSubscribed,
				"user already has a subscription in progress", err)
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	return id, nil
}

// GetByID returns a subscription by primary key.
func (r *SubscriptionRepo) GetByID(ctx context.Context, id int64) (*types.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription", err)
	}
	return s, nil
}

// GetEntitled returns the most recent subscription for the user whose status
// still grants entitlement (active or past_due). Returns (nil, nil) when the
// user has none; the caller treats that as the free tier.
func (r *SubscriptionRepo) GetEntitled(ctx context.Context, userID string) (*types.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = $1 AND status IN ('active', 'past_due')
		 ORDER BY created_at DESC
		 LIMIT 1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get entitled subscription", err)
	}
	return s, nil
}

// SelectDueIDs lists subscriptions due for a charge attempt: chargeable
// status, not flagged for end-of-period cancellation, active payment method,
// and either a due retry or a due regular charge. The result is an unlocked
// candidate list; every ID must be reconfirmed through LockDue before work.
func (r *SubscriptionRepo) SelectDueIDs(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT s.id
		 FROM subscriptions s
		 JOIN payment_methods pm ON pm.id = s.payment_method_id
		 WHERE s.status IN ('active', 'past_due')
		   AND s.cancel_at_period_end = false
		   AND pm.status = 'active'
		   AND pm.billing_key IS NOT NULL
		   AND (
		     (s.retry_at IS NOT NULL AND s.retry_at <= $1)
		     OR (s.retry_at IS NULL AND s.next_charge_at IS NOT NULL AND s.next_charge_at <= $1)
		   )
		 ORDER BY s.retry_at ASC NULLS LAST, s.next_charge_at ASC NULLS LAST, s.id ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to select due subscriptions", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan due subscription id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating due subscriptions", err)
	}
	return ids, nil
}

// LockDue locks one due subscription with FOR UPDATE SKIP LOCKED, re-checking
// the due predicates under the lock. Returns (nil, nil) when the row is
// locked by another scheduler instance or no longer due; both are normal
// skip outcomes, not errors.
//
// Must be called inside a transaction.
func (r *SubscriptionRepo) LockDue(ctx context.Context, id int64, now time.Time) (*types.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE id = $1
		   AND status IN ('active', 'past_due')
		   AND cancel_at_period_end = false
		   AND (
		     (retry_at IS NOT NULL AND retry_at <= $2)
		     OR (retry_at IS NULL AND next_charge_at IS NOT NULL AND next_charge_at <= $2)
		   )
		 FOR UPDATE SKIP LOCKED`, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to lock due subscription", err)
	}
	return s, nil
}

// RollForward applies a successful charge: the subscription becomes active,
// the period advances to the next cycle, and the failure state is cleared.
// next_charge_at only ever advances through this method.
func (r *SubscriptionRepo) RollForward(ctx context.Context, id int64, anchorDay int, periodStart, periodEnd, nextChargeAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'active',
		     anchor_day = $2,
		     current_period_start = $3,
		     current_period_end = $4,
		     next_charge_at = $5,
		     fail_count = 0,
		     retry_at = NULL,
		     last_failed_at = NULL
		 WHERE id = $1`,
		id, anchorDay, periodStart, periodEnd, nextChargeAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to roll subscription period forward", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// ScheduleRetry records a failed charge attempt: past_due status, incremented
// fail count, and the next retry instant.
func (r *SubscriptionRepo) ScheduleRetry(ctx context.Context, id int64, failCount int, retryAt, failedAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'past_due',
		     fail_count = $2,
		     retry_at = $3,
		     last_failed_at = $4
		 WHERE id = $1`,
		id, failCount, retryAt, failedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to schedule subscription retry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// Cancel transitions the subscription to its terminal canceled state and
// clears any pending retry.
func (r *SubscriptionRepo) Cancel(ctx context.Context, id int64, failCount int, canceledAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'canceled',
		     fail_count = $2,
		     retry_at = NULL,
		     canceled_at = $3,
		     cancel_at_period_end = true,
		     last_failed_at = $3
		 WHERE id = $1`,
		id, failCount, canceledAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to cancel subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// SetCancelAtPeriodEnd flags the subscription for finalization once its
// current period lapses. No charge attempts are made for flagged rows.
func (r *SubscriptionRepo) SetCancelAtPeriodEnd(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET cancel_at_period_end = true, retry_at = NULL
		 WHERE id = $1 AND status IN ('active', 'past_due')`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to flag cancel at period end", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "no cancellable subscription", nil)
	}
	return nil
}

// ClearCancelAtPeriodEnd reverts a pending end-of-period cancellation. Only
// flagged subscriptions that still grant entitlement can be resumed.
func (r *SubscriptionRepo) ClearCancelAtPeriodEnd(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET cancel_at_period_end = false
		 WHERE id = $1 AND status IN ('active', 'past_due') AND cancel_at_period_end = true`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear cancel at period end", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "no resumable subscription", nil)
	}
	return nil
}

// FinalizeCancellations transitions every subscription flagged with
// cancel_at_period_end whose period has elapsed to canceled, without any
// charge attempt. Returns the number of finalized rows.
func (r *SubscriptionRepo) FinalizeCancellations(ctx context.Context, now time.Time, limit int) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'canceled', canceled_at = $1, retry_at = NULL
		 WHERE id IN (
		   SELECT id FROM subscriptions
		   WHERE status IN ('active', 'past_due')
		     AND cancel_at_period_end = true
		     AND next_charge_at IS NOT NULL
		     AND next_charge_at <= $1
		   ORDER BY next_charge_at ASC
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )`,
		now, limit,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to finalize cancellations", err)
	}
	return int(tag.RowsAffected()), nil
}
