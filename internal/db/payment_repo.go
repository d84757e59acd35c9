package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"rewritely/internal/types"
)

// PaymentAttemptRepo provides data access for the payment_attempts table,
// the payment ledger.
//
// Both order_id and idempotency_key carry unique constraints. CreatePending
// surfaces an idempotency collision as a typed conflict so the charger can
// treat "this billing cycle was already attempted" as a skip, and terminal
// statuses are guarded in SQL so they never regress.
type PaymentAttemptRepo struct {
	db DBTX
}

// NewPaymentAttemptRepo creates a new PaymentAttemptRepo backed by the given
// database connection (pool or transaction).
func NewPaymentAttemptRepo(db DBTX) *PaymentAttemptRepo {
	return &PaymentAttemptRepo{db: db}
}

const attemptColumns = `id, user_id, subscription_id, provider, order_id, idempotency_key,
	amount, currency, status, transaction_id, failure_code, failure_message,
	raw_request, raw_response, created_at`

func scanAttempt(row pgx.Row) (*types.PaymentAttempt, error) {
	var a types.PaymentAttempt
	err := row.Scan(
		&a.ID, &a.UserID, &a.SubscriptionID, &a.Provider, &a.OrderID, &a.IdempotencyKey,
		&a.Amount, &a.Currency, &a.Status, &a.TransactionID, &a.FailureCode, &a.FailureMessage,
		&a.RawRequest, &a.RawResponse, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreatePending durably records a charge attempt in status pending BEFORE any
// external call is issued. A unique violation on the idempotency key means
// this billing cycle already has an attempt; it is returned as
// ErrCodeConflictIdempotency for the caller to convert into a skip.
func (r *PaymentAttemptRepo) CreatePending(ctx context.Context, a *types.PaymentAttempt) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO payment_attempts
		 (user_id, subscription_id, provider, order_id, idempotency_key,
		  amount, currency, status, transaction_id, failure_code, failure_message,
		  raw_request, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', '', '', '', $8, NOW())
		 RETURNING id`,
		a.UserID, a.SubscriptionID, a.Provider, a.OrderID, a.IdempotencyKey,
		a.Amount, a.Currency, a.RawRequest,
	).Scan(&id)
	if err != nil {
		if IsUniqueViolation(err) {
			return 0, types.NewAppError(types.ErrCodeConflictIdempotency,
				"charge attempt already exists for this billing cycle", err)
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to create payment attempt", err)
	}
	return id, nil
}

// GetByOrderID returns an attempt by its gateway order id.
func (r *PaymentAttemptRepo) GetByOrderID(ctx context.Context, orderID string) (*types.PaymentAttempt, error) {
	a, err := scanAttempt(r.db.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE order_id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPayment, "payment attempt not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get payment attempt", err)
	}
	return a, nil
}

// MarkCaptured transitions a pending attempt to captured with the gateway
// transaction id and raw response. The WHERE status guard makes the update a
// no-op on rows that already reached a terminal state.
func (r *PaymentAttemptRepo) MarkCaptured(ctx context.Context, orderID, transactionID string, rawResponse types.JSONMap) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE payment_attempts
		 SET status = 'captured', transaction_id = $2, raw_response = $3
		 WHERE order_id = $1 AND status = 'pending'`,
		orderID, transactionID, rawResponse,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark payment captured", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictConcurrentInsert,
			"payment attempt not pending; capture not applied", nil)
	}
	return nil
}

// MarkFailed transitions a pending attempt to failed with a failure reason.
func (r *PaymentAttemptRepo) MarkFailed(ctx context.Context, orderID, failureCode, failureMessage string, rawResponse types.JSONMap) error {
	if len(failureMessage) > 500 {
		failureMessage = failureMessage[:500]
	}
	_, err := r.db.Exec(ctx,
		`UPDATE payment_attempts
		 SET status = 'failed', failure_code = $2, failure_message = $3, raw_response = $4
		 WHERE order_id = $1 AND status = 'pending'`,
		orderID, failureCode, failureMessage, rawResponse,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark payment failed", err)
	}
	return nil
}

// MarkSkipped transitions a pending attempt to skipped (e.g., first charge
// bypassed in environments without gateway credentials).
func (r *PaymentAttemptRepo) MarkSkipped(ctx context.Context, orderID string, rawResponse types.JSONMap) error {
	_, err := r.db.Exec(ctx,
		`UPDATE payment_attempts
		 SET status = 'skipped', raw_response = $2
		 WHERE order_id = $1 AND status = 'pending'`,
		orderID, rawResponse,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark payment skipped", err)
	}
	return nil
}

// ApplyWebhookStatus applies a gateway-notified status transition with
// terminal-state protection: a pending row accepts any mapped status, a
// captured row accepts only refunded, and every other combination is a
// no-op. Returns true when a row was updated.
//
// This is how a stale failed event is prevented from overwriting an existing
// captured record.
func (r *PaymentAttemptRepo) ApplyWebhookStatus(ctx context.Context, orderID string, status types.PaymentStatus, transactionID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE payment_attempts
		 SET status = $2,
		     transaction_id = CASE WHEN $3 <> '' THEN $3 ELSE transaction_id END
		 WHERE order_id = $1
		   AND (status = 'pending' OR (status = 'captured' AND $2 = 'refunded'))`,
		orderID, status, transactionID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to apply webhook status", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountForSubscription returns the number of attempts recorded for a
// subscription. Used by tests and the billing report.
func (r *PaymentAttemptRepo) CountForSubscription(ctx context.Context, subscriptionID int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_attempts WHERE subscription_id = $1`,
		subscriptionID,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count payment attempts", err)
	}
	return n, nil
}
