package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"rewritely/internal/types"
)

// PaymentMethodRepo provides data access for the payment_methods table.
type PaymentMethodRepo struct {
	db DBTX
}

// NewPaymentMethodRepo creates a new PaymentMethodRepo backed by the given
// database connection (pool or transaction).
func NewPaymentMethodRepo(db DBTX) *PaymentMethodRepo {
	return &PaymentMethodRepo{db: db}
}

// Create stores a new active payment method and returns its generated ID.
func (r *PaymentMethodRepo) Create(ctx context.Context, pm *types.PaymentMethod) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO payment_methods (user_id, provider, billing_key, status, metadata, created_at)
		 VALUES ($1, $2, $3, 'active', $4, NOW())
		 RETURNING id`,
		pm.UserID, pm.Provider, pm.BillingKey, pm.Metadata,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to create payment method", err)
	}
	return id, nil
}

// GetByID returns a payment method by primary key.
func (r *PaymentMethodRepo) GetByID(ctx context.Context, id int64) (*types.PaymentMethod, error) {
	var pm types.PaymentMethod
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, provider, billing_key, status, metadata, created_at
		 FROM payment_methods WHERE id = $1`,
		id,
	).Scan(&pm.ID, &pm.UserID, &pm.Provider, &pm.BillingKey, &pm.Status, &pm.Metadata, &pm.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPaymentMethod, "payment method not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get payment method", err)
	}
	return &pm, nil
}

// Deactivate marks a single payment method inactive. Called when a
// subscription exhausts its charge retries.
func (r *PaymentMethodRepo) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE payment_methods SET status = 'inactive' WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate payment method", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundPaymentMethod, "payment method not found", nil)
	}
	return nil
}

// DeactivateAllForUser marks every active payment method of the user
// inactive. Called before registering a replacement billing key so at most
// one method is active per user.
func (r *PaymentMethodRepo) DeactivateAllForUser(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE payment_methods SET status = 'inactive'
		 WHERE user_id = $1 AND status = 'active'`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate payment methods", err)
	}
	return nil
}
