package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"rewritely/internal/types"
)

// UsageCounterRepo provides data access for the usage_counters table, the
// quota ledger's backing store. Rows are unique per
// (identity_key, tier, scope, window_start).
//
// The ledger drives this repository inside short transactions: LockCounter
// acquires the exclusive row lock that serializes the check-then-increment
// critical section.
type UsageCounterRepo struct {
	db DBTX
}

// NewUsageCounterRepo creates a new UsageCounterRepo backed by the given
// database connection (pool or transaction).
func NewUsageCounterRepo(db DBTX) *UsageCounterRepo {
	return &UsageCounterRepo{db: db}
}

// LockCounter reads the counter row with an exclusive row lock
// (SELECT ... FOR UPDATE). Returns (nil, nil) when no row exists yet.
//
// Must be called inside a transaction; the lock is held until the enclosing
// transaction commits or rolls back.
func (r *UsageCounterRepo) LockCounter(ctx context.Context, key string, tier types.Tier, scope types.Scope, windowStart time.Time) (*types.UsageCounter, error) {
	var c types.UsageCounter
	err := r.db.QueryRow(ctx,
		`SELECT id, identity_key, tier, scope, window_start, count
		 FROM usage_counters
		 WHERE identity_key = $1 AND tier = $2 AND scope = $3 AND window_start = $4
		 FOR UPDATE`,
		key, tier, scope, windowStart,
	).Scan(&c.ID, &c.IdentityKey, &c.Tier, &c.Scope, &c.WindowStart, &c.Count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to lock usage counter", err)
	}
	return &c, nil
}

// InsertZero inserts a fresh counter row with count 0. A unique-constraint
// violation is returned untranslated so the ledger can detect the insert race
// (two first requests in the same window) and resolve it by re-reading.
func (r *UsageCounterRepo) InsertZero(ctx context.Context, key string, tier types.Tier, scope types.Scope, windowStart time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO usage_counters (identity_key, tier, scope, window_start, count)
		 VALUES ($1, $2, $3, $4, 0)`,
		key, tier, scope, windowStart,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return err
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert usage counter", err)
	}
	return nil
}

// Increment adds one use to a previously locked counter row.
func (r *UsageCounterRepo) Increment(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE usage_counters SET count = count + 1 WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to increment usage counter", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "usage counter row vanished", nil)
	}
	return nil
}

// GetCount returns the committed use count for the window without locking.
// Returns 0 when no row exists. Used by the read-only quota status endpoint.
func (r *UsageCounterRepo) GetCount(ctx context.Context, key string, tier types.Tier, scope types.Scope, windowStart time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT count FROM usage_counters
		 WHERE identity_key = $1 AND tier = $2 AND scope = $3 AND window_start = $4`,
		key, tier, scope, windowStart,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to read usage counter", err)
	}
	return count, nil
}
