package quota

import (
	"context"
	"log/slog"
	"time"

	"rewritely/internal/db"
	"rewritely/internal/types"
)

// Pool is the database surface the ledger needs: transactions for the locked
// check and increment, plain queries for unlocked reads. Satisfied by
// *pgxpool.Pool.
type Pool interface {
	db.TxBeginner
	db.DBTX
}

// Decision is the outcome of a successful reservation. The caller must hand
// it back to Commit after the protected operation succeeds so the increment
// lands in the same tier and window the check ran against, even if the
// request straddles a window boundary.
type Decision struct {
	Tier        types.Tier
	Scope       types.Scope
	WindowStart time.Time
	Used        int
	Limit       int
}

// Ledger enforces per-identity usage limits with a reserve/commit protocol.
//
// Reserve opens a short transaction, takes the exclusive row lock on the
// counter for the identity's current window, checks the count against the
// tier limit, and releases the lock before returning. Commit re-acquires the
// lock in its own short transaction and increments. No lock is ever held
// across the protected operation itself.
//
// Because the lock is released between the two phases, Commit re-checks the
// limit under its lock and refuses to push the counter past it. Overlapping
// reservations at the boundary can therefore both be admitted, but the
// recorded count never exceeds the limit and every increment is serialized.
type Ledger struct {
	pool     Pool
	resolver TierResolver
	limits   Registry
	clock    types.Clock
	logger   *slog.Logger
}

// NewLedger creates a quota ledger.
func NewLedger(pool Pool, resolver TierResolver, limits Registry, clock types.Clock, logger *slog.Logger) *Ledger {
	return &Ledger{pool: pool, resolver: resolver, limits: limits, clock: clock, logger: logger}
}

// Tier resolves the identity's effective tier without touching any counter.
// Handlers use it for feature gating ahead of a reservation.
func (l *Ledger) Tier(ctx context.Context, identity types.Identity) (types.Tier, error) {
	return l.resolver.Resolve(ctx, identity)
}

// Reserve checks whether the identity may perform one use of scope. On
// admission it returns a Decision for the later Commit; on exhaustion it
// returns a quota AppError that maps to 429. Nothing is incremented here, so
// a protected operation that later fails costs the caller nothing.
//
// A reservation is a point-in-time check, not a lease: with one unit left,
// overlapping reservations can all be admitted, and Commit's re-check under
// the lock is what keeps the recorded count at or below the limit.
func (l *Ledger) Reserve(ctx context.Context, identity types.Identity, scope types.Scope) (*Decision, error) {
	if !types.ValidScope(scope) {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidScope, "unknown quota scope", nil)
	}

	tier, err := l.resolver.Resolve(ctx, identity)
	if err != nil {
		return nil, err
	}
	windowStart := WindowStart(tier, l.clock.Now())
	limit := l.limits.Limit(tier, scope)
	key := identity.CounterKey()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin quota transaction", err)
	}
	defer tx.Rollback(ctx)

	repo := db.NewUsageCounterRepo(tx)
	counter, err := repo.LockCounter(ctx, key, tier, scope, windowStart)
	if err != nil {
		return nil, err
	}
	if counter == nil {
		counter, err = l.createAndLock(ctx, tx, repo, key, tier, scope, windowStart)
		if err != nil {
			return nil, err
		}
	}

	if counter.Count >= limit {
		// Release the lock before returning the deny; there is nothing to
		// write.
		if err := tx.Commit(ctx); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to commit quota transaction", err)
		}
		return nil, denyError(tier, scope, counter.Count, limit)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to commit quota transaction", err)
	}

	return &Decision{
		Tier:        tier,
		Scope:       scope,
		WindowStart: windowStart,
		Used:        counter.Count,
		Limit:       limit,
	}, nil
}

// Commit records one use admitted by a previous Reserve. Call it only after
// the protected operation succeeded. The increment runs under the row lock
// in its own short transaction and never pushes the count past the limit.
func (l *Ledger) Commit(ctx context.Context, identity types.Identity, d *Decision) error {
	key := identity.CounterKey()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin quota transaction", err)
	}
	defer tx.Rollback(ctx)

	repo := db.NewUsageCounterRepo(tx)
	counter, err := repo.LockCounter(ctx, key, d.Tier, d.Scope, d.WindowStart)
	if err != nil {
		return err
	}
	if counter == nil {
		counter, err = l.createAndLock(ctx, tx, repo, key, d.Tier, d.Scope, d.WindowStart)
		if err != nil {
			return err
		}
	}

	if counter.Count >= d.Limit {
		l.logger.WarnContext(ctx, "usage commit at ceiling, increment dropped",
			"tier", d.Tier, "scope", d.Scope, "count", counter.Count, "limit", d.Limit)
	} else if err := repo.Increment(ctx, counter.ID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit quota transaction", err)
	}
	return nil
}

// Status returns the identity's current usage for scope without locking.
func (l *Ledger) Status(ctx context.Context, identity types.Identity, scope types.Scope) (*types.QuotaStatus, error) {
	if !types.ValidScope(scope) {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidScope, "unknown quota scope", nil)
	}

	tier, err := l.resolver.Resolve(ctx, identity)
	if err != nil {
		return nil, err
	}
	windowStart := WindowStart(tier, l.clock.Now())

	used, err := db.NewUsageCounterRepo(l.pool).GetCount(ctx, identity.CounterKey(), tier, scope, windowStart)
	if err != nil {
		return nil, err
	}
	return &types.QuotaStatus{
		Used:  used,
		Limit: l.limits.Limit(tier, scope),
		Tier:  tier,
		Scope: scope,
	}, nil
}

// createAndLock inserts the window's zero row and locks it. Two first
// requests in the same window can race the insert; the loser's
// unique-constraint violation is confined to a savepoint so the enclosing
// transaction survives, and the follow-up lock waits for the winner's row.
func (l *Ledger) createAndLock(ctx context.Context, tx db.Savepointer, repo *db.UsageCounterRepo, key string, tier types.Tier, scope types.Scope, windowStart time.Time) (*types.UsageCounter, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to open savepoint", err)
	}
	if err := db.NewUsageCounterRepo(sp).InsertZero(ctx, key, tier, scope, windowStart); err != nil {
		if !db.IsUniqueViolation(err) {
			sp.Rollback(ctx)
			return nil, err
		}
		if err := sp.Rollback(ctx); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to roll back savepoint", err)
		}
		l.logger.DebugContext(ctx, "usage counter insert race resolved by re-read",
			"tier", tier, "scope", scope)
	} else if err := sp.Commit(ctx); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to release savepoint", err)
	}

	counter, err := repo.LockCounter(ctx, key, tier, scope, windowStart)
	if err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "usage counter missing after insert", nil)
	}
	return counter, nil
}

func denyError(tier types.Tier, scope types.Scope, used, limit int) *types.AppError {
	code := types.ErrCodeQuotaMonthlyLimit
	msg := "monthly usage limit reached"
	if tier == types.TierGuest {
		code = types.ErrCodeQuotaDailyLimit
		msg = "daily usage limit reached"
	}
	return types.NewAppErrorWithDetails(code, msg, nil, map[string]any{
		"tier":  tier,
		"scope": scope,
		"used":  used,
		"limit": limit,
	})
}
