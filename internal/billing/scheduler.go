package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"rewritely/internal/config"
	"rewritely/internal/types"
)

// DueStore is the slice of the subscription repository the scheduler reads.
// Implemented by db.SubscriptionRepo.
type DueStore interface {
	SelectDueIDs(ctx context.Context, now time.Time, limit int) ([]int64, error)
	FinalizeCancellations(ctx context.Context, now time.Time, limit int) (int, error)
}

// DueCharger drives the charge state machine for one subscription.
// Implemented by Charger.
type DueCharger interface {
	ChargeDue(ctx context.Context, subscriptionID int64) (types.ChargeOutcome, error)
}

// Scheduler runs billing passes: list due subscriptions, charge them with
// bounded concurrency, and finalize elapsed end-of-period cancellations.
//
// Passes are safe to run concurrently across instances. The candidate list is
// an unlocked read; exclusivity comes from the charger's skip-locked claim
// and the per-day idempotency key, so the worst case for a double pickup is a
// skip, never a double charge. One subscription's failure never aborts the
// pass.
type Scheduler struct {
	store   DueStore
	charger DueCharger
	metrics Metrics
	cfg     config.BillingConfig
	clock   types.Clock
	logger  *slog.Logger
}

// NewScheduler creates a billing pass scheduler.
func NewScheduler(store DueStore, charger DueCharger, metrics Metrics, cfg config.BillingConfig, clock types.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{store: store, charger: charger, metrics: metrics, cfg: cfg, clock: clock, logger: logger}
}

// RunOnce executes a single billing pass and returns its report. The returned
// error covers only pass-level failures (the due query itself); individual
// charge failures are counted in the report.
func (s *Scheduler) RunOnce(ctx context.Context) (types.RunReport, error) {
	now := s.clock.Now()
	var report types.RunReport

	ids, err := s.store.SelectDueIDs(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		return report, err
	}
	report.Due = len(ids)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			outcome, err := s.charger.ChargeDue(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.ErrorContext(gctx, "charge attempt errored",
					"subscription_id", id, "error", err)
				report.Failed++
				return nil
			}
			switch outcome {
			case types.OutcomeCharged:
				report.Charged++
			case types.OutcomeSkipped:
				report.Skipped++
			case types.OutcomeFailed:
				report.Failed++
			}
			return nil
		})
	}
	g.Wait()

	finalized, err := s.store.FinalizeCancellations(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to finalize cancellations", "error", err)
	} else {
		report.Finalized = finalized
	}

	s.metrics.RecordRun(ctx, report)
	s.logger.InfoContext(ctx, "billing pass complete",
		"due", report.Due, "charged", report.Charged, "skipped", report.Skipped,
		"failed", report.Failed, "finalized", report.Finalized)
	return report, nil
}

// Run executes billing passes on the configured interval until the context is
// canceled. The billing worker's main loop.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.ErrorContext(ctx, "billing pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
