// Package main is the entry point for the webhook reconcile worker.
//
// The worker consumes reconcile messages from SQS and applies each recorded
// gateway event to billing state through the ingestor. A periodic sweep over
// unprocessed events backstops the queue: an event whose enqueue was lost
// still gets reconciled, just later.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"rewritely/internal/billing"
	"rewritely/internal/config"
	"rewritely/internal/db"
	"rewritely/internal/queue"
	"rewritely/internal/types"
)

// sweepInterval is how often the unprocessed-event sweep runs.
const sweepInterval = 5 * time.Minute

// sweepBatchLimit bounds one sweep pass.
const sweepBatchLimit = 100

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("webhook worker starting",
		"environment", cfg.Environment,
		"queue", cfg.Queue.ReconcileQueueURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Queue.AWSRegion))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Queue.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.Queue.EndpointURL)
		}
	})

	cycle, err := billing.NewCycle(cfg.Billing.Timezone)
	if err != nil {
		return err
	}
	ingestor := billing.NewIngestor(pool, cycle, types.RealClock{}, logger)
	consumer := queue.NewConsumer(sqsClient, cfg.Queue.ReconcileQueueURL, ingestor, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(ctx)
	})
	g.Go(func() error {
		return runSweep(ctx, pool, ingestor, logger)
	})

	err = g.Wait()
	logger.Info("webhook worker stopped")
	return err
}

// runSweep periodically reconciles events the queue never delivered.
func runSweep(ctx context.Context, pool db.DBTX, ingestor *billing.Ingestor, logger *slog.Logger) error {
	repo := db.NewWebhookEventRepo(pool)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		events, err := repo.ListUnprocessed(ctx, sweepBatchLimit)
		if err != nil {
			logger.ErrorContext(ctx, "unprocessed sweep query failed", "error", err)
			continue
		}
		for _, e := range events {
			if err := ingestor.Reconcile(ctx, e.EventID); err != nil {
				logger.ErrorContext(ctx, "sweep reconcile failed",
					"event_id", e.EventID, "error", err)
			}
		}
		if len(events) > 0 {
			logger.InfoContext(ctx, "unprocessed sweep completed", "events", len(events))
		}
	}
}
