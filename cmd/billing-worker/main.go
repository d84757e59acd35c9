// Package main is the entry point for the recurring billing worker.
//
// The worker runs the scheduler loop: every poll interval it selects due
// subscriptions with skip-locks, drives the charge state machine for each
// under bounded concurrency, finalizes lapsed cancellations, and publishes
// run metrics. Multiple instances can run side by side; skip-locked row
// claims keep any subscription from being charged twice in a pass.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"rewritely/internal/billing"
	"rewritely/internal/config"
	"rewritely/internal/db"
	"rewritely/internal/external"
	"rewritely/internal/types"
)

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
	logger.Info("billing worker starting",
		"environment", cfg.Environment,
		"poll_interval", cfg.Billing.PollInterval.String(),
		"batch_limit", cfg.Billing.BatchLimit,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	defer pool.Close()

	clock := types.RealClock{}
	cycle, err := billing.NewCycle(cfg.Billing.Timezone)
	if err != nil {
		return err
	}
	gateway := external.NewGateway(cfg.Gateway, cfg.Stripe)
	charger := billing.NewCharger(pool, gateway, cycle, clock, logger)

	var metrics billing.Metrics = billing.NopMetrics{}
	if cfg.Metrics.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Queue.AWSRegion))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		metrics = billing.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Metrics.Namespace, logger)
	}

	scheduler := billing.NewScheduler(db.NewSubscriptionRepo(pool), charger, metrics, cfg.Billing, clock, logger)

	err = scheduler.Run(ctx)
	logger.Info("billing worker stopped")
	return err
}
