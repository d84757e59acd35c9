// Package main is the entry point for the Rewritely API server.
//
// It loads configuration, opens the database pool, wires the quota ledger,
// subscription service, scheduler, and webhook receiver onto the core
// chassis, and serves HTTP with graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"

	"rewritely/internal/api/handlers"
	"rewritely/internal/billing"
	"rewritely/internal/config"
	"rewritely/internal/core"
	"rewritely/internal/db"
	"rewritely/internal/external"
	"rewritely/internal/queue"
	"rewritely/internal/quota"
	"rewritely/internal/rewrite"
	"rewritely/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("rewritely API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
		"provider", cfg.Gateway.Provider,
	)

	ctx := context.Background()

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

	clock := types.RealClock{}
	cycle, err := billing.NewCycle(cfg.Billing.Timezone)
	if err != nil {
		return err
	}
	gateway := external.NewGateway(cfg.Gateway, cfg.Stripe)

	// Quota side.
	resolver := quota.NewResolver(db.NewSubscriptionRepo(pool), clock, logger)
	ledger := quota.NewLedger(pool, resolver, quota.NewStaticRegistry(), clock, logger)
	tokenizer := quota.NewGuestTokenizer(cfg.Quota.GuestTokenKey)
	textSvc := rewrite.NewService()

	// Billing side.
	subService := billing.NewSubscriptionService(pool, gateway, cycle, cfg.Billing, clock, logger)
	charger := billing.NewCharger(pool, gateway, cycle, clock, logger)

	var metrics billing.Metrics = billing.NopMetrics{}
	if cfg.Metrics.Enabled {
		metrics = billing.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Metrics.Namespace, logger)
	}
	scheduler := billing.NewScheduler(db.NewSubscriptionRepo(pool), charger, metrics, cfg.Billing, clock, logger)

	// Webhook side.
	ingestor := billing.NewIngestor(pool, cycle, clock, logger)
	trigger := queue.NewReconcileTrigger(sqsClient, cfg.Queue.ReconcileQueueURL, logger)
	verifier := external.NewWebhookVerifier(cfg.Gateway.SecretKey)

	srv, err := core.NewServer(cfg, pool, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	usageHandler := handlers.NewUsageHandler(ledger, textSvc, tokenizer, cfg.Quota.CookieName, logger)
	subHandler := handlers.NewSubscriptionHandler(subService, logger)
	webhookHandler := handlers.NewWebhookHandler(ingestor, trigger, verifier, logger)
	cronHandler := handlers.NewCronHandler(scheduler, cfg.Server.CronSecret, logger)

	srv.MountRoutes(
		[]core.RouteRegistrar{
			usageHandler.RegisterRoutes,
			subHandler.RegisterRoutes,
			webhookHandler.RegisterRoutes,
		},
		[]core.RouteRegistrar{
			func(r chi.Router) { cronHandler.RegisterRoutes(r) },
		},
	)

	return serve(srv, cfg, logger)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// serve runs the HTTP server until a shutdown signal arrives, then drains
// in-flight requests with a 10 second deadline.
func serve(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
