package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-fulfillment/pkg/app"
	"github.com/zoff-tech/go-fulfillment/pkg/broker"
	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/processor"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
	"github.com/zoff-tech/go-fulfillment/pkg/telemetry"
)

// RunServe runs the configured service until SIGINT or SIGTERM.
func RunServe(ctx context.Context, configDir string) error {
	cfg, logger, err := loadConfig(configDir)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return runWithInfra(ctx, cfg, logger, func(ctx context.Context, backend *store.Backend, b broker.Broker) error {
		svc, err := app.NewService(cfg, backend, b, logger)
		if err != nil {
			return err
		}
		return svc.Run(ctx)
	})
}

// RunRelay publishes the outbox of the configured store and nothing else.
func RunRelay(ctx context.Context, configDir string) error {
	cfg, logger, err := loadConfig(configDir)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return runWithInfra(ctx, cfg, logger, func(ctx context.Context, backend *store.Backend, b broker.Broker) error {
		logger.Info("outbox relay started", zap.String("store", cfg.Database.Type), zap.String("broker", cfg.Broker.Type))
		return processor.NewOutboxProcessor(backend.Outbox, b, cfg.Publisher, logger).ProcessEvents(ctx)
	})
}

// runWithInfra sets up telemetry, the store and the broker, runs fn next to
// the metrics endpoint and tears everything down once both return.
func runWithInfra(ctx context.Context, cfg *config.Settings, logger *zap.Logger, fn func(ctx context.Context, backend *store.Backend, b broker.Broker) error) error {
	if cfg.Observability.TracingURL != "" {
		shutdownTracing, err := telemetry.Init(ctx, cfg.Observability, cfg.Service, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer shutdownTracing()
	}

	metrics, err := telemetry.InitMetrics("fulfillment")
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer closeQuietly(logger, "metrics", func() error { return metrics.Shutdown(context.WithoutCancel(ctx)) })

	backend, err := store.NewBackend(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closeQuietly(logger, "store", backend.Close)

	b, err := broker.NewBroker(ctx, &cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	defer closeQuietly(logger, "broker", b.Close)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return fn(ctx, backend, b)
	})
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, addr, logger)
		})
	}

	err = g.Wait()
	logger.Info("shutdown complete", zap.Error(err))
	return err
}
