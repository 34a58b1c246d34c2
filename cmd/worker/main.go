package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cassiomorais/apgateway/internal/bootstrap"
	infraRedis "github.com/cassiomorais/apgateway/internal/infrastructure/redis"
	"github.com/cassiomorais/apgateway/internal/repository/postgres"
	"github.com/cassiomorais/apgateway/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "apgateway-worker", "apgateway_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	gw := app.Config.Gateway
	workerCfg := app.Config.Worker

	monitor := service.NewMonitorService(app.Registry, app.Publisher, app.Metrics, gw.AlertStream, gw.CertWarnDays, app.Logger)
	receipts := service.NewReceiptService(app.Receipts, app.Logger)

	// --- Webhook stream consumer ---
	consumer := infraRedis.NewStreamConsumer(
		app.Redis,
		gw.WebhookStream,
		workerCfg.ConsumerGroup,
		app.Config.InstanceID,
		workerCfg.BatchSize,
		workerCfg.BlockDuration,
		app.Logger,
	)
	app.Logger.Info().
		Str("stream", gw.WebhookStream).
		Str("group", workerCfg.ConsumerGroup).
		Str("consumer", app.Config.InstanceID).
		Dur("monitor_interval", gw.MonitorInterval).
		Msg("Worker started")

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Receipt updater (reads relayed webhooks from Redis Streams).
	g.Go(func() error {
		return consumer.Run(gCtx, receipts.Apply)
	})

	// 2. Health and certificate monitor.
	g.Go(func() error {
		return runMonitor(gCtx, app.Logger, monitor, gw.MonitorInterval)
	})

	// 3. Expired idempotency keys.
	g.Go(func() error {
		return runIdempotencyCleanup(gCtx, app.Logger, app.Idempotency, workerCfg.CleanupInterval)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}

func runMonitor(ctx context.Context, logger zerolog.Logger, monitor *service.MonitorService, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := monitor.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Msg("Monitor sweep failed")
		} else {
			logger.Info().
				Int("connectors", len(report.Health)).
				Int("alerts", report.Alerts).
				Msg("Monitor sweep finished")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runIdempotencyCleanup(ctx context.Context, logger zerolog.Logger, repo *postgres.IdempotencyRepository, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n, err := repo.Cleanup(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Idempotency cleanup failed")
			continue
		}
		if n > 0 {
			logger.Info().Int64("deleted", n).Msg("Expired idempotency keys removed")
		}
	}
}
