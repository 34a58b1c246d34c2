package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/cassiomorais/apgateway/internal/connector"
	"github.com/cassiomorais/apgateway/internal/controller"
	"github.com/cassiomorais/apgateway/internal/infrastructure/config"
	"github.com/cassiomorais/apgateway/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/apgateway/internal/infrastructure/redis"
	"github.com/cassiomorais/apgateway/internal/repository/postgres"
	"github.com/cassiomorais/apgateway/internal/service"
)

// App holds the infrastructure shared by the API and the worker.
type App struct {
	Config         *config.Config
	Logger         zerolog.Logger
	Pool           *pgxpool.Pool
	Redis          *redis.Client
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Registry       *connector.Registry
	Publisher      *infraRedis.StreamPublisher
	Receipts       *infraRedis.ReceiptStore
	Idempotency    *postgres.IdempotencyRepository

	tracer *sdktrace.TracerProvider
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout).With().
		Str("service", serviceName).
		Str("instance", cfg.InstanceID).
		Logger()
	logger.Info().Int("connectors", len(cfg.Connectors)).Msg("Starting")

	app := &App{Config: cfg, Logger: logger}

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			app.tracer = tp
			logger.Info().Msg("Tracing enabled")
		}
	}

	// metrics are always collected; disabling only hides them from /metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = observability.NewMetrics(metricsNamespace, reg)
	app.MetricsHandler = http.NotFoundHandler()
	if cfg.Observability.EnableMetrics {
		app.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}
	logger.Info().Bool("exposed", cfg.Observability.EnableMetrics).Msg("Metrics initialized")

	app.Pool, err = postgres.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	app.Idempotency = postgres.NewIdempotencyRepository(app.Pool)
	logger.Info().Msg("Connected to PostgreSQL")

	app.Redis, err = infraRedis.NewClient(ctx, &cfg.Redis, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	app.Publisher = infraRedis.NewStreamPublisher(app.Redis, cfg.Worker.StreamMaxLen)
	app.Receipts = infraRedis.NewReceiptStore(app.Redis, cfg.Gateway.ReceiptTTL)
	logger.Info().Msg("Connected to Redis")

	app.Registry, err = connector.NewRegistryFromConfig(cfg, connector.Deps{
		Logger:   logger,
		Receipts: app.Receipts,
		OnRetry: func(connectorID string, attempt int, err error, delay time.Duration) {
			app.Metrics.TransmissionRetries.WithLabelValues(connectorID).Inc()
		},
	}, connector.WithStateChange(func(name string, _, to gobreaker.State) {
		app.Metrics.CircuitBreakerState.WithLabelValues(name).Set(service.BreakerStateValue(to))
	}))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("build connector registry: %w", err)
	}
	for _, id := range app.Registry.IDs() {
		app.Metrics.CircuitBreakerState.WithLabelValues(id).Set(0)
	}
	logger.Info().Strs("connectors", app.Registry.IDs()).Str("default", app.Registry.DefaultID()).Msg("Connector registry ready")

	return app, nil
}

// Readiness returns the dependency pings used by /health/ready.
func (a *App) Readiness() []controller.ReadinessCheck {
	return []controller.ReadinessCheck{
		{Name: "database", Ping: a.Pool.Ping},
		{Name: "redis", Ping: func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }},
	}
}

func (a *App) Close() {
	if a.tracer != nil {
		if err := observability.Shutdown(context.Background(), a.tracer); err != nil {
			a.Logger.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
