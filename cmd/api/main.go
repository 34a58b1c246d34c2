package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/apgateway/internal/bootstrap"
	"github.com/cassiomorais/apgateway/internal/controller"
	infraRedis "github.com/cassiomorais/apgateway/internal/infrastructure/redis"
	"github.com/cassiomorais/apgateway/internal/service"
)

func main() {
	ctx := context.Background()

	app, err := bootstrap.New(ctx, "apgateway-api", "apgateway")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	gw := app.Config.Gateway

	// --- Services ---
	locker := infraRedis.NewLocker(app.Redis)
	transmissionSvc := service.NewTransmissionService(app.Registry, app.Publisher, app.Metrics, gw.TransmissionStream, app.Logger)
	participantSvc := service.NewParticipantService(app.Registry, locker, gw.RegistrationLockTTL, app.Metrics, app.Logger)
	webhookSvc := service.NewWebhookService(app.Registry, app.Publisher, app.Metrics, gw.WebhookStream, app.Logger)
	monitorSvc := service.NewMonitorService(app.Registry, app.Publisher, app.Metrics, gw.AlertStream, gw.CertWarnDays, app.Logger)

	// --- Build router ---
	router := controller.NewRouter(controller.RouterDeps{
		TransmissionService: transmissionSvc,
		ParticipantService:  participantSvc,
		WebhookService:      webhookSvc,
		MonitorService:      monitorSvc,
		IdempotencyStore:    app.Idempotency,
		Readiness:           app.Readiness(),
		Metrics:             app.Metrics,
		MetricsHandler:      app.MetricsHandler,
		Gateway:             gw,
		CORSConfig:          app.Config.Server.CORS,
		Logger:              app.Logger,
	})

	// --- HTTP server ---
	addr := fmt.Sprintf(":%d", app.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}

	go func() {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	app.Logger.Info().Msg("Server exited")
}
