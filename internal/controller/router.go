package controller

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/cassiomorais/apgateway/internal/infrastructure/config"
	"github.com/cassiomorais/apgateway/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/apgateway/internal/middleware"
	"github.com/cassiomorais/apgateway/internal/service"
)

const defaultMaxDocumentBytes = 10 << 20

type RouterDeps struct {
	TransmissionService *service.TransmissionService
	ParticipantService  *service.ParticipantService
	WebhookService      *service.WebhookService
	MonitorService      *service.MonitorService
	IdempotencyStore    customMW.IdempotencyStore
	Readiness           []ReadinessCheck
	Metrics             *observability.Metrics
	MetricsHandler      http.Handler
	TracerProvider      trace.TracerProvider
	Gateway             config.GatewayConfig
	CORSConfig          config.CORSConfig
	Logger              zerolog.Logger
}

func NewRouter(deps RouterDeps) *chi.Mux {
	maxDocument := deps.Gateway.MaxDocumentBytes
	if maxDocument <= 0 {
		maxDocument = defaultMaxDocumentBytes
	}
	// base64 inflates the document by a third, plus room for metadata
	maxBody := maxDocument*4/3 + 64<<10

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing(deps.TracerProvider))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSConfig.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Idempotency-Replayed"},
		AllowCredentials: deps.CORSConfig.AllowCredentials,
		MaxAge:           300,
	}))
	if deps.Metrics != nil {
		r.Use(customMW.Metrics(deps.Metrics, "/metrics"))
	}
	r.Use(customMW.SecurityHeaders())

	healthH := NewHealthController(deps.Readiness...)
	transmissionH := NewTransmissionController(deps.TransmissionService, maxDocument)
	participantH := NewParticipantController(deps.ParticipantService)
	connectorH := NewConnectorController(deps.MonitorService)
	webhookH := NewWebhookController(deps.WebhookService, maxBody, deps.Logger)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		// Idempotency middleware for mutating endpoints.
		idempotencyMW := func(next http.Handler) http.Handler { return next }
		if deps.IdempotencyStore != nil {
			idempotencyMW = customMW.Idempotency(deps.IdempotencyStore, deps.Gateway.IdempotencyTTL, maxBody, deps.Logger)
		}
		bodyLimit := bodyLimiter(maxBody)

		// Transmissions
		r.With(bodyLimit, idempotencyMW).Post("/transmissions", transmissionH.Send)
		r.Get("/transmissions/{messageID}", transmissionH.Status)

		// Participants
		r.With(bodyLimit, idempotencyMW).Post("/participants", participantH.Register)
		r.Get("/directory/{participantID}", participantH.Lookup)

		// Connectors
		r.Get("/connectors", connectorH.List)
		r.Get("/connectors/health", connectorH.Health)
		r.Get("/connectors/{id}/certificate", connectorH.Certificate)
	})

	webhookLimit := func(next http.Handler) http.Handler { return next }
	if deps.Gateway.WebhookRateLimit > 0 {
		webhookLimit = customMW.RateLimit(deps.Gateway.WebhookRateLimit)
	}
	r.With(webhookLimit).Post("/webhooks/{connectorID}", webhookH.Receive)

	return r
}

func bodyLimiter(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
