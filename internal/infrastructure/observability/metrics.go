package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Transmission metrics
	TransmissionsTotal   *prometheus.CounterVec
	TransmissionDuration *prometheus.HistogramVec
	TransmissionRetries  *prometheus.CounterVec
	TransmissionErrors   *prometheus.CounterVec

	// Directory and registration metrics
	DirectoryLookups *prometheus.CounterVec
	Registrations    *prometheus.CounterVec

	// Webhook metrics
	WebhookEvents *prometheus.CounterVec

	// Connector health metrics
	ConnectorHealthy         *prometheus.GaugeVec
	ConnectorHealthLatency   *prometheus.GaugeVec
	CertificateDaysRemaining *prometheus.GaugeVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState    *prometheus.GaugeVec
	CircuitBreakerRequests *prometheus.CounterVec

	// Event publication metrics
	EventsPublished *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		TransmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transmissions_total",
				Help:      "Total number of document transmissions by connector and resulting status",
			},
			[]string{"connector", "status"},
		),
		TransmissionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transmission_duration_seconds",
				Help:      "Send duration including retries, in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"connector"},
		),
		TransmissionRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transmission_retries_total",
				Help:      "Total number of retried connector calls",
			},
			[]string{"connector"},
		),
		TransmissionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transmission_errors_total",
				Help:      "Total number of failed connector calls by error kind",
			},
			[]string{"connector", "error_type"},
		),
		DirectoryLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "directory_lookups_total",
				Help:      "Total number of directory lookups by outcome",
			},
			[]string{"connector", "found"},
		),
		Registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "participant_registrations_total",
				Help:      "Total number of participant registrations by outcome",
			},
			[]string{"connector", "status"},
		),
		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total number of normalized webhook events by kind",
			},
			[]string{"connector", "kind"},
		),
		ConnectorHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connector_healthy",
				Help:      "Connector health (1=healthy, 0=unhealthy)",
			},
			[]string{"connector"},
		),
		ConnectorHealthLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connector_health_latency_seconds",
				Help:      "Latency of the last health probe in seconds",
			},
			[]string{"connector"},
		),
		CertificateDaysRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "certificate_days_until_expiry",
				Help:      "Days until the connector certificate expires",
			},
			[]string{"connector"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		CircuitBreakerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_requests_total",
				Help:      "Total number of circuit breaker requests",
			},
			[]string{"name", "result"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of events published to Redis streams",
			},
			[]string{"stream", "status"},
		),
	}

	reg.MustRegister(
		m.TransmissionsTotal,
		m.TransmissionDuration,
		m.TransmissionRetries,
		m.TransmissionErrors,
		m.DirectoryLookups,
		m.Registrations,
		m.WebhookEvents,
		m.ConnectorHealthy,
		m.ConnectorHealthLatency,
		m.CertificateDaysRemaining,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.CircuitBreakerRequests,
		m.EventsPublished,
	)

	return m
}

