package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/cassiomorais/apgateway/internal/connector"
	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/event"
	"github.com/cassiomorais/apgateway/internal/domain/health"
	"github.com/cassiomorais/apgateway/internal/infrastructure/observability"
)

// ConnectorInfo describes one registered connector.
type ConnectorInfo struct {
	ID           string `json:"id"`
	Provider     string `json:"provider"`
	Default      bool   `json:"default"`
	BreakerState string `json:"breaker_state"`
}

// CertificateReport is the certificate outcome for one connector. Error
// is set when the certificate could not be read at all.
type CertificateReport struct {
	Certificate *health.Certificate `json:"certificate,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// SweepReport is the result of one monitoring pass.
type SweepReport struct {
	Health       map[string]health.Status     `json:"health"`
	Certificates map[string]CertificateReport `json:"certificates"`
	Alerts       int                          `json:"alerts"`
}

// MonitorService watches connector health and certificate expiry. It
// only raises alerts; connectors keep sending with an expiring
// certificate.
type MonitorService struct {
	registry    *connector.Registry
	publisher   EventPublisher
	metrics     *observability.Metrics
	alertStream string
	warnDays    int
	logger      zerolog.Logger
	now         func() time.Time

	mu        sync.Mutex
	unhealthy map[string]bool
	// last alerted certificate state per connector; absent means fine
	certState map[string]event.Type
}

func NewMonitorService(
	registry *connector.Registry,
	publisher EventPublisher,
	metrics *observability.Metrics,
	alertStream string,
	warnDays int,
	logger zerolog.Logger,
) *MonitorService {
	return &MonitorService{
		registry:    registry,
		publisher:   publisher,
		metrics:     metrics,
		alertStream: alertStream,
		warnDays:    warnDays,
		logger:      logger.With().Str("component", "monitor").Logger(),
		now:         time.Now,
		unhealthy:   make(map[string]bool),
		certState:   make(map[string]event.Type),
	}
}

// Connectors lists the registered connectors in id order.
func (m *MonitorService) Connectors() []ConnectorInfo {
	def := m.registry.DefaultID()
	var out []ConnectorInfo
	for _, id := range m.registry.IDs() {
		c, ok := m.registry.Get(id)
		if !ok {
			continue
		}
		info := ConnectorInfo{ID: id, Provider: c.Provider(), Default: id == def}
		if cb, ok := m.registry.Breaker(id); ok {
			info.BreakerState = cb.State().String()
		}
		out = append(out, info)
	}
	return out
}

// Health probes every connector and updates the health gauges.
func (m *MonitorService) Health(ctx context.Context) map[string]health.Status {
	statuses := m.registry.HealthCheckAll(ctx)
	for id, st := range statuses {
		healthy := 0.0
		if st.Healthy {
			healthy = 1
		}
		m.metrics.ConnectorHealthy.WithLabelValues(id).Set(healthy)
		m.metrics.ConnectorHealthLatency.WithLabelValues(id).Set(st.Latency.Seconds())
	}
	return statuses
}

// Certificate reads one connector's certificate health.
func (m *MonitorService) Certificate(ctx context.Context, connectorID string) (*health.Certificate, error) {
	c, ok := m.registry.Get(connectorID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domainErrors.ErrNoConnectorAvailable, connectorID)
	}
	cert, err := c.ValidateCertificate(ctx)
	if err != nil {
		return nil, err
	}
	m.metrics.CertificateDaysRemaining.WithLabelValues(connectorID).Set(float64(cert.DaysUntilExpiry))
	return cert, nil
}

// Sweep runs one monitoring pass: health of all connectors, then every
// certificate in parallel. Alerts go to the alert stream when a
// certificate becomes invalid or starts expiring and when a connector
// becomes unhealthy, not on every pass.
func (m *MonitorService) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{
		Health:       m.Health(ctx),
		Certificates: make(map[string]CertificateReport),
	}

	var alerts []*event.Event
	for _, id := range sortedKeys(report.Health) {
		st := report.Health[id]
		if ev := m.healthTransition(id, st); ev != nil {
			alerts = append(alerts, ev)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range m.registry.IDs() {
		g.Go(func() error {
			var rep CertificateReport
			cert, err := m.Certificate(gctx, id)
			if err != nil {
				rep.Error = err.Error()
				m.logger.Error().Err(err).Str("connector", id).Msg("certificate check failed")
			} else {
				rep.Certificate = cert
			}
			mu.Lock()
			report.Certificates[id] = rep
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, id := range sortedKeys(report.Certificates) {
		if ev := m.certificateAlert(id, report.Certificates[id].Certificate); ev != nil {
			alerts = append(alerts, ev)
		}
	}

	for _, ev := range alerts {
		status := "ok"
		if err := m.publisher.Publish(ctx, m.alertStream, ev); err != nil {
			status = "error"
			m.logger.Error().Err(err).Str("event_type", string(ev.Type)).Str("connector", ev.Connector).Msg("failed to publish alert")
		} else {
			report.Alerts++
		}
		m.metrics.EventsPublished.WithLabelValues(m.alertStream, status).Inc()
	}
	return report, ctx.Err()
}

func (m *MonitorService) healthTransition(id string, st health.Status) *event.Event {
	m.mu.Lock()
	wasUnhealthy := m.unhealthy[id]
	m.unhealthy[id] = !st.Healthy
	m.mu.Unlock()

	if st.Healthy {
		if wasUnhealthy {
			m.logger.Info().Str("connector", id).Msg("connector recovered")
		}
		return nil
	}

	m.logger.Warn().Str("connector", id).Str("error", st.Error).Msg("connector unhealthy")
	if wasUnhealthy {
		return nil
	}
	return event.New(event.ConnectorUnhealthy, id, id, map[string]any{
		"provider": st.Provider,
		"error":    st.Error,
	}, m.now())
}

func (m *MonitorService) certificateAlert(id string, cert *health.Certificate) *event.Event {
	if cert == nil {
		return nil
	}

	payload := map[string]any{
		"days_until_expiry": cert.DaysUntilExpiry,
		"not_after":         cert.NotAfter.UTC().Format(time.RFC3339),
		"subject":           cert.Subject,
		"warning":           cert.Warning,
	}
	log := m.logger.With().
		Str("connector", id).
		Int("days_until_expiry", cert.DaysUntilExpiry).
		Str("warning", cert.Warning).
		Logger()

	var state event.Type
	switch {
	case !cert.Valid:
		state = event.CertificateInvalid
		log.Error().Msg("certificate invalid")
	case cert.Expiring(m.warnDays) || cert.Warning != "":
		state = event.CertificateExpiring
		log.Warn().Msg("certificate expiring")
	}

	m.mu.Lock()
	prev := m.certState[id]
	if state == "" {
		delete(m.certState, id)
	} else {
		m.certState[id] = state
	}
	m.mu.Unlock()

	if state == "" || state == prev {
		return nil
	}
	return event.New(state, id, id, payload, m.now())
}

// BreakerStateValue maps a breaker state onto the gauge encoding.
func BreakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
