package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cassiomorais/apgateway/internal/connector"
	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/event"
	"github.com/cassiomorais/apgateway/internal/domain/webhook"
	"github.com/cassiomorais/apgateway/internal/infrastructure/observability"
)

// WebhookService normalizes provider callbacks and relays them to the
// webhook stream.
type WebhookService struct {
	registry  *connector.Registry
	publisher EventPublisher
	metrics   *observability.Metrics
	stream    string
	logger    zerolog.Logger
}

func NewWebhookService(
	registry *connector.Registry,
	publisher EventPublisher,
	metrics *observability.Metrics,
	stream string,
	logger zerolog.Logger,
) *WebhookService {
	return &WebhookService{
		registry:  registry,
		publisher: publisher,
		metrics:   metrics,
		stream:    stream,
		logger:    logger.With().Str("component", "webhook_service").Logger(),
	}
}

// Ingest normalizes raw with the named connector's vocabulary and
// publishes the result. Unknown payloads are published as KindUnknown.
// The connector must be named explicitly; there is no default here.
func (s *WebhookService) Ingest(ctx context.Context, connectorID string, raw []byte) (webhook.Event, error) {
	c, ok := s.registry.Get(connectorID)
	if !ok {
		return webhook.Event{}, fmt.Errorf("%w: %q", domainErrors.ErrNoConnectorAvailable, connectorID)
	}

	ev := c.HandleWebhook(raw)
	s.metrics.WebhookEvents.WithLabelValues(c.ID(), string(ev.Kind)).Inc()

	log := s.logger.With().
		Str("connector", c.ID()).
		Str("kind", string(ev.Kind)).
		Str("message_id", ev.MessageID).
		Logger()
	if ev.Kind == webhook.KindUnknown {
		log.Warn().Msg("unrecognised webhook payload")
	}

	err := s.publisher.Publish(ctx, s.stream, event.New(event.WebhookReceived, ev.MessageID, c.ID(), map[string]any{
		"kind":        string(ev.Kind),
		"message_id":  ev.MessageID,
		"provider":    ev.Provider,
		"reason":      ev.Reason,
		"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		"payload":     ev.Payload,
	}, time.Now()))
	if err != nil {
		s.metrics.EventsPublished.WithLabelValues(s.stream, "error").Inc()
		log.Error().Err(err).Msg("failed to publish webhook event")
		return ev, err
	}

	s.metrics.EventsPublished.WithLabelValues(s.stream, "ok").Inc()
	log.Debug().Msg("webhook relayed")
	return ev, nil
}
