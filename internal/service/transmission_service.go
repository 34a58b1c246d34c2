package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cassiomorais/apgateway/internal/connector"
	"github.com/cassiomorais/apgateway/internal/domain/event"
	"github.com/cassiomorais/apgateway/internal/domain/transmission"
	"github.com/cassiomorais/apgateway/internal/infrastructure/observability"
)

// TransmissionService sends documents through the registry's connectors
// behind their circuit breakers and announces outcomes on a stream.
type TransmissionService struct {
	registry  *connector.Registry
	publisher EventPublisher
	metrics   *observability.Metrics
	stream    string
	logger    zerolog.Logger
	now       func() time.Time
}

func NewTransmissionService(
	registry *connector.Registry,
	publisher EventPublisher,
	metrics *observability.Metrics,
	stream string,
	logger zerolog.Logger,
) *TransmissionService {
	return &TransmissionService{
		registry:  registry,
		publisher: publisher,
		metrics:   metrics,
		stream:    stream,
		logger:    logger.With().Str("component", "transmission_service").Logger(),
		now:       time.Now,
	}
}

// Send transmits req through connectorID, or the default connector when
// it is empty. A rejection is a result, not an error.
func (s *TransmissionService) Send(ctx context.Context, connectorID string, req transmission.Request) (*transmission.Result, error) {
	c, err := s.registry.GetConnector(connectorID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "transmission.send", trace.WithAttributes(
		attribute.String("connector.id", c.ID()),
		attribute.String("connector.provider", c.Provider()),
		attribute.String("document.type", string(req.Metadata.DocumentType)),
	))
	defer span.End()

	start := s.now()
	res, err := s.execute(c.ID(), func() (*transmission.Result, error) {
		return c.SendInvoice(ctx, req)
	})
	s.metrics.TransmissionDuration.WithLabelValues(c.ID()).Observe(s.now().Sub(start).Seconds())

	if err != nil {
		s.metrics.TransmissionsTotal.WithLabelValues(c.ID(), "failed").Inc()
		s.metrics.TransmissionErrors.WithLabelValues(c.ID(), errorKind(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn().Err(err).
			Str("connector", c.ID()).
			Str("receiver", req.Metadata.ReceiverID).
			Msg("transmission failed")
		return nil, err
	}

	s.metrics.TransmissionsTotal.WithLabelValues(c.ID(), string(res.Status)).Inc()
	span.SetAttributes(
		attribute.String("message.id", res.MessageID),
		attribute.String("message.status", string(res.Status)),
		attribute.Int("attempts", res.Attempts),
	)

	at := res.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	evType := event.TransmissionSent
	if res.Status == transmission.StatusRejected {
		evType = event.TransmissionRejected
	}
	s.publish(ctx, event.New(evType, res.MessageID, c.ID(), map[string]any{
		"status":           string(res.Status),
		"provider":         res.Provider,
		"sender_id":        req.Metadata.SenderID,
		"receiver_id":      req.Metadata.ReceiverID,
		"document_type":    string(req.Metadata.DocumentType),
		"legal_entity_id":  req.Metadata.LegalEntityID,
		"attempts":         res.Attempts,
		"rejection_reason": res.RejectionReason,
		"sandbox":          res.Sandbox,
	}, at))

	return res, nil
}

// Status asks the connector for the latest state of messageID.
func (s *TransmissionService) Status(ctx context.Context, connectorID, messageID string) (*transmission.Result, error) {
	c, err := s.registry.GetConnector(connectorID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "transmission.status", trace.WithAttributes(
		attribute.String("connector.id", c.ID()),
		attribute.String("message.id", messageID),
	))
	defer span.End()

	res, err := s.execute(c.ID(), func() (*transmission.Result, error) {
		return c.GetStatus(ctx, messageID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

func (s *TransmissionService) execute(id string, fn func() (*transmission.Result, error)) (*transmission.Result, error) {
	cb, ok := s.registry.Breaker(id)
	if !ok {
		return fn()
	}

	res, err := cb.Execute(fn)
	result := "success"
	if err != nil {
		result = "failure"
	}
	s.metrics.CircuitBreakerRequests.WithLabelValues(id, result).Inc()
	return res, breakerError(id, err)
}

// publish never fails the caller; the send already happened.
func (s *TransmissionService) publish(ctx context.Context, ev *event.Event) {
	status := "ok"
	if err := s.publisher.Publish(context.WithoutCancel(ctx), s.stream, ev); err != nil {
		status = "error"
		s.logger.Error().Err(err).
			Str("event_type", string(ev.Type)).
			Str("message_id", ev.Key).
			Msg("failed to publish transmission event")
	}
	s.metrics.EventsPublished.WithLabelValues(s.stream, status).Inc()
}
