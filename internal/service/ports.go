package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"

	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/event"
)

var tracer = otel.Tracer("github.com/cassiomorais/apgateway/internal/service")

// EventPublisher appends events to a named stream.
type EventPublisher interface {
	Publish(ctx context.Context, stream string, ev *event.Event) error
}

// Locker grants exclusive, expiring locks. Acquire does not wait; it fails
// with ErrLockAcquisitionFailed when the key is held.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// errorKind is the metric label for a failed connector call.
func errorKind(err error) string {
	var rateLimited *domainErrors.RateLimitError
	var validation *domainErrors.ValidationError

	switch {
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &rateLimited):
		return "rate_limited"
	case errors.Is(err, domainErrors.ErrConnectorUnavailable):
		return "circuit_open"
	case errors.Is(err, domainErrors.ErrTransport):
		return "transport"
	case errors.Is(err, domainErrors.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domainErrors.ErrNotFound), errors.Is(err, domainErrors.ErrParticipantNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "other"
}

// breakerError maps an open or saturated breaker onto ErrConnectorUnavailable.
func breakerError(connectorID string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", domainErrors.ErrConnectorUnavailable, connectorID, err)
	}
	return err
}
