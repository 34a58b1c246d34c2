package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/cassiomorais/apgateway/internal/connector"
	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/participant"
	"github.com/cassiomorais/apgateway/internal/infrastructure/observability"
)

// ParticipantService registers participants and looks them up in the
// network directory.
type ParticipantService struct {
	registry *connector.Registry
	locker   Locker
	lockTTL  time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger

	lookups singleflight.Group
}

func NewParticipantService(
	registry *connector.Registry,
	locker Locker,
	lockTTL time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ParticipantService {
	return &ParticipantService{
		registry: registry,
		locker:   locker,
		lockTTL:  lockTTL,
		metrics:  metrics,
		logger:   logger.With().Str("component", "participant_service").Logger(),
	}
}

// Register runs one registration per participant and connector at a
// time. A concurrent attempt fails with ErrRegistrationInProgress.
func (s *ParticipantService) Register(ctx context.Context, connectorID string, reg participant.Registration) (*participant.RegistrationResult, error) {
	id, err := reg.Validate()
	if err != nil {
		return nil, err
	}
	c, err := s.registry.GetConnector(connectorID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "participant.register", trace.WithAttributes(
		attribute.String("connector.id", c.ID()),
		attribute.String("participant.id", id.String()),
	))
	defer span.End()

	release, err := s.locker.Acquire(ctx, "registration:"+c.ID()+":"+id.String(), s.lockTTL)
	if err != nil {
		if errors.Is(err, domainErrors.ErrLockAcquisitionFailed) {
			return nil, fmt.Errorf("%w: %s", domainErrors.ErrRegistrationInProgress, id)
		}
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Str("participant", id.String()).Msg("registration lock release failed")
		}
	}()

	res, err := c.RegisterParticipant(ctx, reg)
	if err != nil {
		s.metrics.Registrations.WithLabelValues(c.ID(), "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.metrics.Registrations.WithLabelValues(c.ID(), res.Status).Inc()
	s.logger.Info().
		Str("connector", c.ID()).
		Str("participant", res.ParticipantID).
		Str("registration_id", res.RegistrationID).
		Msg("participant registered")
	return res, nil
}

// Lookup resolves participantID. Identical lookups in flight at the same
// time share one directory query; nothing is cached afterwards.
func (s *ParticipantService) Lookup(ctx context.Context, connectorID, participantID string) (*participant.DirectoryEntry, error) {
	if _, err := participant.ParseID("participant_id", participantID); err != nil {
		return nil, err
	}
	c, err := s.registry.GetConnector(connectorID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "participant.lookup", trace.WithAttributes(
		attribute.String("connector.id", c.ID()),
		attribute.String("participant.id", participantID),
	))
	defer span.End()

	// the shared query must outlive any single caller
	shared := context.WithoutCancel(ctx)
	ch := s.lookups.DoChan(c.ID()+"|"+participantID, func() (any, error) {
		return c.LookupDirectory(shared, participantID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			s.metrics.TransmissionErrors.WithLabelValues(c.ID(), errorKind(r.Err)).Inc()
			span.RecordError(r.Err)
			span.SetStatus(codes.Error, r.Err.Error())
			return nil, r.Err
		}
		entry := r.Val.(*participant.DirectoryEntry)
		span.SetAttributes(attribute.Bool("participant.found", entry.Found), attribute.Bool("shared", r.Shared))
		s.metrics.DirectoryLookups.WithLabelValues(c.ID(), strconv.FormatBool(entry.Found)).Inc()
		return entry, nil
	}
}
