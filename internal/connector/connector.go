package connector

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/health"
	"github.com/cassiomorais/apgateway/internal/domain/participant"
	"github.com/cassiomorais/apgateway/internal/domain/transmission"
	"github.com/cassiomorais/apgateway/internal/domain/webhook"
	"github.com/cassiomorais/apgateway/internal/infrastructure/config"
	"github.com/cassiomorais/apgateway/pkg/retry"
)

// Connector is the capability contract every transmission provider
// implements. Implementations are safe for concurrent use.
type Connector interface {
	// ID is the configured instance id
	ID() string

	// Provider is the provider kind (commercial, direct or sandbox)
	Provider() string

	// SendInvoice transmits one document. Semantic refusals come back as a
	// rejected Result with a nil error.
	SendInvoice(ctx context.Context, req transmission.Request) (*transmission.Result, error)

	// GetStatus returns the latest known state of a message. Unknown ids
	// yield errors.ErrNotFound.
	GetStatus(ctx context.Context, messageID string) (*transmission.Result, error)

	// RegisterParticipant makes a participant reachable. It is not idempotent.
	RegisterParticipant(ctx context.Context, reg participant.Registration) (*participant.RegistrationResult, error)

	// LookupDirectory resolves a participant's capabilities. It never caches.
	LookupDirectory(ctx context.Context, participantID string) (*participant.DirectoryEntry, error)

	// ValidateCertificate reports the access point certificate health.
	ValidateCertificate(ctx context.Context) (*health.Certificate, error)

	// HealthCheck probes the provider. It never fails.
	HealthCheck(ctx context.Context) health.Status

	// HandleWebhook normalizes a raw provider notification. It never fails.
	HandleWebhook(raw []byte) webhook.Event
}

// Deps carries collaborators injected into connectors by the factory.
// Zero values select production defaults.
type Deps struct {
	Logger     zerolog.Logger
	HTTPClient *http.Client
	Receipts   transmission.ReceiptStore
	Rand       *rand.Rand
	Timer      retry.Timer
	Resolver   NAPTRResolver
	Now        func() time.Time
	OnRetry    func(connectorID string, attempt int, err error, delay time.Duration)
}

func (d Deps) clock() func() time.Time {
	if d.Now != nil {
		return d.Now
	}
	return time.Now
}

func (d Deps) receipts() transmission.ReceiptStore {
	if d.Receipts != nil {
		return d.Receipts
	}
	return NewMemoryReceiptStore()
}

// newPolicy builds the retry policy for one connector. Only transport
// errors are retried.
func newPolicy(cfg config.ConnectorConfig, deps Deps, logger zerolog.Logger) *retry.Policy {
	opts := []retry.Option{
		retry.WithClassifier(domainErrors.IsRetryable),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("connector call failed, retrying")
			if deps.OnRetry != nil {
				deps.OnRetry(cfg.ID, attempt, err, delay)
			}
		}),
	}
	if cfg.Seed != 0 {
		opts = append(opts, retry.WithRand(rand.New(rand.NewSource(cfg.Seed))))
	}
	if deps.Timer != nil {
		opts = append(opts, retry.WithTimer(deps.Timer))
	}

	return retry.New(retry.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		Jitter:       cfg.Retry.Jitter,
	}, opts...)
}

// attemptTimeout bounds a single attempt by the connector timeout.
func attemptTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
