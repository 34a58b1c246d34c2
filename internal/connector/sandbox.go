package connector

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cassiomorais/apgateway/internal/domain/document"
	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/health"
	"github.com/cassiomorais/apgateway/internal/domain/participant"
	"github.com/cassiomorais/apgateway/internal/domain/transmission"
	"github.com/cassiomorais/apgateway/internal/domain/webhook"
	"github.com/cassiomorais/apgateway/internal/infrastructure/config"
	"github.com/cassiomorais/apgateway/internal/infrastructure/observability"
	"github.com/cassiomorais/apgateway/pkg/retry"
)

var errSimulatedFailure = errors.New("simulated network failure")

// SandboxConnector simulates an access point without network I/O.
// Receivers whose identifier value starts with "reject" get a rejection.
type SandboxConnector struct {
	cfg      config.ConnectorConfig
	logger   zerolog.Logger
	policy   *retry.Policy
	receipts transmission.ReceiptStore
	now      func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSandboxConnector(cfg config.ConnectorConfig, deps Deps) *SandboxConnector {
	cfg = cfg.WithDefaults()
	logger := observability.ForConnector(deps.Logger, cfg.ID, config.ProviderSandbox)

	rnd := deps.Rand
	if rnd == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rnd = rand.New(rand.NewSource(seed))
	}

	return &SandboxConnector{
		cfg:      cfg,
		logger:   logger,
		policy:   newPolicy(cfg, deps, logger),
		receipts: deps.receipts(),
		now:      deps.clock(),
		rnd:      rnd,
	}
}

func (s *SandboxConnector) ID() string       { return s.cfg.ID }
func (s *SandboxConnector) Provider() string { return config.ProviderSandbox }

func (s *SandboxConnector) SendInvoice(ctx context.Context, req transmission.Request) (*transmission.Result, error) {
	_, receiver, err := req.Validate()
	if err != nil {
		return nil, err
	}

	var attempts int
	err = s.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		if err := s.simulateLatency(ctx); err != nil {
			return err
		}
		if s.roll() < s.cfg.ErrorRate {
			return domainErrors.NewTransportError("sandbox send", http.StatusServiceUnavailable, errSimulatedFailure)
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Int("attempts", attempts).Msg("sandbox send failed")
		return nil, err
	}

	messageID := "sandbox-" + uuid.NewString()
	now := s.now()

	if strings.HasPrefix(strings.ToLower(receiver.Value), "reject") {
		res := transmission.Rejected(config.ProviderSandbox, messageID, "receiver refused the document", now)
		res.Attempts = attempts
		res.Sandbox = true
		s.remember(ctx, res)
		return res, nil
	}

	s.remember(ctx, &transmission.Result{
		Success:   true,
		MessageID: messageID,
		Status:    transmission.StatusDelivered,
		Timestamp: now,
		Provider:  config.ProviderSandbox,
		Sandbox:   true,
	})

	s.logger.Info().Str("message_id", messageID).Int("attempts", attempts).Msg("sandbox document sent")

	return &transmission.Result{
		Success:   true,
		MessageID: messageID,
		Status:    transmission.StatusSent,
		Timestamp: now,
		Provider:  config.ProviderSandbox,
		Attempts:  attempts,
		Sandbox:   true,
	}, nil
}

func (s *SandboxConnector) GetStatus(ctx context.Context, messageID string) (*transmission.Result, error) {
	return retry.DoWithResult(ctx, s.policy, func(ctx context.Context, _ int) (*transmission.Result, error) {
		return s.receipts.Get(ctx, messageID)
	})
}

func (s *SandboxConnector) RegisterParticipant(ctx context.Context, reg participant.Registration) (*participant.RegistrationResult, error) {
	id, err := reg.Validate()
	if err != nil {
		return nil, err
	}
	if err := s.simulateLatency(ctx); err != nil {
		return nil, err
	}

	return &participant.RegistrationResult{
		RegistrationID: "sandbox-reg-" + uuid.NewString(),
		ParticipantID:  id.String(),
		Status:         "registered",
		Provider:       config.ProviderSandbox,
		Sandbox:        true,
	}, nil
}

func (s *SandboxConnector) LookupDirectory(ctx context.Context, participantID string) (*participant.DirectoryEntry, error) {
	id, err := participant.ParseID("participant_id", participantID)
	if err != nil {
		return nil, err
	}
	if err := s.simulateLatency(ctx); err != nil {
		return nil, err
	}

	entry := &participant.DirectoryEntry{
		ParticipantID:    id.String(),
		Found:            true,
		Endpoint:         "sandbox://" + s.cfg.ID,
		TransportProfile: TransportProfileAS4,
		Sandbox:          true,
	}
	for _, t := range []document.Type{document.Invoice, document.CreditNote} {
		entry.Capabilities = append(entry.Capabilities, participant.Capability{
			DocumentType: t,
			DocumentID:   t.Identifier(),
			ProcessID:    document.BillingProcess,
		})
	}
	return entry, nil
}

func (s *SandboxConnector) ValidateCertificate(context.Context) (*health.Certificate, error) {
	now := s.now()
	c := health.Evaluate("CN=sandbox", now.AddDate(0, 0, -1), now.AddDate(1, 0, 0), now, s.cfg.CertWarnDays)
	c.Sandbox = true
	return c, nil
}

func (s *SandboxConnector) HealthCheck(context.Context) health.Status {
	return health.Status{
		Provider:  config.ProviderSandbox,
		Healthy:   true,
		CheckedAt: s.now(),
		Sandbox:   true,
	}
}

func (s *SandboxConnector) HandleWebhook(raw []byte) webhook.Event {
	return normalizeSandbox(raw, s.now())
}

func (s *SandboxConnector) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}

func (s *SandboxConnector) simulateLatency(ctx context.Context) error {
	if s.cfg.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(s.cfg.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SandboxConnector) remember(ctx context.Context, res *transmission.Result) {
	if err := s.receipts.Save(ctx, res); err != nil {
		s.logger.Error().Err(err).Str("message_id", res.MessageID).Msg("failed to record sandbox receipt")
	}
}
