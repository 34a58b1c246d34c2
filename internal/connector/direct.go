package connector

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cassiomorais/apgateway/internal/domain/document"
	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/health"
	"github.com/cassiomorais/apgateway/internal/domain/participant"
	"github.com/cassiomorais/apgateway/internal/domain/transmission"
	"github.com/cassiomorais/apgateway/internal/domain/webhook"
	"github.com/cassiomorais/apgateway/internal/infrastructure/config"
	"github.com/cassiomorais/apgateway/internal/infrastructure/observability"
	"github.com/cassiomorais/apgateway/pkg/retry"
	"github.com/cassiomorais/apgateway/pkg/saga"
)

var errNotCapable = errors.New("receiver does not accept this document type")

// DirectConnector speaks AS4 to the receiving access point over mutual TLS
// and discovers endpoints through the SML and SMP.
type DirectConnector struct {
	cfg      config.ConnectorConfig
	logger   zerolog.Logger
	policy   *retry.Policy
	client   *http.Client
	smp      *smpClient
	resolver NAPTRResolver
	receipts transmission.ReceiptStore
	now      func() time.Time

	leaf    *x509.Certificate
	partyID string
}

// NewDirectConnector loads the client certificate and fails with
// ErrCertificateMissing when it is absent or unreadable.
func NewDirectConnector(cfg config.ConnectorConfig, deps Deps) (*DirectConnector, error) {
	cfg = cfg.WithDefaults()
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("connector %s: %w", cfg.ID, domainErrors.ErrCertificateMissing)
	}

	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w: %v", cfg.ID, domainErrors.ErrCertificateMissing, err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("connector %s: parse client certificate: %w", cfg.ID, err)
	}

	client := deps.HTTPClient
	if client == nil {
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{pair},
			MinVersion:   tls.VersionTLS12,
		}
		if cfg.CAFile != "" {
			pem, err := os.ReadFile(cfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("connector %s: read ca_file: %w", cfg.ID, err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("connector %s: ca_file contains no certificates", cfg.ID)
			}
			tlsCfg.RootCAs = pool
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsCfg
		client = &http.Client{Transport: otelhttp.NewTransport(transport)}
	}

	resolver := deps.Resolver
	if resolver == nil {
		resolver = NewDNSResolver(cfg.DNSServer, cfg.Timeout)
	}

	partyID := cfg.PartyID
	if partyID == "" {
		partyID = leaf.Subject.CommonName
	}

	logger := observability.ForConnector(deps.Logger, cfg.ID, config.ProviderDirect)

	return &DirectConnector{
		cfg:      cfg,
		logger:   logger,
		policy:   newPolicy(cfg, deps, logger),
		client:   client,
		smp:      &smpClient{http: client, timeout: cfg.Timeout, token: cfg.APIKey},
		resolver: resolver,
		receipts: deps.receipts(),
		now:      deps.clock(),
		leaf:     leaf,
		partyID:  partyID,
	}, nil
}

func (d *DirectConnector) ID() string       { return d.cfg.ID }
func (d *DirectConnector) Provider() string { return config.ProviderDirect }

// route is where and to whom an AS4 message goes.
type route struct {
	endpoint string
	party    string
}

func (d *DirectConnector) SendInvoice(ctx context.Context, req transmission.Request) (*transmission.Result, error) {
	sender, receiver, err := req.Validate()
	if err != nil {
		return nil, err
	}

	messageID := newAS4MessageID()
	msg := as4Message{
		MessageID:      messageID,
		ConversationID: messageID,
		FromParty:      d.partyID,
		Service:        document.BillingProcess,
		ServiceType:    document.ProcessScheme,
		Action:         req.Metadata.DocumentType.QualifiedIdentifier(),
		OriginalSender: sender.String(),
		FinalRecipient: receiver.String(),
		Payload:        req.Document,
	}

	var (
		attempts int
		dest     *route
	)
	signal, err := retry.DoWithResult(ctx, d.policy, func(ctx context.Context, attempt int) (*as4Signal, error) {
		attempts = attempt
		if dest == nil {
			r, err := d.resolveRoute(ctx, receiver, req.Metadata.DocumentType)
			if err != nil {
				return nil, err
			}
			dest = r
		}
		msg.ToParty = dest.party
		msg.Timestamp = d.now()
		return d.post(ctx, dest.endpoint, msg)
	})

	now := d.now()
	switch {
	case errors.Is(err, errNotCapable), errors.Is(err, domainErrors.ErrParticipantNotFound):
		res := transmission.Rejected(config.ProviderDirect, messageID, err.Error(), now)
		res.Attempts = attempts
		d.remember(ctx, res)
		d.logger.Warn().Err(err).Str("receiver", receiver.String()).Msg("receiver cannot accept document")
		return res, nil
	case err != nil:
		d.logger.Error().Err(err).Int("attempts", attempts).Str("receiver", receiver.String()).Msg("as4 send failed")
		return nil, err
	}

	at := signal.Timestamp
	if at.IsZero() {
		at = now
	}

	if !signal.Receipt {
		reason := signal.ErrorDetail
		if signal.ErrorCode != "" && signal.ErrorCode != reason {
			reason = signal.ErrorCode + ": " + reason
		}
		res := transmission.Rejected(config.ProviderDirect, messageID, reason, at)
		res.Attempts = attempts
		d.remember(ctx, res)
		d.logger.Warn().Str("message_id", messageID).Str("reason", reason).Msg("as4 message rejected")
		return res, nil
	}

	res := &transmission.Result{
		Success:   true,
		MessageID: messageID,
		Status:    transmission.StatusDelivered,
		Timestamp: at,
		Provider:  config.ProviderDirect,
		Attempts:  attempts,
	}
	d.remember(ctx, res)

	d.logger.Info().
		Str("message_id", messageID).
		Str("endpoint", dest.endpoint).
		Int("attempts", attempts).
		Msg("as4 receipt received")

	return res, nil
}

func (d *DirectConnector) GetStatus(ctx context.Context, messageID string) (*transmission.Result, error) {
	return retry.DoWithResult(ctx, d.policy, func(ctx context.Context, _ int) (*transmission.Result, error) {
		res, err := d.receipts.Get(ctx, messageID)
		if err != nil && !errors.Is(err, domainErrors.ErrNotFound) {
			return nil, domainErrors.NewTransportError("receipt lookup", 0, err)
		}
		return res, err
	})
}

// RegisterParticipant publishes the service group and one service
// metadata entry per document type on the configured SMP. A failed step
// removes what was already written.
func (d *DirectConnector) RegisterParticipant(ctx context.Context, reg participant.Registration) (*participant.RegistrationResult, error) {
	id, err := reg.Validate()
	if err != nil {
		return nil, err
	}
	if d.cfg.SMPURL == "" || d.cfg.EndpointURL == "" {
		return nil, fmt.Errorf("register participant: smp_url and endpoint_url must be configured: %w", domainErrors.ErrConnectorUnavailable)
	}

	smpURL := d.cfg.SMPURL
	cert := base64.StdEncoding.EncodeToString(d.leaf.Raw)

	s := saga.New("register " + id.String()).AddStep(saga.Step{
		Name:       "service-group",
		Execute:    func(ctx context.Context) error { return d.smp.putServiceGroup(ctx, smpURL, id) },
		Compensate: func(ctx context.Context) error { return d.smp.deleteServiceGroup(ctx, smpURL, id) },
	})
	for _, t := range reg.DocumentTypes {
		s.AddStep(saga.Step{
			Name: string(t),
			Execute: func(ctx context.Context) error {
				return d.smp.putServiceMetadata(ctx, smpURL, id, t, d.cfg.EndpointURL, cert)
			},
			Compensate: func(ctx context.Context) error {
				return d.smp.deleteServiceMetadata(ctx, smpURL, id, t)
			},
		})
	}

	if err := s.Execute(ctx); err != nil {
		var sagaErr *saga.Error
		if errors.As(err, &sagaErr) {
			d.logger.Error().
				Err(sagaErr.Err).
				Str("participant_id", id.String()).
				Str("failed_step", sagaErr.Step).
				Strs("compensated", sagaErr.Compensated).
				AnErr("compensation_error", sagaErr.CompensationErr).
				Msg("participant registration rolled back")
		}
		return nil, err
	}

	d.logger.Info().Str("participant_id", id.String()).Int("document_types", len(reg.DocumentTypes)).Msg("participant published")

	return &participant.RegistrationResult{
		RegistrationID: id.URN(),
		ParticipantID:  id.String(),
		Status:         "registered",
		Provider:       config.ProviderDirect,
		Sandbox:        d.cfg.IsSandbox(),
	}, nil
}

func (d *DirectConnector) LookupDirectory(ctx context.Context, participantID string) (*participant.DirectoryEntry, error) {
	id, err := participant.ParseID("participant_id", participantID)
	if err != nil {
		return nil, err
	}

	entry := &participant.DirectoryEntry{ParticipantID: id.String()}
	services, err := d.lookupServices(ctx, id)
	if errors.Is(err, domainErrors.ErrParticipantNotFound) {
		return entry, nil
	}
	if err != nil {
		return nil, err
	}

	entry.Found = true
	entry.TransportProfile = TransportProfileAS4
	for _, svc := range services {
		t, ok := document.FromIdentifier(svc.DocumentID)
		if !ok {
			continue
		}
		if entry.Endpoint == "" {
			entry.Endpoint = svc.EndpointURL
		}
		entry.Capabilities = append(entry.Capabilities, participant.Capability{
			DocumentType: t,
			DocumentID:   strings.TrimPrefix(svc.DocumentID, document.IdentifierScheme+"::"),
			ProcessID:    svc.ProcessID,
		})
	}
	return entry, nil
}

func (d *DirectConnector) ValidateCertificate(context.Context) (*health.Certificate, error) {
	return health.FromX509(d.leaf, d.now(), d.cfg.CertWarnDays), nil
}

// HealthCheck requires a currently valid client certificate and, when an
// SMP is pinned, that it answers.
func (d *DirectConnector) HealthCheck(ctx context.Context) health.Status {
	start := time.Now()
	now := d.now()

	cert := health.FromX509(d.leaf, now, d.cfg.CertWarnDays)
	if !cert.Valid {
		return health.Unhealthy(config.ProviderDirect, errors.New(cert.Warning), time.Since(start), now)
	}
	if d.cfg.SMPURL != "" {
		if err := d.smp.ping(ctx, d.cfg.SMPURL); err != nil {
			return health.Unhealthy(config.ProviderDirect, err, time.Since(start), now)
		}
	}
	return health.Status{
		Provider:  config.ProviderDirect,
		Healthy:   true,
		Latency:   time.Since(start),
		CheckedAt: now,
		Sandbox:   d.cfg.IsSandbox(),
	}
}

func (d *DirectConnector) HandleWebhook(raw []byte) webhook.Event {
	return normalizeDirect(raw, d.now())
}

func (d *DirectConnector) lookupServices(ctx context.Context, id participant.ID) ([]smpService, error) {
	smpURL := d.cfg.SMPURL
	if smpURL == "" {
		var err error
		if smpURL, err = d.resolver.LookupSMP(ctx, id, d.cfg.SMLDomain); err != nil {
			return nil, err
		}
	}
	return d.smp.services(ctx, smpURL, id)
}

// resolveRoute finds the receiving endpoint. BaseURL pins every message to
// one access point and skips discovery.
func (d *DirectConnector) resolveRoute(ctx context.Context, receiver participant.ID, t document.Type) (*route, error) {
	if d.cfg.BaseURL != "" {
		return &route{endpoint: d.cfg.BaseURL, party: receiver.String()}, nil
	}

	services, err := d.lookupServices(ctx, receiver)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		if st, ok := document.FromIdentifier(svc.DocumentID); ok && st == t && svc.EndpointURL != "" {
			return &route{endpoint: svc.EndpointURL, party: certificateCN(svc.Certificate, receiver.String())}, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", receiver, errNotCapable)
}

func (d *DirectConnector) post(ctx context.Context, endpoint string, msg as4Message) (*as4Signal, error) {
	body, contentType, err := encodeAS4(msg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := attemptTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("as4 send: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("MIME-Version", "1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, domainErrors.NewTransportError("as4 send", 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, domainErrors.NewTransportError("as4 send", resp.StatusCode, err)
	}
	if resp.StatusCode >= 500 && !bytes.Contains(data, []byte("SignalMessage")) {
		return nil, domainErrors.NewTransportError("as4 send", resp.StatusCode, nil)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("as4 send: %w", domainErrors.ErrUnauthorized)
	}

	signal, err := decodeAS4Signal(resp.Header.Get("Content-Type"), data)
	if err != nil {
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("as4 send: unexpected status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("as4 send: %w", err)
	}
	// a receipt must name the message it acknowledges; errors may omit it
	if signal.RefToMessageID != msg.MessageID && (signal.Receipt || signal.RefToMessageID != "") {
		return nil, domainErrors.NewTransportError("as4 send", resp.StatusCode,
			fmt.Errorf("%w: got %q, sent %q", errSignalMismatch, signal.RefToMessageID, msg.MessageID))
	}
	return signal, nil
}

func (d *DirectConnector) remember(ctx context.Context, res *transmission.Result) {
	if err := d.receipts.Save(ctx, res); err != nil {
		d.logger.Error().Err(err).Str("message_id", res.MessageID).Msg("failed to record as4 receipt")
	}
}

// certificateCN returns the subject CN of a base64 DER certificate, or
// fallback when it cannot be read.
func certificateCN(b64, fallback string) string {
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(b64), ""))
	if err != nil || len(der) == 0 {
		return fallback
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil || cert.Subject.CommonName == "" {
		return fallback
	}
	return cert.Subject.CommonName
}
