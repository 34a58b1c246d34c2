package connector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

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

const (
	commercialIDPrefix = "commercial:"
	headerRetryAfter   = "Retry-After"
	maxResponseBody    = 1 << 20
)

// CommercialConnector delegates to a hosted access point's REST API.
type CommercialConnector struct {
	cfg     config.ConnectorConfig
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	policy  *retry.Policy
	logger  zerolog.Logger
	now     func() time.Time
}

func NewCommercialConnector(cfg config.ConnectorConfig, deps Deps) (*CommercialConnector, error) {
	cfg = cfg.WithDefaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("commercial connector %q: base_url is required", cfg.ID)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("commercial connector %q: api_key is required", cfg.ID)
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("commercial connector %q: invalid base_url: %w", cfg.ID, err)
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	logger := observability.ForConnector(deps.Logger, cfg.ID, config.ProviderCommercial)

	return &CommercialConnector{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		limiter: limiter,
		policy:  newPolicy(cfg, deps, logger),
		logger:  logger,
		now:     deps.clock(),
	}, nil
}

func (c *CommercialConnector) ID() string       { return c.cfg.ID }
func (c *CommercialConnector) Provider() string { return config.ProviderCommercial }

type submissionRequest struct {
	LegalEntityID string             `json:"legal_entity_id,omitempty"`
	DocumentType  string             `json:"document_type"`
	Sender        string             `json:"sender"`
	Receiver      string             `json:"receiver"`
	Document      submissionDocument `json:"document"`
}

type submissionDocument struct {
	Encoding string `json:"encoding"`
	MimeType string `json:"mime_type"`
	Content  string `json:"content"`
}

type submissionResponse struct {
	GUID            string     `json:"guid"`
	Status          string     `json:"status"`
	RejectionReason string     `json:"rejection_reason"`
	Errors          []apiError `json:"errors"`
	UpdatedAt       string     `json:"updated_at"`
}

type apiError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

type identifierRequest struct {
	Superscheme   string   `json:"superscheme"`
	Scheme        string   `json:"scheme"`
	Identifier    string   `json:"identifier"`
	Name          string   `json:"name,omitempty"`
	Country       string   `json:"country,omitempty"`
	DocumentTypes []string `json:"document_types"`
}

type identifierResponse struct {
	ID     json.RawMessage `json:"id"`
	Status string          `json:"status"`
}

type discoveryResponse struct {
	Found            bool   `json:"found"`
	Endpoint         string `json:"endpoint"`
	TransportProfile string `json:"transport_profile"`
	DocumentTypes    []struct {
		Identifier string `json:"identifier"`
		Process    string `json:"process"`
	} `json:"document_types"`
}

type certificateResponse struct {
	Subject   string    `json:"subject"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
}

type apiResponse struct {
	status int
	body   []byte
}

func (c *CommercialConnector) SendInvoice(ctx context.Context, req transmission.Request) (*transmission.Result, error) {
	sender, receiver, err := req.Validate()
	if err != nil {
		return nil, err
	}

	payload := submissionRequest{
		LegalEntityID: req.Metadata.LegalEntityID,
		DocumentType:  string(req.Metadata.DocumentType),
		Sender:        sender.String(),
		Receiver:      receiver.String(),
		Document: submissionDocument{
			Encoding: "base64",
			MimeType: "application/xml",
			Content:  base64.StdEncoding.EncodeToString(req.Document),
		},
	}

	var attempts int
	resp, err := retry.DoWithResult(ctx, c.policy, func(ctx context.Context, attempt int) (*apiResponse, error) {
		attempts = attempt
		return c.call(ctx, "submit document", http.MethodPost, "/api/v2/document_submissions", nil, payload)
	})
	if err != nil {
		c.logger.Error().Err(err).Int("attempts", attempts).Str("receiver", receiver.String()).Msg("document submission failed")
		return nil, err
	}

	switch resp.status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		res := transmission.Rejected(config.ProviderCommercial, "", apiErrorMessage(resp.body), c.now())
		res.Attempts = attempts
		c.logger.Warn().Str("reason", res.RejectionReason).Msg("document submission rejected")
		return res, nil
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	default:
		return nil, fmt.Errorf("submit document: unexpected status %d", resp.status)
	}

	res, err := c.decodeSubmission(resp.body)
	if err != nil {
		return nil, err
	}
	res.Attempts = attempts

	c.logger.Info().
		Str("message_id", res.MessageID).
		Str("status", string(res.Status)).
		Int("attempts", attempts).
		Msg("document submitted")

	return res, nil
}

func (c *CommercialConnector) GetStatus(ctx context.Context, messageID string) (*transmission.Result, error) {
	guid, ok := strings.CutPrefix(messageID, commercialIDPrefix)
	if !ok || guid == "" {
		return nil, fmt.Errorf("message %q: %w", messageID, domainErrors.ErrNotFound)
	}

	resp, err := retry.DoWithResult(ctx, c.policy, func(ctx context.Context, _ int) (*apiResponse, error) {
		return c.call(ctx, "get status", http.MethodGet, "/api/v2/document_submissions/"+url.PathEscape(guid), nil, nil)
	})
	if err != nil {
		return nil, err
	}

	switch resp.status {
	case http.StatusOK:
		return c.decodeSubmission(resp.body)
	case http.StatusNotFound:
		return nil, fmt.Errorf("message %q: %w", messageID, domainErrors.ErrNotFound)
	}
	return nil, fmt.Errorf("get status: unexpected status %d", resp.status)
}

func (c *CommercialConnector) RegisterParticipant(ctx context.Context, reg participant.Registration) (*participant.RegistrationResult, error) {
	id, err := reg.Validate()
	if err != nil {
		return nil, err
	}
	if reg.LegalEntityID == "" {
		return nil, domainErrors.NewValidationError("legal_entity_id", "is required by the commercial access point")
	}

	body := identifierRequest{
		Superscheme: participant.IdentifierScheme,
		Scheme:      id.Scheme,
		Identifier:  id.Value,
		Name:        reg.Name,
		Country:     reg.Country,
	}
	for _, t := range reg.DocumentTypes {
		body.DocumentTypes = append(body.DocumentTypes, t.Identifier())
	}

	path := "/api/v2/legal_entities/" + url.PathEscape(reg.LegalEntityID) + "/peppol_identifiers"
	resp, err := c.call(ctx, "register participant", http.MethodPost, path, nil, body)
	if err != nil {
		return nil, err
	}

	switch resp.status {
	case http.StatusOK, http.StatusCreated:
	case http.StatusNotFound:
		return nil, fmt.Errorf("legal entity %q: %w", reg.LegalEntityID, domainErrors.ErrNotFound)
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusConflict:
		return nil, &domainErrors.RejectedError{Code: strconv.Itoa(resp.status), Reason: apiErrorMessage(resp.body)}
	default:
		return nil, fmt.Errorf("register participant: unexpected status %d", resp.status)
	}

	var out identifierResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("decode registration response: %w", err)
	}
	status := out.Status
	if status == "" {
		status = "registered"
	}

	c.logger.Info().Str("participant_id", id.String()).Msg("participant registered")

	return &participant.RegistrationResult{
		RegistrationID: commercialIDPrefix + strings.Trim(string(out.ID), `"`),
		ParticipantID:  id.String(),
		Status:         status,
		Provider:       config.ProviderCommercial,
	}, nil
}

func (c *CommercialConnector) LookupDirectory(ctx context.Context, participantID string) (*participant.DirectoryEntry, error) {
	id, err := participant.ParseID("participant_id", participantID)
	if err != nil {
		return nil, err
	}

	query := url.Values{"participant": {id.String()}}
	resp, err := c.call(ctx, "directory lookup", http.MethodGet, "/api/v2/discovery/receives", query, nil)
	if err != nil {
		return nil, err
	}

	entry := &participant.DirectoryEntry{ParticipantID: id.String()}
	switch resp.status {
	case http.StatusOK:
	case http.StatusNotFound:
		return entry, nil
	default:
		return nil, fmt.Errorf("directory lookup: unexpected status %d", resp.status)
	}

	var out discoveryResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("decode discovery response: %w", err)
	}

	entry.Found = out.Found
	entry.Endpoint = out.Endpoint
	entry.TransportProfile = out.TransportProfile
	for _, dt := range out.DocumentTypes {
		t, ok := document.Parse(dt.Identifier)
		if !ok {
			continue
		}
		entry.Capabilities = append(entry.Capabilities, participant.Capability{
			DocumentType: t,
			DocumentID:   dt.Identifier,
			ProcessID:    dt.Process,
		})
	}
	return entry, nil
}

func (c *CommercialConnector) ValidateCertificate(ctx context.Context) (*health.Certificate, error) {
	resp, err := c.call(ctx, "certificate", http.MethodGet, "/api/v2/certificate", nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, fmt.Errorf("certificate: unexpected status %d", resp.status)
	}

	var out certificateResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("decode certificate response: %w", err)
	}
	return health.Evaluate(out.Subject, out.NotBefore, out.NotAfter, c.now(), c.cfg.CertWarnDays), nil
}

func (c *CommercialConnector) HealthCheck(ctx context.Context) health.Status {
	start := time.Now()
	resp, err := c.call(ctx, "health", http.MethodGet, "/api/v2/health", nil, nil)
	latency := time.Since(start)
	if err != nil {
		return health.Unhealthy(config.ProviderCommercial, err, latency, c.now())
	}
	if resp.status < 200 || resp.status > 299 {
		return health.Unhealthy(config.ProviderCommercial, fmt.Errorf("health endpoint returned status %d", resp.status), latency, c.now())
	}
	return health.Status{
		Provider:  config.ProviderCommercial,
		Healthy:   true,
		Latency:   latency,
		CheckedAt: c.now(),
	}
}

func (c *CommercialConnector) HandleWebhook(raw []byte) webhook.Event {
	return normalizeCommercial(raw, c.now())
}

// call performs one HTTP exchange. Network failures, 5xx and 429 become
// transport errors, 401/403 ErrUnauthorized; other statuses are returned
// for the caller to interpret.
func (c *CommercialConnector) call(ctx context.Context, op, method, path string, query url.Values, in any) (*apiResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limiter: %w", op, err)
		}
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	ctx, cancel := attemptTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domainErrors.NewTransportError(op, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, domainErrors.NewTransportError(op, resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domainErrors.RateLimitError{Op: op, RetryAfter: parseRetryAfter(resp.Header.Get(headerRetryAfter), c.now())}
	case resp.StatusCode >= 500:
		return nil, domainErrors.NewTransportError(op, resp.StatusCode, errors.New(apiErrorMessage(data)))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s: %w", op, domainErrors.ErrUnauthorized)
	}

	return &apiResponse{status: resp.StatusCode, body: data}, nil
}

func (c *CommercialConnector) decodeSubmission(body []byte) (*transmission.Result, error) {
	var out submissionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode submission response: %w", err)
	}
	if out.GUID == "" {
		return nil, errors.New("decode submission response: missing guid")
	}

	at := c.now()
	if t, err := time.Parse(time.RFC3339Nano, out.UpdatedAt); err == nil {
		at = t
	}

	status, ok := transmission.ParseStatus(out.Status)
	if !ok {
		status = transmission.StatusQueued
	}
	messageID := commercialMessageID(out.GUID)

	if status == transmission.StatusRejected {
		reason := out.RejectionReason
		if reason == "" {
			reason = joinAPIErrors(out.Errors)
		}
		return transmission.Rejected(config.ProviderCommercial, messageID, reason, at), nil
	}

	return &transmission.Result{
		Success:   true,
		MessageID: messageID,
		Status:    status,
		Timestamp: at,
		Provider:  config.ProviderCommercial,
	}, nil
}

func commercialMessageID(guid string) string {
	return commercialIDPrefix + guid
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// apiErrorMessage extracts a human-readable reason from an error body.
func apiErrorMessage(body []byte) string {
	var out struct {
		Errors  []apiError `json:"errors"`
		Message string     `json:"message"`
		Error   string     `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err == nil {
		if msg := joinAPIErrors(out.Errors); msg != "" {
			return msg
		}
		if msg := firstNonEmpty(out.Message, out.Error); msg != "" {
			return msg
		}
	}

	msg := truncate(strings.TrimSpace(string(body)), 200)
	if msg == "" {
		msg = "no details provided"
	}
	return msg
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func joinAPIErrors(errs []apiError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		switch {
		case e.Field != "" && e.Message != "":
			parts = append(parts, e.Field+": "+e.Message)
		case e.Message != "":
			parts = append(parts, e.Message)
		case e.Code != "":
			parts = append(parts, e.Code)
		}
	}
	return strings.Join(parts, "; ")
}
