package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cassiomorais/apgateway/internal/domain/document"
	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/participant"
	"github.com/cassiomorais/apgateway/internal/domain/transmission"
	"github.com/cassiomorais/apgateway/internal/domain/webhook"
	"github.com/cassiomorais/apgateway/internal/infrastructure/config"
)

func newTestCommercial(t *testing.T, handler http.Handler) (*CommercialConnector, *instantTimer, *retryLog) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	deps, timer, log := testDeps()
	deps.HTTPClient = srv.Client()
	c, err := NewCommercialConnector(config.ConnectorConfig{
		ID:       "storecove",
		Provider: config.ProviderCommercial,
		BaseURL:  srv.URL,
		APIKey:   "secret",
		Timeout:  2 * time.Second,
		Retry:    testRetry(),
	}, deps)
	require.NoError(t, err)
	return c, timer, log
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewCommercialConnector_RequiresCredentials(t *testing.T) {
	_, err := NewCommercialConnector(config.ConnectorConfig{ID: "c", BaseURL: "https://ap.example"}, Deps{})
	assert.ErrorContains(t, err, "api_key")

	_, err = NewCommercialConnector(config.ConnectorConfig{ID: "c", APIKey: "k"}, Deps{})
	assert.ErrorContains(t, err, "base_url")
}

func TestCommercial_SendInvoice(t *testing.T) {
	var got submissionRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v2/document_submissions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusAccepted, map[string]any{"guid": "abc-123", "status": "sent"})
	})

	c, _, _ := newTestCommercial(t, mux)
	res, err := c.SendInvoice(context.Background(), validRequest())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "commercial:abc-123", res.MessageID)
	assert.Equal(t, transmission.StatusSent, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Sandbox)

	assert.Equal(t, "invoice", got.DocumentType)
	assert.Equal(t, "0195:T08GB0001A", got.Receiver)
	decoded, err := base64.StdEncoding.DecodeString(got.Document.Content)
	require.NoError(t, err)
	assert.Equal(t, validRequest().Document, decoded)
}

func TestCommercial_SendInvoice_RetriesTransientFailures(t *testing.T) {
	tests := []struct {
		name   string
		fail   func(w http.ResponseWriter)
		delays []time.Duration
	}{
		{
			name:   "server error",
			fail:   func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) },
			delays: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		},
		{
			name: "rate limited honours retry-after",
			fail: func(w http.ResponseWriter) {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			// capped by max delay
			delays: []time.Duration{50 * time.Millisecond, 50 * time.Millisecond},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c, timer, _ := newTestCommercial(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) < 3 {
					tt.fail(w)
					return
				}
				writeJSON(w, http.StatusCreated, map[string]any{"guid": "g-1", "status": "queued"})
			}))

			res, err := c.SendInvoice(context.Background(), validRequest())
			require.NoError(t, err)
			assert.Equal(t, 3, res.Attempts)
			assert.Equal(t, transmission.StatusQueued, res.Status)
			assert.Equal(t, int32(3), calls.Load())
			assert.Equal(t, tt.delays, timer.Delays())
		})
	}
}

func TestCommercial_SendInvoice_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	c, _, _ := newTestCommercial(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.SendInvoice(context.Background(), validRequest())
	require.Error(t, err)
	assert.True(t, domainErrors.IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCommercial_SendInvoice_Rejected(t *testing.T) {
	var calls atomic.Int32
	c, timer, _ := newTestCommercial(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"errors": []map[string]string{{"field": "document", "message": "invalid UBL"}},
		})
	}))

	res, err := c.SendInvoice(context.Background(), validRequest())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, transmission.StatusRejected, res.Status)
	assert.Equal(t, "document: invalid UBL", res.RejectionReason)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, timer.Delays())
}

func TestCommercial_SendInvoice_Unauthorized(t *testing.T) {
	var calls atomic.Int32
	c, _, _ := newTestCommercial(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.SendInvoice(context.Background(), validRequest())
	assert.ErrorIs(t, err, domainErrors.ErrUnauthorized)
	assert.False(t, domainErrors.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCommercial_GetStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v2/document_submissions/{guid}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("guid") {
		case "done":
			writeJSON(w, http.StatusOK, map[string]any{"guid": "done", "status": "delivered", "updated_at": "2026-03-01T10:00:00Z"})
		case "bad":
			writeJSON(w, http.StatusOK, map[string]any{"guid": "bad", "status": "rejected", "rejection_reason": "unknown receiver"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c, _, _ := newTestCommercial(t, mux)
	ctx := context.Background()

	res, err := c.GetStatus(ctx, "commercial:done")
	require.NoError(t, err)
	assert.Equal(t, transmission.StatusDelivered, res.Status)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), res.Timestamp)

	res, err = c.GetStatus(ctx, "commercial:bad")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "unknown receiver", res.RejectionReason)

	_, err = c.GetStatus(ctx, "commercial:missing")
	assert.ErrorIs(t, err, domainErrors.ErrNotFound)

	_, err = c.GetStatus(ctx, "sandbox-123")
	assert.ErrorIs(t, err, domainErrors.ErrNotFound)
}

func TestCommercial_LookupDirectory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v2/discovery/receives", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("participant") != "0195:T08GB0001A" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"found":             true,
			"endpoint":          "https://ap.example/as4",
			"transport_profile": TransportProfileAS4,
			"document_types": []map[string]string{
				{"identifier": document.Invoice.Identifier(), "process": document.BillingProcess},
				{"identifier": "urn:example:unsupported"},
			},
		})
	})
	c, _, _ := newTestCommercial(t, mux)

	entry, err := c.LookupDirectory(context.Background(), "0195:T08GB0001A")
	require.NoError(t, err)
	assert.True(t, entry.Found)
	assert.True(t, entry.Supports(document.Invoice))
	assert.False(t, entry.Supports(document.CreditNote))
	require.Len(t, entry.Capabilities, 1)
	assert.Equal(t, document.BillingProcess, entry.Capabilities[0].ProcessID)

	entry, err = c.LookupDirectory(context.Background(), "0088:0000000000000")
	require.NoError(t, err)
	assert.False(t, entry.Found)
}

func TestCommercial_RegisterParticipant(t *testing.T) {
	var got identifierRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v2/legal_entities/{id}/peppol_identifiers", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "404" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		if got.Identifier == "taken" {
			writeJSON(w, http.StatusConflict, map[string]string{"message": "identifier already registered"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": 991, "status": "active"})
	})
	c, _, _ := newTestCommercial(t, mux)
	ctx := context.Background()

	reg := participant.Registration{
		ParticipantID: "0088:7300010000001",
		LegalEntityID: "42",
		DocumentTypes: []document.Type{document.Invoice, document.CreditNote},
	}
	res, err := c.RegisterParticipant(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, "commercial:991", res.RegistrationID)
	assert.Equal(t, "active", res.Status)
	assert.Equal(t, participant.IdentifierScheme, got.Superscheme)
	assert.Equal(t, "0088", got.Scheme)
	assert.Len(t, got.DocumentTypes, 2)

	reg.ParticipantID = "0088:taken"
	_, err = c.RegisterParticipant(ctx, reg)
	assert.ErrorIs(t, err, domainErrors.ErrRejected)

	reg.LegalEntityID = "404"
	_, err = c.RegisterParticipant(ctx, reg)
	assert.ErrorIs(t, err, domainErrors.ErrNotFound)

	reg.LegalEntityID = ""
	_, err = c.RegisterParticipant(ctx, reg)
	assert.ErrorIs(t, err, domainErrors.ErrValidationFailed)
}

func TestCommercial_CertificateAndHealth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v2/certificate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"subject":    "CN=PSE000001",
			"not_before": fixedNow.AddDate(-1, 0, 0),
			"not_after":  fixedNow.AddDate(0, 0, 10),
		})
	})
	mux.HandleFunc("GET /api/v2/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	c, _, _ := newTestCommercial(t, mux)

	cert, err := c.ValidateCertificate(context.Background())
	require.NoError(t, err)
	assert.True(t, cert.Valid)
	assert.Equal(t, 10, cert.DaysUntilExpiry)
	assert.Equal(t, "certificate expires in 10 days", cert.Warning)

	st := c.HealthCheck(context.Background())
	assert.True(t, st.Healthy)
	assert.Empty(t, st.Error)
}

func TestCommercial_HealthCheckNeverFails(t *testing.T) {
	c, _, _ := newTestCommercial(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	st := c.HealthCheck(context.Background())
	assert.False(t, st.Healthy)
	assert.NotEmpty(t, st.Error)
	assert.Equal(t, config.ProviderCommercial, st.Provider)
}

func TestCommercial_HandleWebhook(t *testing.T) {
	c, _, _ := newTestCommercial(t, http.NotFoundHandler())

	tests := []struct {
		name   string
		raw    string
		kind   webhook.Kind
		id     string
		reason string
	}{
		{name: "sent", raw: `{"event":"document.sent","data":{"guid":"g1"}}`, kind: webhook.KindDelivered, id: "commercial:g1"},
		{name: "rejected", raw: `{"event":"document.rejected","data":{"guid":"g2","reason":"schematron"}}`, kind: webhook.KindRejected, id: "commercial:g2", reason: "schematron"},
		{name: "received", raw: `{"event":"document.received","data":{"guid":"g3"}}`, kind: webhook.KindReceived, id: "commercial:g3"},
		{name: "unmapped event", raw: `{"event":"legal_entity.updated"}`, kind: webhook.KindUnknown},
		{name: "not json", raw: `<xml/>`, kind: webhook.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := c.HandleWebhook([]byte(tt.raw))
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.id, ev.MessageID)
			assert.Equal(t, tt.reason, ev.Reason)
			assert.Equal(t, config.ProviderCommercial, ev.Provider)
			assert.NotNil(t, ev.Payload)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", fixedNow))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1", fixedNow))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", fixedNow))
	assert.Equal(t, 30*time.Second, parseRetryAfter(fixedNow.Add(30*time.Second).Format(http.TimeFormat), fixedNow))
}

func TestAPIErrorMessage_TruncatesOnRuneBoundary(t *testing.T) {
	// 199 ASCII bytes, then a two-byte rune straddling the limit
	body := strings.Repeat("x", 199) + "é" + strings.Repeat("y", 50)

	msg := apiErrorMessage([]byte(body))
	assert.True(t, utf8.ValidString(msg))
	assert.Equal(t, strings.Repeat("x", 199), msg)

	assert.Equal(t, "Ablehnung: ungültig", apiErrorMessage([]byte("  Ablehnung: ungültig  ")))
	assert.Equal(t, "no details provided", apiErrorMessage(nil))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "", truncate("€", 2))
}
