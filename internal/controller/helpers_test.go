package controller

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
)

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		payload      any
		expectedBody string
	}{
		{
			name:         "simple map",
			status:       http.StatusOK,
			payload:      map[string]string{"message": "hello"},
			expectedBody: `{"message":"hello"}`,
		},
		{
			name:         "error response",
			status:       http.StatusBadRequest,
			payload:      ErrorResponse{Error: "bad request", Code: "invalid_input"},
			expectedBody: `{"error":"bad request","code":"invalid_input"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeJSON(w, tt.status, tt.payload)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.expectedBody, w.Body.String())
		})
	}
}

func TestWriteError_ValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, domainErrors.NewValidationError("metadata.receiver_id", "must be scheme:value"))

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "validation_error", response.Code)
	assert.Equal(t, "metadata.receiver_id", response.Field)
}

func TestWriteError_DomainErrors(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{"message not found", domainErrors.ErrNotFound, http.StatusNotFound, "not_found"},
		{"participant not found", domainErrors.ErrParticipantNotFound, http.StatusNotFound, "participant_not_found"},
		{"unknown connector", fmt.Errorf("%w: %q", domainErrors.ErrNoConnectorAvailable, "x"), http.StatusNotFound, "unknown_connector"},
		{"breaker open", fmt.Errorf("%w: primary", domainErrors.ErrConnectorUnavailable), http.StatusServiceUnavailable, "connector_unavailable"},
		{"registration in progress", domainErrors.ErrRegistrationInProgress, http.StatusConflict, "registration_in_progress"},
		{"duplicate idempotency key", domainErrors.ErrDuplicateIdempotencyKey, http.StatusConflict, "duplicate_request"},
		{"certificate missing", domainErrors.ErrCertificateMissing, http.StatusServiceUnavailable, "certificate_missing"},
		{"provider unauthorized", domainErrors.ErrUnauthorized, http.StatusBadGateway, "provider_unauthorized"},
		{"rejected", &domainErrors.RejectedError{Reason: "bad VAT"}, http.StatusUnprocessableEntity, "rejected"},
		{"transport", domainErrors.NewTransportError("send", 503, nil), http.StatusBadGateway, "transport_error"},
		{"document too large", errDocumentTooLarge, http.StatusRequestEntityTooLarge, "document_too_large"},
		{"unmapped error", errors.New("smp answered 418"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, tt.err)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedCode, response.Code)
		})
	}
}

func TestWriteError_RateLimitedSetsRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, &domainErrors.RateLimitError{Op: "send", RetryAfter: 30 * time.Second})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "provider_rate_limited")
}

func TestWriteError_UnknownError_FallbackToInternalServerError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, errors.New("unexpected error"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "internal_error", response.Code)
	assert.Equal(t, "internal server error", response.Error)
}

func TestDecodeAndValidate(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"invalid JSON", `{invalid json}`, "body"},
		{"empty body", ``, "body"},
		{"missing document", `{"metadata":{"document_type":"invoice","sender_id":"a","receiver_id":"b"}}`, "document"},
		{"document not base64", `{"document":"***","metadata":{"document_type":"invoice","sender_id":"a","receiver_id":"b"}}`, "document"},
		{"nested field uses json name", `{"document":"PEludm9pY2UvPg==","metadata":{"document_type":"invoice","receiver_id":"b"}}`, "metadata.sender_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(tt.body))

			var dst SendTransmissionRequest
			err := decodeAndValidate(req, &dst)

			var validationErr *domainErrors.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.wantField, validationErr.Field)
		})
	}
}

func TestDecodeAndValidate_Success(t *testing.T) {
	body := `{"participant_id":"0088:7300010000001","country":"GB","document_types":["invoice"]}`
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewReader([]byte(body)))

	var dst RegisterParticipantRequest
	require.NoError(t, decodeAndValidate(req, &dst))
	assert.Equal(t, []string{"invoice"}, dst.DocumentTypes)
}

func TestDecodeAndValidate_BodyTooLarge(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{"document":"`+strings.Repeat("A", 128)+`"}`))
	req.Body = http.MaxBytesReader(w, req.Body, 16)

	var dst SendTransmissionRequest
	assert.ErrorIs(t, decodeAndValidate(req, &dst), errDocumentTooLarge)
}
