package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var errDocumentTooLarge = errors.New("document exceeds the size limit")

type errorMapping struct {
	err    error
	status int
	code   string
}

// Order matters: the first match wins.
var errorMappings = []errorMapping{
	{domainErrors.ErrNotFound, http.StatusNotFound, "not_found"},
	{domainErrors.ErrParticipantNotFound, http.StatusNotFound, "participant_not_found"},
	{domainErrors.ErrNoConnectorAvailable, http.StatusNotFound, "unknown_connector"},
	{domainErrors.ErrConnectorUnavailable, http.StatusServiceUnavailable, "connector_unavailable"},
	{domainErrors.ErrRegistrationInProgress, http.StatusConflict, "registration_in_progress"},
	{domainErrors.ErrDuplicateIdempotencyKey, http.StatusConflict, "duplicate_request"},
	{domainErrors.ErrCertificateMissing, http.StatusServiceUnavailable, "certificate_missing"},
	{domainErrors.ErrUnauthorized, http.StatusBadGateway, "provider_unauthorized"},
	{domainErrors.ErrRejected, http.StatusUnprocessableEntity, "rejected"},
	{domainErrors.ErrTransport, http.StatusBadGateway, "transport_error"},
	{errDocumentTooLarge, http.StatusRequestEntityTooLarge, "document_too_large"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var validationErr *domainErrors.ValidationError
	if errors.As(err, &validationErr) {
		resp.Code = "validation_error"
		resp.Field = validationErr.Field
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	var rateLimited *domainErrors.RateLimitError
	if errors.As(err, &rateLimited) {
		if rateLimited.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rateLimited.RetryAfter.Seconds()+0.5)))
		}
		resp.Code = "provider_rate_limited"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			resp.Code = m.code
			writeJSON(w, m.status, resp)
			return
		}
	}

	log.Error().Err(err).Msg("unhandled error in handler")
	resp.Code = "internal_error"
	resp.Error = "internal server error"
	writeJSON(w, http.StatusInternalServerError, resp)
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errDocumentTooLarge
		}
		return domainErrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			_, field, _ := strings.Cut(ve[0].Namespace(), ".")
			return domainErrors.NewValidationError(field, ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("body", err.Error())
	}
	return nil
}
