package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Lookup errors
	ErrNotFound            = errors.New("message not found")
	ErrParticipantNotFound = errors.New("participant not found")

	// Connector errors
	ErrNoConnectorAvailable = errors.New("no connector available")
	ErrConnectorUnavailable = errors.New("connector unavailable")
	ErrUnauthorized         = errors.New("provider rejected credentials")
	ErrCertificateMissing   = errors.New("client certificate not configured")
	ErrTransport            = errors.New("transport failure")
	ErrRejected             = errors.New("document rejected")

	// Registration errors
	ErrRegistrationInProgress = errors.New("registration already in progress")

	// Idempotency errors
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// TransportError is a network, timeout or provider-side (5xx) failure.
// It is the only retryable kind.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": transport failure"
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// NewTransportError creates a new transport error
func NewTransportError(op string, statusCode int, err error) *TransportError {
	return &TransportError{Op: op, StatusCode: statusCode, Err: err}
}

// RateLimitError is a throttled request. It counts as a transport failure
// and carries the provider's Retry-After, when one was sent.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Op)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrTransport
}

// RetryAfterHint lets the retry policy honour the provider's wait.
func (e *RateLimitError) RetryAfterHint() time.Duration {
	return e.RetryAfter
}

// RejectedError is a semantic refusal of a document by the provider or
// the receiving access point.
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("document rejected (%s): %s", e.Code, e.Reason)
	}
	return "document rejected: " + e.Reason
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// UnknownProviderWarning is logged when a connector config names a
// provider that does not exist and the sandbox is used instead.
type UnknownProviderWarning struct {
	Provider string
}

func (e *UnknownProviderWarning) Error() string {
	return fmt.Sprintf("unknown provider %q, falling back to sandbox", e.Provider)
}

// IsRetryable reports whether err is a transport failure.
func IsRetryable(err error) bool {
	return err != nil && errors.Is(err, ErrTransport)
}
