package transmission

import (
	"context"
	"time"

	"github.com/cassiomorais/apgateway/internal/domain/document"
	"github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/participant"
)

// Status is the lifecycle state of a transmitted document.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRejected  Status = "rejected"
)

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusRejected
}

// ParseStatus maps a provider status string onto Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusQueued, StatusSent, StatusDelivered, StatusRejected:
		return Status(s), true
	}
	return "", false
}

// Metadata describes a document being sent.
type Metadata struct {
	DocumentType  document.Type
	SenderID      string
	ReceiverID    string
	LegalEntityID string
}

// Request is an outbound transmission. Document is opaque UBL.
type Request struct {
	Document []byte
	Metadata Metadata
}

// Validate checks the request and returns the parsed sender and receiver.
func (r Request) Validate() (sender, receiver participant.ID, err error) {
	if len(r.Document) == 0 {
		return sender, receiver, errors.NewValidationError("document", "is required")
	}
	if !r.Metadata.DocumentType.Valid() {
		return sender, receiver, errors.NewValidationError("metadata.document_type", "must be invoice or credit_note")
	}
	if sender, err = participant.ParseID("metadata.sender_id", r.Metadata.SenderID); err != nil {
		return sender, receiver, err
	}
	if receiver, err = participant.ParseID("metadata.receiver_id", r.Metadata.ReceiverID); err != nil {
		return sender, receiver, err
	}
	return sender, receiver, nil
}

// Result is the canonical outcome of a send or status query. MessageID is
// the durable handle for later status queries and webhook correlation.
type Result struct {
	Success         bool      `json:"success"`
	MessageID       string    `json:"message_id"`
	Status          Status    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	Provider        string    `json:"provider"`
	Attempts        int       `json:"attempts,omitempty"`
	Sandbox         bool      `json:"sandbox,omitempty"`
}

// Rejected builds an unsuccessful result for a semantic refusal.
func Rejected(provider, messageID, reason string, at time.Time) *Result {
	return &Result{
		Success:         false,
		MessageID:       messageID,
		Status:          StatusRejected,
		Timestamp:       at,
		RejectionReason: reason,
		Provider:        provider,
	}
}

// ReceiptStore keeps the latest known result per message id for
// connectors whose network has no status endpoint.
type ReceiptStore interface {
	// Save stores or replaces the result under its MessageID
	Save(ctx context.Context, result *Result) error

	// Get returns errors.ErrNotFound for unknown ids
	Get(ctx context.Context, messageID string) (*Result, error)
}
