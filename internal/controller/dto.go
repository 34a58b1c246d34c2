package controller

import (
	"encoding/base64"

	"github.com/cassiomorais/apgateway/internal/domain/document"
	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/participant"
	"github.com/cassiomorais/apgateway/internal/domain/transmission"
)

// --- Request DTOs ---
// Documents travel base64 encoded; identifiers stay strings and are
// parsed by the domain types.

// MetadataRequest describes the document being sent.
type MetadataRequest struct {
	DocumentType  string `json:"document_type" validate:"required"`
	SenderID      string `json:"sender_id" validate:"required,max=100"`
	ReceiverID    string `json:"receiver_id" validate:"required,max=100"`
	LegalEntityID string `json:"legal_entity_id" validate:"max=100"`
}

// SendTransmissionRequest holds the input for sending a document.
type SendTransmissionRequest struct {
	Document string          `json:"document" validate:"required,base64"`
	Metadata MetadataRequest `json:"metadata"`
}

// RegisterParticipantRequest holds the input for registering a participant.
type RegisterParticipantRequest struct {
	ParticipantID string   `json:"participant_id" validate:"required,max=100"`
	LegalEntityID string   `json:"legal_entity_id" validate:"max=100"`
	Name          string   `json:"name" validate:"max=200"`
	Country       string   `json:"country" validate:"omitempty,len=2,alpha"`
	DocumentTypes []string `json:"document_types" validate:"required,min=1,dive,required"`
}

// --- Response DTOs ---

// ConnectorListResponse lists the registered connectors.
type ConnectorListResponse struct {
	Default    string `json:"default"`
	Connectors any    `json:"connectors"`
}

// ConnectorHealthResponse is the aggregated health of all connectors.
type ConnectorHealthResponse struct {
	Healthy    bool `json:"healthy"`
	Connectors any  `json:"connectors"`
}

// WebhookAcceptedResponse acknowledges a webhook.
type WebhookAcceptedResponse struct {
	Status    string `json:"status"`
	Kind      string `json:"kind,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// --- Conversion helpers ---

// toDomain decodes the document. Unknown document types are passed
// through so the connector reports them as a validation error.
func (r SendTransmissionRequest) toDomain(maxDocumentBytes int64) (transmission.Request, error) {
	doc, err := base64.StdEncoding.DecodeString(r.Document)
	if err != nil {
		return transmission.Request{}, domainErrors.NewValidationError("document", "must be base64 encoded")
	}
	if maxDocumentBytes > 0 && int64(len(doc)) > maxDocumentBytes {
		return transmission.Request{}, errDocumentTooLarge
	}

	docType, ok := document.Parse(r.Metadata.DocumentType)
	if !ok {
		docType = document.Type(r.Metadata.DocumentType)
	}

	return transmission.Request{
		Document: doc,
		Metadata: transmission.Metadata{
			DocumentType:  docType,
			SenderID:      r.Metadata.SenderID,
			ReceiverID:    r.Metadata.ReceiverID,
			LegalEntityID: r.Metadata.LegalEntityID,
		},
	}, nil
}

func (r RegisterParticipantRequest) toDomain() participant.Registration {
	reg := participant.Registration{
		ParticipantID: r.ParticipantID,
		LegalEntityID: r.LegalEntityID,
		Name:          r.Name,
		Country:       r.Country,
	}
	for _, s := range r.DocumentTypes {
		t, ok := document.Parse(s)
		if !ok {
			t = document.Type(s)
		}
		reg.DocumentTypes = append(reg.DocumentTypes, t)
	}
	return reg
}
