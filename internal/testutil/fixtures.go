package testutil

import (
	"github.com/cassiomorais/apgateway/internal/connector"
	"github.com/cassiomorais/apgateway/internal/domain/document"
	"github.com/cassiomorais/apgateway/internal/domain/participant"
	"github.com/cassiomorais/apgateway/internal/domain/transmission"
	"github.com/cassiomorais/apgateway/internal/infrastructure/config"
)

const (
	SenderID   = "0088:7300010000001"
	ReceiverID = "0195:T08GB0001A"
)

func NewInvoiceRequest() transmission.Request {
	return transmission.Request{
		Document: []byte(`<Invoice xmlns="urn:oasis:names:specification:ubl:schema:xsd:Invoice-2"/>`),
		Metadata: transmission.Metadata{
			DocumentType:  document.Invoice,
			SenderID:      SenderID,
			ReceiverID:    ReceiverID,
			LegalEntityID: "le-42",
		},
	}
}

func NewRegistration(participantID string) participant.Registration {
	return participant.Registration{
		ParticipantID: participantID,
		LegalEntityID: "le-42",
		Name:          "Acme Ltd",
		Country:       "GB",
		DocumentTypes: []document.Type{document.Invoice, document.CreditNote},
	}
}

// NewSandboxConnector returns a sandbox connector without latency or
// failures and with a single attempt.
func NewSandboxConnector(id string) *connector.SandboxConnector {
	return connector.NewSandboxConnector(config.ConnectorConfig{
		ID:       id,
		Provider: config.ProviderSandbox,
		Seed:     1,
		Retry:    config.RetryConfig{MaxAttempts: 1},
	}, connector.Deps{})
}

// NewRegistry registers cs in order; the first becomes the default.
func NewRegistry(cs ...connector.Connector) *connector.Registry {
	r := connector.NewRegistry()
	for _, c := range cs {
		r.Register(c)
	}
	return r
}
