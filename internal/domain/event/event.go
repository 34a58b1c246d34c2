package event

import (
	"time"

	"github.com/google/uuid"
)

// Type names an event published to the gateway streams.
type Type string

const (
	TransmissionSent     Type = "transmission.sent"
	TransmissionRejected Type = "transmission.rejected"
	WebhookReceived      Type = "webhook.received"
	CertificateExpiring  Type = "certificate.expiring"
	CertificateInvalid   Type = "certificate.invalid"
	ConnectorUnhealthy   Type = "connector.unhealthy"
)

// Event is one entry on a stream. Key correlates it with the message,
// participant or connector it is about.
type Event struct {
	ID         uuid.UUID
	Type       Type
	Key        string
	Connector  string
	Payload    map[string]any
	OccurredAt time.Time
}

func New(t Type, key, connector string, payload map[string]any, at time.Time) *Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		ID:         uuid.New(),
		Type:       t,
		Key:        key,
		Connector:  connector,
		Payload:    payload,
		OccurredAt: at.UTC(),
	}
}
