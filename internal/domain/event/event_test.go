package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	at := time.Date(2026, 3, 14, 13, 0, 0, 0, time.FixedZone("CET", 3600))
	payload := map[string]any{"status": "delivered"}

	ev := New(TransmissionSent, "commercial:abc", "primary", payload, at)

	require.NotNil(t, ev)
	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.Equal(t, TransmissionSent, ev.Type)
	assert.Equal(t, "commercial:abc", ev.Key)
	assert.Equal(t, "primary", ev.Connector)
	assert.Equal(t, payload, ev.Payload)
	assert.Equal(t, time.UTC, ev.OccurredAt.Location())
	assert.True(t, ev.OccurredAt.Equal(at))
}

func TestNew_NilPayload(t *testing.T) {
	ev := New(ConnectorUnhealthy, "direct", "direct", nil, time.Now())
	assert.NotNil(t, ev.Payload)
	assert.Empty(t, ev.Payload)
}

func TestNew_UniqueIDs(t *testing.T) {
	a := New(WebhookReceived, "k", "c", nil, time.Now())
	b := New(WebhookReceived, "k", "c", nil, time.Now())
	assert.NotEqual(t, a.ID, b.ID)
}
