package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cassiomorais/apgateway/internal/connector"
	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/event"
	"github.com/cassiomorais/apgateway/internal/domain/transmission"
	"github.com/cassiomorais/apgateway/internal/testutil"
)

func webhookEvent(kind, messageID, reason string) *event.Event {
	return event.New(event.WebhookReceived, messageID, "primary", map[string]any{
		"kind":        kind,
		"message_id":  messageID,
		"provider":    "commercial",
		"reason":      reason,
		"occurred_at": "2026-03-14T12:00:05Z",
	}, time.Now())
}

func TestReceiptService_Apply(t *testing.T) {
	store := connector.NewMemoryReceiptStore()
	svc := NewReceiptService(store, nopLogger)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &transmission.Result{
		Success:   true,
		MessageID: "m-1",
		Status:    transmission.StatusSent,
		Provider:  "commercial",
	}))

	require.NoError(t, svc.Apply(ctx, webhookEvent("delivered", "m-1", "")))
	got, err := store.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, transmission.StatusDelivered, got.Status)
	assert.True(t, got.Success)
	assert.Equal(t, time.Date(2026, 3, 14, 12, 0, 5, 0, time.UTC), got.Timestamp.UTC())

	// terminal receipts stay as they are
	require.NoError(t, svc.Apply(ctx, webhookEvent("rejected", "m-1", "too late")))
	got, err = store.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, transmission.StatusDelivered, got.Status)
	assert.Empty(t, got.RejectionReason)
}

func TestReceiptService_ApplyCreatesMissingReceipt(t *testing.T) {
	store := connector.NewMemoryReceiptStore()
	svc := NewReceiptService(store, nopLogger)
	ctx := context.Background()

	require.NoError(t, svc.Apply(ctx, webhookEvent("rejected", "m-2", "invalid VAT number")))

	got, err := store.Get(ctx, "m-2")
	require.NoError(t, err)
	assert.Equal(t, transmission.StatusRejected, got.Status)
	assert.False(t, got.Success)
	assert.Equal(t, "invalid VAT number", got.RejectionReason)
	assert.Equal(t, "commercial", got.Provider)
}

func TestReceiptService_ApplyIgnoresOtherEvents(t *testing.T) {
	store := connector.NewMemoryReceiptStore()
	svc := NewReceiptService(store, nopLogger)
	ctx := context.Background()

	require.NoError(t, svc.Apply(ctx, webhookEvent("received", "m-3", "")))
	require.NoError(t, svc.Apply(ctx, webhookEvent("unknown", "m-3", "")))
	require.NoError(t, svc.Apply(ctx, webhookEvent("delivered", "", "")))
	require.NoError(t, svc.Apply(ctx, event.New(event.TransmissionSent, "m-3", "primary", nil, time.Now())))

	_, err := store.Get(ctx, "m-3")
	assert.ErrorIs(t, err, domainErrors.ErrNotFound)
}

func TestReceiptService_WebhookRoundTrip(t *testing.T) {
	store := connector.NewMemoryReceiptStore()
	pub := testutil.NewMockEventPublisher()
	ingest := NewWebhookService(testutil.NewRegistry(testutil.NewSandboxConnector("sandbox")), pub, testMetrics(), webhookStream, nopLogger)
	receipts := NewReceiptService(store, nopLogger)
	ctx := context.Background()

	_, err := ingest.Ingest(ctx, "sandbox", []byte(`{"kind":"delivered","message_id":"sandbox-9"}`))
	require.NoError(t, err)

	for _, ev := range pub.Events(webhookStream) {
		require.NoError(t, receipts.Apply(ctx, ev))
	}

	got, err := store.Get(ctx, "sandbox-9")
	require.NoError(t, err)
	assert.Equal(t, transmission.StatusDelivered, got.Status)
	assert.Equal(t, "sandbox", got.Provider)
}
