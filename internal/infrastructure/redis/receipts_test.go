package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/transmission"
)

func TestReceiptStore_RoundTrip(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewReceiptStore(client, time.Hour)
	ctx := context.Background()

	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	in := &transmission.Result{
		Success:   true,
		MessageID: "b3a1@apgateway",
		Status:    transmission.StatusDelivered,
		Timestamp: at,
		Provider:  "direct",
		Attempts:  2,
	}
	require.NoError(t, store.Save(ctx, in))
	assert.Equal(t, time.Hour, mr.TTL(receiptKeyPrefix+"b3a1@apgateway"))

	out, err := store.Get(ctx, "b3a1@apgateway")
	require.NoError(t, err)
	assert.Equal(t, in.MessageID, out.MessageID)
	assert.Equal(t, in.Status, out.Status)
	assert.True(t, out.Timestamp.Equal(at))
	assert.Equal(t, 2, out.Attempts)

	mr.FastForward(2 * time.Hour)
	_, err = store.Get(ctx, "b3a1@apgateway")
	assert.ErrorIs(t, err, domainErrors.ErrNotFound)
}

func TestReceiptStore_Errors(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewReceiptStore(client, 0)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, domainErrors.ErrNotFound)

	err = store.Save(ctx, &transmission.Result{})
	assert.ErrorIs(t, err, domainErrors.ErrValidationFailed)

	require.NoError(t, mr.Set(receiptKeyPrefix+"garbled", "{not json"))
	_, err = store.Get(ctx, "garbled")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domainErrors.ErrNotFound)
}
