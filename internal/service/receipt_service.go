package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/event"
	"github.com/cassiomorais/apgateway/internal/domain/transmission"
	"github.com/cassiomorais/apgateway/internal/domain/webhook"
)

// ReceiptService folds relayed delivery and rejection webhooks into the
// receipt store, so status queries see asynchronous outcomes.
type ReceiptService struct {
	store  transmission.ReceiptStore
	logger zerolog.Logger
}

func NewReceiptService(store transmission.ReceiptStore, logger zerolog.Logger) *ReceiptService {
	return &ReceiptService{
		store:  store,
		logger: logger.With().Str("component", "receipt_service").Logger(),
	}
}

// Apply handles one webhook event from the stream. Events other than
// delivered or rejected, and events without a message id, are ignored.
// A terminal receipt is never overwritten.
func (s *ReceiptService) Apply(ctx context.Context, ev *event.Event) error {
	if ev.Type != event.WebhookReceived || ev.Key == "" {
		return nil
	}

	kind := webhook.Kind(stringField(ev.Payload, "kind"))
	var status transmission.Status
	switch kind {
	case webhook.KindDelivered:
		status = transmission.StatusDelivered
	case webhook.KindRejected:
		status = transmission.StatusRejected
	default:
		return nil
	}

	at := ev.OccurredAt
	if t, err := time.Parse(time.RFC3339Nano, stringField(ev.Payload, "occurred_at")); err == nil {
		at = t
	}

	res, err := s.store.Get(ctx, ev.Key)
	switch {
	case errors.Is(err, domainErrors.ErrNotFound):
		res = &transmission.Result{
			MessageID: ev.Key,
			Provider:  stringField(ev.Payload, "provider"),
		}
	case err != nil:
		return err
	case res.Status.IsTerminal():
		s.logger.Debug().Str("message_id", ev.Key).Str("status", string(res.Status)).Msg("receipt already final")
		return nil
	}

	res.Status = status
	res.Success = status == transmission.StatusDelivered
	res.Timestamp = at
	if status == transmission.StatusRejected {
		res.RejectionReason = stringField(ev.Payload, "reason")
	}

	if err := s.store.Save(ctx, res); err != nil {
		return err
	}
	s.logger.Info().Str("message_id", ev.Key).Str("status", string(status)).Msg("receipt updated from webhook")
	return nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
