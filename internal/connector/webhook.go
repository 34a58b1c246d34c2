package connector

import (
	"time"

	"github.com/cassiomorais/apgateway/internal/domain/webhook"
	"github.com/cassiomorais/apgateway/internal/infrastructure/config"
)

// Commercial AP event vocabulary. "document.sent" is emitted once the
// receiving access point acknowledged the AS4 message.
var commercialKinds = map[string]webhook.Kind{
	"document.sent":      webhook.KindDelivered,
	"document.delivered": webhook.KindDelivered,
	"document.rejected":  webhook.KindRejected,
	"document.received":  webhook.KindReceived,
}

// AS4 signal vocabulary forwarded by the inbound message handler.
var directKinds = map[string]webhook.Kind{
	"Receipt":     webhook.KindDelivered,
	"Error":       webhook.KindRejected,
	"UserMessage": webhook.KindReceived,
}

var sandboxKinds = map[string]webhook.Kind{
	"delivered": webhook.KindDelivered,
	"rejected":  webhook.KindRejected,
	"received":  webhook.KindReceived,
}

func normalizeCommercial(raw []byte, receivedAt time.Time) webhook.Event {
	payload, ok := webhook.Decode(raw)
	ev := webhook.Unknown(config.ProviderCommercial, payload, receivedAt)
	if !ok {
		return ev
	}

	if guid := webhook.String(payload, "data.guid"); guid != "" {
		ev.MessageID = commercialMessageID(guid)
	}
	ev.OccurredAt = webhook.Time(payload, "occurred_at", receivedAt)
	if kind, known := commercialKinds[webhook.String(payload, "event")]; known {
		ev.Kind = kind
	}
	if ev.Kind == webhook.KindRejected {
		ev.Reason = firstNonEmpty(
			webhook.String(payload, "data.reason"),
			webhook.String(payload, "data.error.message"),
		)
	}
	return ev
}

func normalizeDirect(raw []byte, receivedAt time.Time) webhook.Event {
	payload, ok := webhook.Decode(raw)
	ev := webhook.Unknown(config.ProviderDirect, payload, receivedAt)
	if !ok {
		return ev
	}

	signal := webhook.String(payload, "signal")
	ev.OccurredAt = webhook.Time(payload, "timestamp", receivedAt)
	if signal == "UserMessage" {
		ev.MessageID = webhook.String(payload, "messageId")
	} else {
		ev.MessageID = webhook.String(payload, "refToMessageId")
	}
	if kind, known := directKinds[signal]; known {
		ev.Kind = kind
	}
	if ev.Kind == webhook.KindRejected {
		ev.Reason = firstNonEmpty(
			webhook.String(payload, "errorDetail"),
			webhook.String(payload, "shortDescription"),
			webhook.String(payload, "errorCode"),
		)
	}
	return ev
}

func normalizeSandbox(raw []byte, receivedAt time.Time) webhook.Event {
	payload, ok := webhook.Decode(raw)
	ev := webhook.Unknown(config.ProviderSandbox, payload, receivedAt)
	if !ok {
		return ev
	}

	ev.MessageID = webhook.String(payload, "message_id")
	ev.OccurredAt = webhook.Time(payload, "occurred_at", receivedAt)
	if kind, known := sandboxKinds[webhook.String(payload, "kind")]; known {
		ev.Kind = kind
	}
	if ev.Kind == webhook.KindRejected {
		ev.Reason = webhook.String(payload, "reason")
	}
	return ev
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
