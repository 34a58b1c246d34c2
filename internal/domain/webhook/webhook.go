package webhook

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// Kind is the provider-neutral classification of an inbound event.
type Kind string

const (
	KindDelivered Kind = "delivered"
	KindRejected  Kind = "rejected"
	KindReceived  Kind = "received"
	KindUnknown   Kind = "unknown"
)

// Event is a normalized webhook notification. Payload always holds the
// decoded body; bodies that are not JSON objects are kept under "raw".
type Event struct {
	Kind       Kind           `json:"kind"`
	MessageID  string         `json:"message_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Provider   string         `json:"provider"`
	Reason     string         `json:"reason,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// Decode parses raw as a JSON object. ok is false when it is not one, in
// which case the returned payload wraps the raw text. Numbers are kept as
// json.Number so numeric identifiers survive intact.
func Decode(raw []byte) (payload map[string]any, ok bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return map[string]any{"raw": string(raw)}, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return map[string]any{"raw": string(raw)}, false
	}
	return payload, true
}

// Unknown builds an unclassified event around payload.
func Unknown(provider string, payload map[string]any, receivedAt time.Time) Event {
	return Event{
		Kind:       KindUnknown,
		OccurredAt: receivedAt,
		Provider:   provider,
		Payload:    payload,
	}
}

// String returns the string at path (dot separated), or "".
func String(payload map[string]any, path string) string {
	v, ok := lookup(payload, path)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	}
	return ""
}

// Time returns the RFC 3339 timestamp at path, or fallback.
func Time(payload map[string]any, path string, fallback time.Time) time.Time {
	s := String(payload, path)
	if s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return fallback
}

func lookup(payload map[string]any, path string) (any, bool) {
	var cur any = payload
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}
