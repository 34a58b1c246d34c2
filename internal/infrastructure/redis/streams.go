package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cassiomorais/apgateway/internal/domain/event"
)

// Stream entry fields.
const (
	fieldID        = "id"
	fieldType      = "event_type"
	fieldKey       = "key"
	fieldConnector = "connector"
	fieldPayload   = "payload"
	fieldTimestamp = "timestamp"
)

var errMalformedEntry = errors.New("malformed stream entry")

// StreamPublisher appends events to Redis streams.
type StreamPublisher struct {
	client *redis.Client
	maxLen int64
}

// NewStreamPublisher creates a publisher. A positive maxLen caps every
// stream approximately at that many entries.
func NewStreamPublisher(client *redis.Client, maxLen int64) *StreamPublisher {
	return &StreamPublisher{client: client, maxLen: maxLen}
}

func (p *StreamPublisher) Publish(ctx context.Context, stream string, ev *event.Event) error {
	values, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{Stream: stream, Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
	}
	return nil
}

func encodeEvent(ev *event.Event) (map[string]any, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return map[string]any{
		fieldID:        ev.ID.String(),
		fieldType:      string(ev.Type),
		fieldKey:       ev.Key,
		fieldConnector: ev.Connector,
		fieldPayload:   string(payload),
		fieldTimestamp: ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// DecodeEvent rebuilds an event from a stream entry.
func DecodeEvent(msg redis.XMessage) (*event.Event, error) {
	str := func(field string) string {
		s, _ := msg.Values[field].(string)
		return s
	}

	ev := &event.Event{
		Type:      event.Type(str(fieldType)),
		Key:       str(fieldKey),
		Connector: str(fieldConnector),
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w %s: missing %s", errMalformedEntry, msg.ID, fieldType)
	}

	id, err := uuid.Parse(str(fieldID))
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", errMalformedEntry, msg.ID, err)
	}
	ev.ID = id

	if ts := str(fieldTimestamp); ts != "" {
		if ev.OccurredAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("%w %s: %v", errMalformedEntry, msg.ID, err)
		}
	}

	ev.Payload = map[string]any{}
	if raw := str(fieldPayload); raw != "" {
		if err := json.Unmarshal([]byte(raw), &ev.Payload); err != nil {
			return nil, fmt.Errorf("%w %s: %v", errMalformedEntry, msg.ID, err)
		}
	}
	return ev, nil
}

// Handler processes one event. A returned error leaves the entry pending.
type Handler func(ctx context.Context, ev *event.Event) error

type StreamConsumer struct {
	client        *redis.Client
	stream        string
	group         string
	consumer      string
	batchSize     int64
	blockDuration time.Duration
	logger        zerolog.Logger
}

func NewStreamConsumer(
	client *redis.Client,
	stream string,
	group string,
	consumer string,
	batchSize int64,
	blockDuration time.Duration,
	logger zerolog.Logger,
) *StreamConsumer {
	return &StreamConsumer{
		client:        client,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		batchSize:     batchSize,
		blockDuration: blockDuration,
		logger:        logger.With().Str("stream", stream).Str("group", group).Logger(),
	}
}

func (c *StreamConsumer) CreateGroup(ctx context.Context) error {
	const busyGroupMsg = "BUSYGROUP"
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), busyGroupMsg) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Read fetches new entries, or this consumer's unacknowledged ones when
// pending is set.
func (c *StreamConsumer) Read(ctx context.Context, pending bool) ([]redis.XMessage, error) {
	start := ">"
	if pending {
		start = "0"
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, start},
		Count:    c.batchSize,
		Block:    c.blockDuration,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []redis.XMessage
	for _, s := range streams {
		messages = append(messages, s.Messages...)
	}
	return messages, nil
}

func (c *StreamConsumer) Ack(ctx context.Context, messageID string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, messageID).Err(); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Run consumes the stream until ctx is done. Entries left pending by an
// earlier run are replayed once first. Malformed entries are acked and
// dropped.
func (c *StreamConsumer) Run(ctx context.Context, handle Handler) error {
	if err := c.CreateGroup(ctx); err != nil {
		return err
	}

	pending := true
	for ctx.Err() == nil {
		messages, err := c.Read(ctx, pending)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error().Err(err).Msg("stream read failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		pending = false

		for _, msg := range messages {
			c.process(ctx, msg, handle)
		}
	}
	return nil
}

// Entries are acked even when ctx was cancelled during the handler.
func (c *StreamConsumer) process(ctx context.Context, msg redis.XMessage, handle Handler) {
	ackCtx := context.WithoutCancel(ctx)

	ev, err := DecodeEvent(msg)
	if err != nil {
		c.logger.Warn().Err(err).Str("entry_id", msg.ID).Msg("dropping malformed entry")
		if err := c.Ack(ackCtx, msg.ID); err != nil {
			c.logger.Error().Err(err).Str("entry_id", msg.ID).Msg("ack failed")
		}
		return
	}

	if err := handle(ctx, ev); err != nil {
		c.logger.Error().Err(err).
			Str("entry_id", msg.ID).
			Str("event_type", string(ev.Type)).
			Msg("event handler failed, entry left pending")
		return
	}

	if err := c.Ack(ackCtx, msg.ID); err != nil {
		c.logger.Error().Err(err).Str("entry_id", msg.ID).Msg("ack failed")
	}
}
