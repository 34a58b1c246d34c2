package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/transmission"
)

const receiptKeyPrefix = "einvoice:receipt:"

// ReceiptStore keeps transmission results as JSON strings that expire
// after ttl. A zero ttl keeps them forever.
type ReceiptStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewReceiptStore(client *redis.Client, ttl time.Duration) *ReceiptStore {
	return &ReceiptStore{client: client, ttl: ttl}
}

func (s *ReceiptStore) Save(ctx context.Context, result *transmission.Result) error {
	if result.MessageID == "" {
		return domainErrors.NewValidationError("message_id", "is required")
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}
	if err := s.client.Set(ctx, receiptKeyPrefix+result.MessageID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save receipt: %w", err)
	}
	return nil
}

func (s *ReceiptStore) Get(ctx context.Context, messageID string) (*transmission.Result, error) {
	data, err := s.client.Get(ctx, receiptKeyPrefix+messageID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domainErrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load receipt: %w", err)
	}

	var result transmission.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode receipt %s: %w", messageID, err)
	}
	return &result, nil
}
