package connector

import (
	"context"
	"sync"

	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/transmission"
)

// MemoryReceiptStore is a process-local ReceiptStore.
type MemoryReceiptStore struct {
	mu       sync.RWMutex
	receipts map[string]transmission.Result
}

func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{receipts: make(map[string]transmission.Result)}
}

func (s *MemoryReceiptStore) Save(_ context.Context, result *transmission.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[result.MessageID] = *result
	return nil
}

func (s *MemoryReceiptStore) Get(_ context.Context, messageID string) (*transmission.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.receipts[messageID]
	if !ok {
		return nil, domainErrors.ErrNotFound
	}
	return &r, nil
}
