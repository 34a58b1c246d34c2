package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/event"
	"github.com/cassiomorais/apgateway/internal/domain/health"
	"github.com/cassiomorais/apgateway/internal/domain/participant"
	"github.com/cassiomorais/apgateway/internal/domain/transmission"
	"github.com/cassiomorais/apgateway/internal/domain/webhook"
	"github.com/cassiomorais/apgateway/internal/repository/postgres"
)

// --- Event Publisher Mock ---

// MockEventPublisher records published events per stream.
type MockEventPublisher struct {
	mu     sync.Mutex
	events map[string][]*event.Event

	PublishFunc func(ctx context.Context, stream string, ev *event.Event) error
}

func NewMockEventPublisher() *MockEventPublisher {
	return &MockEventPublisher{events: make(map[string][]*event.Event)}
}

func (m *MockEventPublisher) Publish(ctx context.Context, stream string, ev *event.Event) error {
	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, stream, ev); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[stream] = append(m.events[stream], ev)
	return nil
}

// Events returns a copy of what was published to stream.
func (m *MockEventPublisher) Events(stream string) []*event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*event.Event(nil), m.events[stream]...)
}

// --- Locker Mock ---

// MockLocker is an in-process Locker. Keys stay held until released.
type MockLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	Acquired []string

	AcquireFunc func(ctx context.Context, key string, ttl time.Duration) error
}

func NewMockLocker() *MockLocker {
	return &MockLocker{held: make(map[string]bool)}
}

func (m *MockLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if m.AcquireFunc != nil {
		if err := m.AcquireFunc(ctx, key, ttl); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, fmt.Errorf("%w: %s", domainErrors.ErrLockAcquisitionFailed, key)
	}
	m.held[key] = true
	m.Acquired = append(m.Acquired, key)

	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.held[key] {
			return domainErrors.ErrLockNotHeld
		}
		delete(m.held, key)
		return nil
	}, nil
}

// Held reports whether key is currently locked.
func (m *MockLocker) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[key]
}

// --- Idempotency Store Mock ---

// MockIdempotencyStore mirrors the repository semantics in memory.
type MockIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]*postgres.IdempotencyRecord

	GetFunc func(ctx context.Context, key string) (*postgres.IdempotencyRecord, error)
}

func NewMockIdempotencyStore() *MockIdempotencyStore {
	return &MockIdempotencyStore{records: make(map[string]*postgres.IdempotencyRecord)}
}

func (m *MockIdempotencyStore) Get(ctx context.Context, key string) (*postgres.IdempotencyRecord, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || !rec.ExpiresAt.After(time.Now()) {
		return nil, domainErrors.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MockIdempotencyStore) Save(_ context.Context, rec *postgres.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.records[rec.Key]; ok && old.ExpiresAt.After(time.Now()) && old.Fingerprint != rec.Fingerprint {
		return domainErrors.ErrDuplicateIdempotencyKey
	}
	cp := *rec
	m.records[rec.Key] = &cp
	return nil
}

// Len returns the number of stored records.
func (m *MockIdempotencyStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// --- Connector Mock ---

// MockConnector implements connector.Connector with overridable behaviour.
// Unset funcs succeed with canned sandbox-like answers.
type MockConnector struct {
	IDValue       string
	ProviderValue string

	SendFunc        func(ctx context.Context, req transmission.Request) (*transmission.Result, error)
	StatusFunc      func(ctx context.Context, messageID string) (*transmission.Result, error)
	RegisterFunc    func(ctx context.Context, reg participant.Registration) (*participant.RegistrationResult, error)
	LookupFunc      func(ctx context.Context, participantID string) (*participant.DirectoryEntry, error)
	CertificateFunc func(ctx context.Context) (*health.Certificate, error)
	HealthFunc      func(ctx context.Context) health.Status
	WebhookFunc     func(raw []byte) webhook.Event

	mu    sync.Mutex
	calls map[string]int
}

func NewMockConnector(id string) *MockConnector {
	return &MockConnector{IDValue: id, ProviderValue: "mock", calls: make(map[string]int)}
}

func (m *MockConnector) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[op]++
}

// Calls returns how often op was invoked.
func (m *MockConnector) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MockConnector) ID() string       { return m.IDValue }
func (m *MockConnector) Provider() string { return m.ProviderValue }

func (m *MockConnector) SendInvoice(ctx context.Context, req transmission.Request) (*transmission.Result, error) {
	m.record("send")
	if m.SendFunc != nil {
		return m.SendFunc(ctx, req)
	}
	if _, _, err := req.Validate(); err != nil {
		return nil, err
	}
	return &transmission.Result{
		Success:   true,
		MessageID: m.IDValue + ":msg-1",
		Status:    transmission.StatusSent,
		Timestamp: time.Now().UTC(),
		Provider:  m.ProviderValue,
		Attempts:  1,
	}, nil
}

func (m *MockConnector) GetStatus(ctx context.Context, messageID string) (*transmission.Result, error) {
	m.record("status")
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, messageID)
	}
	return nil, domainErrors.ErrNotFound
}

func (m *MockConnector) RegisterParticipant(ctx context.Context, reg participant.Registration) (*participant.RegistrationResult, error) {
	m.record("register")
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, reg)
	}
	id, err := reg.Validate()
	if err != nil {
		return nil, err
	}
	return &participant.RegistrationResult{
		RegistrationID: "reg-" + id.Value,
		ParticipantID:  id.String(),
		Status:         "registered",
		Provider:       m.ProviderValue,
	}, nil
}

func (m *MockConnector) LookupDirectory(ctx context.Context, participantID string) (*participant.DirectoryEntry, error) {
	m.record("lookup")
	if m.LookupFunc != nil {
		return m.LookupFunc(ctx, participantID)
	}
	return &participant.DirectoryEntry{ParticipantID: participantID, Found: false}, nil
}

func (m *MockConnector) ValidateCertificate(ctx context.Context) (*health.Certificate, error) {
	m.record("certificate")
	if m.CertificateFunc != nil {
		return m.CertificateFunc(ctx)
	}
	now := time.Now()
	return health.Evaluate("CN=mock", now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0), now, 30), nil
}

func (m *MockConnector) HealthCheck(ctx context.Context) health.Status {
	m.record("health")
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return health.Status{Provider: m.ProviderValue, Healthy: true, CheckedAt: time.Now()}
}

func (m *MockConnector) HandleWebhook(raw []byte) webhook.Event {
	m.record("webhook")
	if m.WebhookFunc != nil {
		return m.WebhookFunc(raw)
	}
	payload, _ := webhook.Decode(raw)
	return webhook.Unknown(m.ProviderValue, payload, time.Now())
}
