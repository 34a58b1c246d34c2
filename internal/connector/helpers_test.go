package connector

import (
	"sync"
	"time"

	"github.com/cassiomorais/apgateway/internal/domain/document"
	"github.com/cassiomorais/apgateway/internal/domain/transmission"
	"github.com/cassiomorais/apgateway/internal/infrastructure/config"
)

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// instantTimer fires immediately and records every requested wait.
type instantTimer struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (t *instantTimer) After(d time.Duration) <-chan time.Time {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (t *instantTimer) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}

// retryLog collects OnRetry callbacks.
type retryLog struct {
	mu       sync.Mutex
	attempts []int
}

func (l *retryLog) record(_ string, attempt int, _ error, _ time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, attempt)
}

func (l *retryLog) Attempts() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.attempts...)
}

func testDeps() (Deps, *instantTimer, *retryLog) {
	timer := &instantTimer{}
	log := &retryLog{}
	return Deps{
		Timer:   timer,
		Now:     func() time.Time { return fixedNow },
		OnRetry: log.record,
	}, timer, log
}

func testRetry() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
		Jitter:       -1,
	}
}

func validRequest() transmission.Request {
	return transmission.Request{
		Document: []byte(`<Invoice xmlns="urn:oasis:names:specification:ubl:schema:xsd:Invoice-2"/>`),
		Metadata: transmission.Metadata{
			DocumentType: document.Invoice,
			SenderID:     "0088:7300010000001",
			ReceiverID:   "0195:T08GB0001A",
		},
	}
}
