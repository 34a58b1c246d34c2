package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/domain/health"
	"github.com/cassiomorais/apgateway/internal/domain/transmission"
	"github.com/cassiomorais/apgateway/internal/infrastructure/config"
)

const defaultHealthTimeout = 5 * time.Second

// Breaker guards the send path of one connector.
type Breaker = gobreaker.CircuitBreaker[*transmission.Result]

// Registry owns the configured connectors and their circuit breakers.
// Connectors may be added or removed while the registry is in use.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	breakers   map[string]*Breaker
	defaultID  string

	logger        zerolog.Logger
	breakerCfg    config.BreakerConfig
	healthTimeout time.Duration
	onStateChange func(name string, from, to gobreaker.State)
	now           func() time.Time
}

type RegistryOption func(*Registry)

func WithLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

func WithBreakerConfig(c config.BreakerConfig) RegistryOption {
	return func(r *Registry) { r.breakerCfg = c }
}

// WithHealthTimeout bounds HealthCheckAll as a whole.
func WithHealthTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.healthTimeout = d
		}
	}
}

// WithStateChange observes breaker transitions, e.g. for metrics.
func WithStateChange(fn func(name string, from, to gobreaker.State)) RegistryOption {
	return func(r *Registry) { r.onStateChange = fn }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		connectors:    make(map[string]Connector),
		breakers:      make(map[string]*Breaker),
		logger:        zerolog.Nop(),
		healthTimeout: defaultHealthTimeout,
		now:           time.Now,
		breakerCfg: config.BreakerConfig{
			MaxRequests:  5,
			Interval:     60 * time.Second,
			Timeout:      30 * time.Second,
			MinRequests:  10,
			FailureRatio: 0.6,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a connector. The first one becomes the default.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := c.ID()
	r.connectors[id] = c
	r.breakers[id] = r.newBreaker(id)
	if r.defaultID == "" {
		r.defaultID = id
	}
	r.logger.Info().Str("connector", id).Str("provider", c.Provider()).Msg("connector registered")
}

// Remove drops a connector. Removing the default clears it.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connectors[id]; !ok {
		return false
	}
	delete(r.connectors, id)
	delete(r.breakers, id)
	if r.defaultID == id {
		r.defaultID = ""
	}
	return true
}

func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connectors[id]; !ok {
		return fmt.Errorf("default connector %q: %w", id, domainErrors.ErrNoConnectorAvailable)
	}
	r.defaultID = id
	return nil
}

func (r *Registry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

func (r *Registry) Get(id string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	return c, ok
}

// GetConnector resolves id, falling back to the default when id is empty.
func (r *Registry) GetConnector(id string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == "" {
		id = r.defaultID
	}
	if c, ok := r.connectors[id]; ok {
		return c, nil
	}
	if id == "" {
		return nil, domainErrors.ErrNoConnectorAvailable
	}
	return nil, fmt.Errorf("connector %q: %w", id, domainErrors.ErrNoConnectorAvailable)
}

// Breaker returns the circuit breaker of a registered connector.
func (r *Registry) Breaker(id string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[id]
	return b, ok
}

// IDs lists registered connector ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.connectors))
	for id := range r.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) snapshot() map[string]Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Connector, len(r.connectors))
	for id, c := range r.connectors {
		out[id] = c
	}
	return out
}

type healthProbe struct {
	id     string
	status health.Status
}

// HealthCheckAll probes every connector concurrently. A panicking or slow
// connector only affects its own entry; the result always has one entry
// per registered connector.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]health.Status {
	connectors := r.snapshot()
	out := make(map[string]health.Status, len(connectors))
	if len(connectors) == 0 {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	results := make(chan healthProbe, len(connectors))
	for id, c := range connectors {
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error().Str("connector", id).Interface("panic", rec).Msg("health check panicked")
					results <- healthProbe{id: id, status: health.Unhealthy(safeProvider(c), fmt.Errorf("health check panicked: %v", rec), 0, r.now())}
				}
			}()
			results <- healthProbe{id: id, status: c.HealthCheck(ctx)}
		}()
	}

	for len(out) < len(connectors) {
		select {
		case p := <-results:
			out[p.id] = p.status
		case <-ctx.Done():
			now := r.now()
			for id, c := range connectors {
				if _, done := out[id]; done {
					continue
				}
				r.logger.Warn().Str("connector", id).Msg("health check timed out")
				out[id] = health.Unhealthy(safeProvider(c), errHealthTimeout, r.healthTimeout, now)
			}
			return out
		}
	}
	return out
}

var errHealthTimeout = errors.New("health check timed out")

func safeProvider(c Connector) (provider string) {
	defer func() {
		if recover() != nil {
			provider = "unknown"
		}
	}()
	return c.Provider()
}

// newBreaker trips on transport failures only. Rejections and validation
// errors count as successful calls.
func (r *Registry) newBreaker(id string) *Breaker {
	cfg := r.breakerCfg
	return gobreaker.NewCircuitBreaker[*transmission.Result](gobreaker.Settings{
		Name:        id,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !domainErrors.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn().Str("connector", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			if r.onStateChange != nil {
				r.onStateChange(name, from, to)
			}
		},
	})
}
