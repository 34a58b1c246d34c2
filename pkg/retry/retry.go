package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
)

// Config holds retry configuration. MaxAttempts counts every attempt,
// including the first one.
type Config struct {
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultConfig returns default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Decision is the outcome of evaluating a failed attempt.
type Decision struct {
	ShouldRetry bool
	Delay       time.Duration
	Attempt     int
}

// Classifier reports whether an error may be retried.
type Classifier func(err error) bool

// Timer abstracts the sleep between attempts.
type Timer interface {
	After(time.Duration) <-chan time.Time
}

// retryAfterHinter is implemented by errors that carry a server-provided wait.
type retryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// Policy applies exponential backoff with jitter to a unit of work.
// A Policy is safe for concurrent use.
type Policy struct {
	cfg       Config
	retryable Classifier
	timer     Timer
	onRetry   func(attempt int, err error, delay time.Duration)

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option configures a Policy.
type Option func(*Policy)

// WithClassifier sets the function deciding which errors are retryable.
func WithClassifier(c Classifier) Option {
	return func(p *Policy) {
		if c != nil {
			p.retryable = c
		}
	}
}

// WithRand injects the random source used for jitter.
func WithRand(r *rand.Rand) Option {
	return func(p *Policy) {
		if r != nil {
			p.rnd = r
		}
	}
}

// WithTimer replaces the real clock used to wait between attempts.
func WithTimer(t Timer) Option {
	return func(p *Policy) {
		p.timer = t
	}
}

// WithOnRetry registers a hook invoked before each wait.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(p *Policy) {
		p.onRetry = fn
	}
}

// New builds a Policy. Out-of-range values are clamped: at least one
// attempt, a multiplier of at least 1 and jitter within [0, 1].
func New(cfg Config, opts ...Option) *Policy {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}

	p := &Policy{
		cfg:       cfg,
		retryable: func(error) bool { return true },
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the normalized configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Backoff returns the wait after the given failed attempt (1-based):
// InitialDelay * Multiplier^(attempt-1), jittered, capped at MaxDelay.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.Multiplier, float64(attempt-1))

	if p.cfg.Jitter > 0 {
		p.mu.Lock()
		r := p.rnd.Float64()
		p.mu.Unlock()
		base *= 1 + p.cfg.Jitter*(2*r-1)
	}

	return p.capDelay(base)
}

func (p *Policy) capDelay(d float64) time.Duration {
	if d < 0 {
		return 0
	}
	if p.cfg.MaxDelay > 0 && d > float64(p.cfg.MaxDelay) {
		return p.cfg.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Decide reports whether a failed attempt should be followed by another
// one and how long to wait first. A server-provided Retry-After wins over
// the computed backoff but is still capped at MaxDelay.
func (p *Policy) Decide(attempt int, err error) Decision {
	d := Decision{Attempt: attempt}
	if err == nil || !p.retryable(err) || attempt >= int(p.cfg.MaxAttempts) {
		return d
	}

	d.ShouldRetry = true
	d.Delay = p.Backoff(attempt)

	var hint retryAfterHinter
	if errors.As(err, &hint) {
		if wait := hint.RetryAfterHint(); wait > 0 {
			d.Delay = p.capDelay(float64(wait))
		}
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// attempt budget is spent or ctx is done. fn receives the 1-based attempt
// number. The last error from fn is returned; on cancellation the context
// error is joined with it.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var (
		attempt int
		last    error
	)

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(p.cfg.MaxAttempts),
		// attempt is the one that just failed; retry-go's own counter is not
		// relied on for the backoff exponent.
		retry.DelayType(func(_ uint, err error, _ *retry.Config) time.Duration {
			d := p.Decide(attempt, err)
			if p.onRetry != nil {
				p.onRetry(attempt, err, d.Delay)
			}
			return d.Delay
		}),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && p.retryable(err)
		}),
		retry.LastErrorOnly(true),
	}
	if p.cfg.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(p.cfg.MaxDelay))
	}
	if p.timer != nil {
		opts = append(opts, retry.WithTimer(p.timer))
	}

	err := retry.Do(func() error {
		attempt++
		last = fn(ctx, attempt)
		return last
	}, opts...)
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if last == nil || errors.Is(last, ctxErr) {
			return ctxErr
		}
		return errors.Join(ctxErr, last)
	}
	if last != nil {
		return last
	}
	return err
}

// DoWithResult runs fn under p and returns its final result.
func DoWithResult[T any](ctx context.Context, p *Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		result, err = fn(ctx, attempt)
		return err
	})
	return result, err
}
