package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("connection reset")
	errPermanent = errors.New("bad request")
)

func transientOnly(err error) bool {
	return errors.Is(err, errTransient)
}

type recordingTimer struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (t *recordingTimer) After(d time.Duration) <-chan time.Time {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (t *recordingTimer) recorded() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}

type retryAfterErr struct {
	wait time.Duration
}

func (e retryAfterErr) Error() string                { return "slow down" }
func (e retryAfterErr) RetryAfterHint() time.Duration { return e.wait }

func noJitter() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestNew_ClampsConfig(t *testing.T) {
	p := New(Config{MaxAttempts: 0, Multiplier: 0.5, Jitter: 3})

	cfg := p.Config()
	assert.Equal(t, uint(1), cfg.MaxAttempts)
	assert.Equal(t, 1.0, cfg.Multiplier)
	assert.Equal(t, 1.0, cfg.Jitter)
}

func TestPolicy_Backoff_Exponential(t *testing.T) {
	p := New(noJitter())

	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(4), "capped at MaxDelay")
	assert.Equal(t, 500*time.Millisecond, p.Backoff(10))
}

func TestPolicy_Backoff_JitterWithinBounds(t *testing.T) {
	cfg := noJitter()
	cfg.Jitter = 0.2
	cfg.MaxDelay = time.Hour
	p := New(cfg, WithRand(rand.New(rand.NewSource(7))))

	for attempt := 1; attempt <= 6; attempt++ {
		base := float64(100*time.Millisecond) * float64(int(1)<<(attempt-1))
		for i := 0; i < 50; i++ {
			d := p.Backoff(attempt)
			assert.GreaterOrEqual(t, float64(d), base*0.8-1)
			assert.LessOrEqual(t, float64(d), base*1.2+1)
		}
	}
}

func TestPolicy_Backoff_SeededIsDeterministic(t *testing.T) {
	cfg := noJitter()
	cfg.Jitter = 0.2
	a := New(cfg, WithRand(rand.New(rand.NewSource(42))))
	b := New(cfg, WithRand(rand.New(rand.NewSource(42))))

	for attempt := 1; attempt <= 4; attempt++ {
		assert.Equal(t, a.Backoff(attempt), b.Backoff(attempt))
	}
}

func TestPolicy_Decide(t *testing.T) {
	p := New(Config{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
		WithClassifier(transientOnly))

	tests := []struct {
		name      string
		attempt   int
		err       error
		wantRetry bool
		wantDelay time.Duration
	}{
		{name: "success", attempt: 1, err: nil, wantRetry: false},
		{name: "permanent error", attempt: 1, err: errPermanent, wantRetry: false},
		{name: "first transient failure", attempt: 1, err: errTransient, wantRetry: true, wantDelay: 100 * time.Millisecond},
		{name: "second transient failure", attempt: 2, err: errTransient, wantRetry: true, wantDelay: 200 * time.Millisecond},
		{name: "budget spent", attempt: 3, err: errTransient, wantRetry: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.attempt, tt.err)
			assert.Equal(t, tt.wantRetry, d.ShouldRetry)
			assert.Equal(t, tt.attempt, d.Attempt)
			assert.Equal(t, tt.wantDelay, d.Delay)
		})
	}
}

func TestPolicy_Decide_RetryAfterHint(t *testing.T) {
	p := New(Config{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2})

	d := p.Decide(1, retryAfterErr{wait: 3 * time.Second})
	assert.True(t, d.ShouldRetry)
	assert.Equal(t, 3*time.Second, d.Delay)

	d = p.Decide(1, retryAfterErr{wait: time.Minute})
	assert.Equal(t, 10*time.Second, d.Delay)
}

func TestPolicy_Do_EventualSuccess(t *testing.T) {
	timer := &recordingTimer{}
	p := New(noJitter(), WithClassifier(transientOnly), WithTimer(timer))

	calls := 0
	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	delays := timer.recorded()
	require.Len(t, delays, 2)
	assert.LessOrEqual(t, delays[0], delays[1])
	for _, d := range delays {
		assert.LessOrEqual(t, d, 500*time.Millisecond)
	}
}

func TestPolicy_Do_NonRetryableStopsImmediately(t *testing.T) {
	timer := &recordingTimer{}
	p := New(noJitter(), WithClassifier(transientOnly), WithTimer(timer))

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errPermanent
	})

	assert.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, calls)
	assert.Empty(t, timer.recorded())
}

func TestPolicy_Do_ExhaustsAttemptBudget(t *testing.T) {
	timer := &recordingTimer{}
	cfg := noJitter()
	cfg.MaxAttempts = 3
	p := New(cfg, WithClassifier(transientOnly), WithTimer(timer))

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
	assert.Len(t, timer.recorded(), 2)
}

func TestPolicy_Do_OnRetryHook(t *testing.T) {
	var attempts []int
	p := New(noJitter(), WithClassifier(transientOnly), WithTimer(&recordingTimer{}),
		WithOnRetry(func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
			assert.ErrorIs(t, err, errTransient)
			assert.Positive(t, delay)
		}))

	_ = p.Do(context.Background(), func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return errTransient
		}
		return nil
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestPolicy_Do_WaitsFollowBackoff(t *testing.T) {
	timer := &recordingTimer{}
	p := New(Config{MaxAttempts: 4, InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
		WithClassifier(transientOnly), WithTimer(timer))

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{p.Backoff(1), p.Backoff(2), p.Backoff(3)}, timer.recorded())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, timer.recorded())
}

func TestPolicy_Do_LastRetryHonoursRetryAfter(t *testing.T) {
	timer := &recordingTimer{}
	p := New(Config{MaxAttempts: 2, InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
		WithClassifier(func(error) bool { return true }), WithTimer(timer))

	_ = p.Do(context.Background(), func(context.Context, int) error {
		return retryAfterErr{wait: 300 * time.Millisecond}
	})

	assert.Equal(t, []time.Duration{300 * time.Millisecond}, timer.recorded())
}

func TestPolicy_Do_CancelledContextIsNotRetried(t *testing.T) {
	p := New(noJitter(), WithClassifier(transientOnly), WithTimer(&recordingTimer{}))
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := p.Do(ctx, func(context.Context, int) error {
		calls++
		cancel()
		return errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestPolicy_Do_CancelDuringWait(t *testing.T) {
	cfg := noJitter()
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	p := New(cfg, WithClassifier(transientOnly))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	calls := 0
	err := p.Do(ctx, func(context.Context, int) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDoWithResult(t *testing.T) {
	p := New(noJitter(), WithClassifier(transientOnly), WithTimer(&recordingTimer{}))

	got, err := DoWithResult(context.Background(), p, func(_ context.Context, attempt int) (string, error) {
		if attempt == 1 {
			return "", errTransient
		}
		return "receipt", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "receipt", got)
}
