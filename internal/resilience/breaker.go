package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while the breaker rejects calls without
// invoking the dependency.
var ErrBreakerOpen = errors.New("circuit breaker open")

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	// Name identifies the guarded dependency in logs and state-change events.
	Name string

	// CallTimeout bounds each call through the breaker. Zero disables it.
	CallTimeout time.Duration

	// FailureThreshold opens the breaker once this many failures land in the
	// rolling window.
	FailureThreshold int

	// FailureRate opens the breaker when the failure fraction in the window
	// exceeds it, once MinRequests outcomes were observed.
	FailureRate float64

	// MinRequests is the minimum sample size before FailureRate applies.
	MinRequests int

	// Window is the rolling window over which outcomes are counted.
	Window time.Duration

	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open trial call.
	ResetTimeout time.Duration

	// OnStateChange is invoked on every transition. Optional.
	OnStateChange func(name string, from, to BreakerState)

	// Fallback, when set, is invoked instead of returning ErrBreakerOpen.
	Fallback func(ctx context.Context, err error) error
}

// Breaker is a per-dependency circuit breaker:
// closed -> open on failures, open -> half-open after ResetTimeout,
// half-open -> closed on a successful trial, back to open on a failed one.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	successes []time.Time
	failures  []time.Time
	openedAt  time.Time
	trialing  bool

	nowFunc func() time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = 0.5
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		cfg:     cfg,
		state:   StateClosed,
		nowFunc: time.Now,
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs op through the breaker. While open it fails fast; only errors that
// IsTransient reports as infrastructure failures count against the breaker,
// so business errors (declines, conflicts) never trip it.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		if b.cfg.Fallback != nil {
			return b.cfg.Fallback(ctx, err)
		}
		return err
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err := op(callCtx)
	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.nowFunc().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrBreakerOpen
		}
		b.transition(StateHalfOpen)
		b.trialing = true
		return nil
	case StateHalfOpen:
		if b.trialing {
			// one trial call at a time
			return ErrBreakerOpen
		}
		b.trialing = true
		return nil
	}
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil && IsTransient(err)
	now := b.nowFunc()

	if b.state == StateHalfOpen {
		b.trialing = false
		if failed {
			b.openedAt = now
			b.transition(StateOpen)
		} else if err == nil {
			b.successes = nil
			b.failures = nil
			b.transition(StateClosed)
		}
		return
	}

	if failed {
		b.failures = append(b.failures, now)
	} else {
		b.successes = append(b.successes, now)
	}
	b.prune(now)

	if b.state == StateClosed && b.shouldOpen() {
		b.openedAt = now
		b.transition(StateOpen)
	}
}

func (b *Breaker) shouldOpen() bool {
	fails := len(b.failures)
	if fails >= b.cfg.FailureThreshold {
		return true
	}
	total := fails + len(b.successes)
	if total >= b.cfg.MinRequests && float64(fails)/float64(total) > b.cfg.FailureRate {
		return true
	}
	return false
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	b.failures = pruneBefore(b.failures, cutoff)
	b.successes = pruneBefore(b.successes, cutoff)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
