package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as a transient infrastructure failure, making it
// eligible for retry and for circuit-breaker accounting.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err belongs to the retryable failure class:
// explicitly marked errors, timeouts, refused connections and DNS failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var marked *transientError
	if errors.As(err, &marked) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// TransientStatus reports whether an HTTP status code from a collaborator
// should be treated as transient: request timeout, throttling and 5xx.
func TransientStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout:
		return true
	case code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}

type Retry struct {
	// MaxAttempts is the total number of tries, including the first one.
	MaxAttempts int

	// BaseDelay is the delay before the first retry; it grows by Factor per
	// attempt, capped at MaxDelay, with up to 50% random jitter added.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
}

func NewRetry(maxAttempts int, base, cap time.Duration) *Retry {
	return &Retry{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		MaxDelay:    cap,
		Factor:      2,
	}
}

// Do runs op, retrying transient failures with jittered exponential backoff.
// Non-transient errors propagate immediately.
func (r *Retry) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.delay(attempt - 1)):
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err)
}

func (r *Retry) delay(attempt int) time.Duration {
	base := r.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	factor := r.Factor
	if factor <= 1 {
		factor = 2
	}

	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= factor
	}
	if max := float64(r.MaxDelay); max > 0 && d > max {
		d = max
	}

	// up to 50% jitter so synchronized retries fan out
	jitter := rand.Int63n(int64(d)/2 + 1)
	return time.Duration(int64(d) + jitter)
}
