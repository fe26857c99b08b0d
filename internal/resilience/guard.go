package resilience

import "context"

// Guard is a composed call decorator around a dependency.
type Guard func(ctx context.Context, op func(ctx context.Context) error) error

// Compose layers the wrappers as bulkhead -> retry -> breaker -> op. Every
// attempt is a breaker-visible outcome, an open breaker stops the retry loop
// immediately (ErrBreakerOpen is not transient), and the retries of one
// logical call stay inside a single bulkhead slot. Any wrapper may be nil.
func Compose(bh *Bulkhead, b *Breaker, r *Retry) Guard {
	return func(ctx context.Context, op func(ctx context.Context) error) error {
		call := op
		if b != nil {
			inner := call
			call = func(ctx context.Context) error {
				return b.Do(ctx, inner)
			}
		}
		if r != nil {
			inner := call
			call = func(ctx context.Context) error {
				return r.Do(ctx, inner)
			}
		}
		if bh != nil {
			inner := call
			call = func(ctx context.Context) error {
				return bh.Do(ctx, inner)
			}
		}
		return call(ctx)
	}
}
