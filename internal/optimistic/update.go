package optimistic

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrVersionConflict is returned once every retry lost the version race.
	ErrVersionConflict = errors.New("optimistic update conflict")

	ErrNotFound = errors.New("row not found")
)

// Target is a versioned row that supports a conditional write. Apply must
// update the row only where the stored version still equals expectedVersion,
// incrementing the version and touching updated_at in the same statement,
// and report whether a row matched.
type Target[T any] interface {
	Fetch(ctx context.Context, id string) (T, int64, error)
	Apply(ctx context.Context, id string, next T, expectedVersion int64) (bool, error)
}

type Config struct {
	MaxRetries int
	// BaseDelay grows linearly per lost race. Zero means no sleep.
	BaseDelay time.Duration
}

// Update runs a compare-and-swap loop: read the current row and version,
// compute the next value, write it conditionally on the version, and retry
// from a fresh read when another writer won the race.
func Update[T any](ctx context.Context, target Target[T], id string, compute func(current T) (T, error), cfg Config) (T, error) {
	var zero T

	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 && cfg.BaseDelay > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(cfg.BaseDelay * time.Duration(attempt)):
			}
		}

		current, version, err := target.Fetch(ctx, id)
		if err != nil {
			return zero, err
		}

		next, err := compute(current)
		if err != nil {
			return zero, err
		}

		applied, err := target.Apply(ctx, id, next, version)
		if err != nil {
			return zero, err
		}
		if applied {
			return next, nil
		}
	}

	return zero, fmt.Errorf("update %s: %w", id, ErrVersionConflict)
}
