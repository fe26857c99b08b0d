package resilience

import (
	"context"
	"errors"
)

// ErrBulkheadFull is returned when both the execution slots and the wait
// queue are exhausted.
var ErrBulkheadFull = errors.New("bulkhead full")

// Bulkhead caps concurrent executions against one dependency. Up to
// maxConcurrent calls run at once; up to maxQueue callers wait for a slot;
// anything beyond that is rejected immediately so a slow dependency cannot
// pile up unbounded work.
type Bulkhead struct {
	entries chan struct{}
	slots   chan struct{}
}

func NewBulkhead(maxConcurrent, maxQueue int) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	return &Bulkhead{
		entries: make(chan struct{}, maxConcurrent+maxQueue),
		slots:   make(chan struct{}, maxConcurrent),
	}
}

func (b *Bulkhead) Do(ctx context.Context, op func(ctx context.Context) error) error {
	select {
	case b.entries <- struct{}{}:
	default:
		return ErrBulkheadFull
	}
	defer func() { <-b.entries }()

	select {
	case b.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.slots }()

	return op(ctx)
}
