package kv

import (
	"context"
	"errors"
	"time"
)

var ErrKeyNotFound = errors.New("key not found")

// Store is the contract the lock and idempotency layers need from a
// key-value backend. Conditional operations must be atomic on the server
// side; callers never do a plain read-then-write through this interface.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX sets the key only if it does not exist. Returns true when the
	// value was written.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error

	// CompareAndDelete removes the key only if its current value equals value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	// CompareAndExpire resets the key's TTL only if its current value equals value.
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}
