package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/invoicing-service/internal/kv"
)

// CachedResponse is the replayable outcome of one completed request.
// Entries are written once on the first 2xx completion and never updated.
type CachedResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body"`
}

const (
	lockSuffix       = ":lock"
	processingMarker = "processing"
)

// Store keeps response cache entries and short-lived processing locks in a
// key-value backend, only through its atomic conditional operations.
type Store struct {
	kv       kv.Store
	cacheTTL time.Duration
	lockTTL  time.Duration
}

func NewStore(backend kv.Store, cacheTTL, lockTTL time.Duration) *Store {
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &Store{kv: backend, cacheTTL: cacheTTL, lockTTL: lockTTL}
}

// CacheKey scopes an idempotency key to one method+path, so the same client
// key used against two endpoints never collides.
func CacheKey(method, path, key string) string {
	return "idem:" + method + ":" + path + ":" + key
}

// Lookup returns the cached response for cacheKey, or nil when none exists.
func (s *Store) Lookup(ctx context.Context, cacheKey string) (*CachedResponse, error) {
	raw, err := s.kv.Get(ctx, cacheKey)
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup %s: %w", cacheKey, err)
	}

	var cached CachedResponse
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return nil, fmt.Errorf("decode cached response %s: %w", cacheKey, err)
	}
	return &cached, nil
}

func (s *Store) Save(ctx context.Context, cacheKey string, resp *CachedResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response %s: %w", cacheKey, err)
	}
	return s.kv.Set(ctx, cacheKey, string(raw), s.cacheTTL)
}

// TryLock takes the short-lived processing lock for cacheKey. False means a
// request with the same key is already in flight.
func (s *Store) TryLock(ctx context.Context, cacheKey string) (bool, error) {
	return s.kv.SetNX(ctx, cacheKey+lockSuffix, processingMarker, s.lockTTL)
}

func (s *Store) Unlock(ctx context.Context, cacheKey string) error {
	return s.kv.Delete(ctx, cacheKey+lockSuffix)
}

// Invalidate removes a cached entry so an operator can force reprocessing.
func (s *Store) Invalidate(ctx context.Context, method, path, key string) error {
	return s.kv.Delete(ctx, CacheKey(method, path, key))
}
