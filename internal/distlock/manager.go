package distlock

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/invoicing-service/internal/kv"
)

// ErrLockNotAcquired is returned by WithLock when the quorum could not be
// reached within the configured attempts.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock is a held quorum lock. The token is the exclusive proof of ownership;
// release and extend are conditional on it.
type Lock struct {
	Resource   string
	Token      string
	Validity   time.Duration
	AcquiredAt time.Time
}

// Manager implements quorum locking over N independent key-value stores.
//
// The guarantee is best-effort: a holder whose process pauses longer than the
// lock TTL can overlap with the next holder. Callers that need stronger
// guarantees must fence on the application side.
type Manager struct {
	stores     []kv.Store
	attempts   int
	retryDelay time.Duration
	logger     *log.Logger

	nowFunc func() time.Time
}

type Option func(*Manager)

// WithAttempts overrides the number of acquisition attempts.
func WithAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.attempts = n
		}
	}
}

// WithRetryDelay overrides the base delay between acquisition attempts.
// The delay doubles per attempt.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retryDelay = d
		}
	}
}

func NewManager(stores []kv.Store, logger *log.Logger, opts ...Option) *Manager {
	m := &Manager{
		stores:     stores,
		attempts:   3,
		retryDelay: 50 * time.Millisecond,
		logger:     logger,
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) quorum() int {
	return len(m.stores)/2 + 1
}

// driftMargin estimates clock drift across stores: 1% of the TTL plus 2ms.
func driftMargin(ttl time.Duration) time.Duration {
	return ttl/100 + 2*time.Millisecond
}

// Acquire attempts to take the lock on resource. It returns (nil, nil) when
// the lock could not be acquired; callers choose whether to fail fast or
// queue. An error is returned only for unexpected infrastructure failures
// that made the attempt itself impossible.
func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	delay := m.retryDelay

	for attempt := 0; attempt < m.attempts; attempt++ {
		token := uuid.NewString()
		start := m.nowFunc()

		acquired := m.setAll(ctx, resource, token, ttl)
		elapsed := m.nowFunc().Sub(start)
		validity := ttl - elapsed - driftMargin(ttl)

		if acquired >= m.quorum() && validity > 0 {
			return &Lock{
				Resource:   resource,
				Token:      token,
				Validity:   validity,
				AcquiredAt: start,
			}, nil
		}

		// Not enough stores accepted, or too much time burned: undo the
		// partial acquisition before anyone else observes it.
		m.releaseAll(ctx, resource, token)

		if attempt < m.attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return nil, nil
}

// Release drops the lock on every store, conditional on the held token.
// True means a quorum of stores confirmed the delete. A true result does not
// prove the lock was still exclusively held if its validity had already
// expired.
func (m *Manager) Release(ctx context.Context, lock *Lock) bool {
	if lock == nil {
		return false
	}
	ok := m.eachQuorum(ctx, func(ctx context.Context, s kv.Store) (bool, error) {
		return s.CompareAndDelete(ctx, lock.Resource, lock.Token)
	})
	if !ok {
		m.logger.Printf("distlock: release below quorum resource=%s", lock.Resource)
	}
	return ok
}

// Extend resets the TTL on every store, conditional on the held token.
func (m *Manager) Extend(ctx context.Context, lock *Lock, ttl time.Duration) bool {
	if lock == nil {
		return false
	}
	ok := m.eachQuorum(ctx, func(ctx context.Context, s kv.Store) (bool, error) {
		return s.CompareAndExpire(ctx, lock.Resource, lock.Token, ttl)
	})
	if ok {
		lock.Validity = ttl - driftMargin(ttl)
		lock.AcquiredAt = m.nowFunc()
	}
	return ok
}

// WithLock runs fn while holding the lock and releases it on every exit path,
// including a panic inside fn. It returns ErrLockNotAcquired when the lock
// could not be taken.
func (m *Manager) WithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := m.Acquire(ctx, resource, ttl)
	if err != nil {
		return err
	}
	if lock == nil {
		return ErrLockNotAcquired
	}
	defer m.Release(ctx, lock)

	return fn(ctx)
}

// setAll issues SetNX to every store in parallel and returns how many accepted.
func (m *Manager) setAll(ctx context.Context, resource, token string, ttl time.Duration) int {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
	)

	for _, s := range m.stores {
		wg.Add(1)
		go func(s kv.Store) {
			defer wg.Done()
			ok, err := s.SetNX(ctx, resource, token, ttl)
			if err != nil {
				m.logger.Printf("distlock: setnx resource=%s err=%v", resource, err)
				return
			}
			if ok {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	return acquired
}

// releaseAll is the best-effort cleanup after a failed acquisition.
func (m *Manager) releaseAll(ctx context.Context, resource, token string) {
	var wg sync.WaitGroup
	for _, s := range m.stores {
		wg.Add(1)
		go func(s kv.Store) {
			defer wg.Done()
			if _, err := s.CompareAndDelete(ctx, resource, token); err != nil {
				m.logger.Printf("distlock: cleanup resource=%s err=%v", resource, err)
			}
		}(s)
	}
	wg.Wait()
}

func (m *Manager) eachQuorum(ctx context.Context, op func(ctx context.Context, s kv.Store) (bool, error)) bool {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		n  int
	)

	for _, s := range m.stores {
		wg.Add(1)
		go func(s kv.Store) {
			defer wg.Done()
			ok, err := op(ctx, s)
			if err != nil {
				m.logger.Printf("distlock: store op err=%v", err)
				return
			}
			if ok {
				mu.Lock()
				n++
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	return n >= m.quorum()
}
