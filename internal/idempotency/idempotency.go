// Package idempotency remembers processed alert keys for a retention window
// so the same event is never acted on twice. Storage is pluggable through
// Backend; Store adds the TTL arithmetic and fails closed when the backend
// cannot be reached.
package idempotency

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// Backend is the persistence interface for idempotency records. Insert must
// be atomic: with concurrent calls for the same key exactly one may report
// inserted=true. A record whose expiry is before now counts as absent and
// may be replaced by Insert.
type Backend interface {
	Insert(ctx context.Context, key string, now, expiresAt time.Time) (inserted bool, err error)
	Exists(ctx context.Context, key string, now time.Time) (bool, error)
	Remove(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Count(ctx context.Context) (int, error)
}

// Hooks receives store health transitions. Nil fields are skipped.
type Hooks struct {
	OnError    func(op string)
	OnDegraded func(degraded bool)
}

// Store is the idempotency window over a Backend.
type Store struct {
	backend  Backend
	ttl      time.Duration
	logger   log.Logger
	hooks    Hooks
	now      func() time.Time
	degraded atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithHooks installs metrics hooks.
func WithHooks(h Hooks) Option {
	return func(s *Store) { s.hooks = h }
}

// New returns a Store keeping keys for ttl.
func New(backend Backend, ttl time.Duration, logger log.Logger, opts ...Option) *Store {
	if backend == nil {
		panic(xerrors.New("idempotency backend is required"))
	}
	if ttl <= 0 {
		panic(xerrors.New("idempotency ttl must be positive"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Store{
		backend: backend,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddIfAbsent records key for the TTL window. It returns true only for the
// first sighting of a key inside the window. Backend failures return false:
// when uniqueness cannot be confirmed the event is not processed.
func (s *Store) AddIfAbsent(ctx context.Context, key string) bool {
	now := s.now()
	inserted, err := s.backend.Insert(ctx, key, now, now.Add(s.ttl))
	if err != nil {
		s.fail(ctx, "add", err, "key", key)
		return false
	}
	s.ok(ctx)
	return inserted
}

// Seen reports whether a live record exists for key. Backend failures
// report true, for the same reason AddIfAbsent reports false.
func (s *Store) Seen(ctx context.Context, key string) bool {
	found, err := s.backend.Exists(ctx, key, s.now())
	if err != nil {
		s.fail(ctx, "seen", err, "key", key)
		return true
	}
	s.ok(ctx)
	return found
}

// Release forgets key so a redelivery of the same event is processed again.
// It is used when the work guarded by AddIfAbsent could not be completed.
func (s *Store) Release(ctx context.Context, key string) {
	if err := s.backend.Remove(ctx, key); err != nil {
		s.fail(ctx, "release", err, "key", key)
		return
	}
	s.ok(ctx)
}

// GC deletes records that expired before now and returns how many went.
func (s *Store) GC(ctx context.Context, now time.Time) (int, error) {
	n, err := s.backend.DeleteExpired(ctx, now)
	if err != nil {
		s.fail(ctx, "gc", err)
		return 0, err
	}
	s.ok(ctx)
	return n, nil
}

// Count returns the number of stored records, expired or not.
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.backend.Count(ctx)
	if err != nil {
		s.fail(ctx, "count", err)
		return 0, err
	}
	return n, nil
}

// Degraded reports whether the last backend call failed.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// TTL returns the retention window.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

func (s *Store) fail(ctx context.Context, op string, err error, kv ...any) {
	if s.hooks.OnError != nil {
		s.hooks.OnError(op)
	}
	if !s.degraded.Swap(true) {
		s.logger.Warn(ctx, "idempotency store unavailable, failing closed", "op", op, "error", err)
		if s.hooks.OnDegraded != nil {
			s.hooks.OnDegraded(true)
		}
	}
	s.logger.Error(ctx, err, "idempotency store operation failed", append([]any{"op", op}, kv...)...)
}

func (s *Store) ok(ctx context.Context) {
	if s.degraded.Swap(false) {
		s.logger.Info(ctx, "idempotency store recovered")
		if s.hooks.OnDegraded != nil {
			s.hooks.OnDegraded(false)
		}
	}
}
