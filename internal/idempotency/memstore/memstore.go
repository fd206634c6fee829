// Package memstore provides an in-memory idempotency.Backend. Suitable for
// dev and tests; records do not survive a restart.
package memstore

import (
	"context"
	"sync"
	"time"
)

// Store holds keys and their expiry in memory.
type Store struct {
	mu   sync.Mutex
	keys map[string]time.Time // key -> expires_at
}

// New initializes an empty Store.
func New() *Store {
	return &Store{keys: make(map[string]time.Time)}
}

// Insert adds key unless a live record exists.
func (s *Store) Insert(_ context.Context, key string, now, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.keys[key]; ok && !exp.Before(now) {
		return false, nil
	}
	s.keys[key] = expiresAt
	return true, nil
}

// Exists reports whether a live record exists for key.
func (s *Store) Exists(_ context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.keys[key]
	return ok && !exp.Before(now), nil
}

// Remove deletes key if present.
func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

// DeleteExpired removes all records with expiry before now.
func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, exp := range s.keys {
		if exp.Before(now) {
			delete(s.keys, k)
			n++
		}
	}
	return n, nil
}

// Count returns the number of records held.
func (s *Store) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys), nil
}
