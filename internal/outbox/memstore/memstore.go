// Package memstore provides an in-memory implementation of outbox.Store.
// Suitable for dev and tests; pending items are lost on restart.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/klaxon/internal/outbox"
)

// Store holds outbox items in insertion order.
type Store struct {
	mu     sync.Mutex
	items  []*outbox.Item
	nextID int64
	now    func() time.Time
}

// New initializes an empty Store.
func New() *Store {
	return &Store{now: time.Now}
}

// Enqueue appends a copy of the message.
func (s *Store) Enqueue(_ context.Context, topic string, payload []byte, qos byte, retain bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.items = append(s.items, &outbox.Item{
		ID:        s.nextID,
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		QoS:       qos,
		Retain:    retain,
		CreatedAt: s.now(),
	})
	return s.nextID, nil
}

// PeekOldest returns a copy of the first item.
func (s *Store) PeekOldest(_ context.Context) (*outbox.Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return nil, false, nil
	}
	cp := *s.items[0]
	cp.Payload = append([]byte(nil), cp.Payload...)
	return &cp, true, nil
}

// MarkAttempt increments the attempt counter of id.
func (s *Store) MarkAttempt(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.ID == id {
			it.Attempts++
			return nil
		}
	}
	return nil
}

// Delete removes id.
func (s *Store) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.items {
		if it.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return nil
		}
	}
	return nil
}

// Count returns the number of pending items.
func (s *Store) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}
