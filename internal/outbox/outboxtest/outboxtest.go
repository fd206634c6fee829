// Package outboxtest holds the behavioural suite every outbox.Store must
// pass. Store packages call Run from their own tests.
package outboxtest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/linnemanlabs/klaxon/internal/outbox"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) outbox.Store

// Run exercises the store returned by newStore against the Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("EmptyPeek", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.PeekOldest(context.Background())
		mustNoErr(t, err)
		if ok {
			t.Fatal("PeekOldest on empty outbox returned an item")
		}
		n, err := s.Count(context.Background())
		mustNoErr(t, err)
		if n != 0 {
			t.Fatalf("Count = %d, want 0", n)
		}
	})

	t.Run("FIFO", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, name := range []string{"A", "B", "C"} {
			_, err := s.Enqueue(ctx, "t/"+name, []byte(name), 1, false)
			mustNoErr(t, err)
		}

		var got []string
		for {
			it, ok, err := s.PeekOldest(ctx)
			mustNoErr(t, err)
			if !ok {
				break
			}
			got = append(got, string(it.Payload))
			mustNoErr(t, s.Delete(ctx, it.ID))
		}
		if fmt.Sprint(got) != "[A B C]" {
			t.Fatalf("drain order = %v, want [A B C]", got)
		}
	})

	t.Run("FieldsRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		payload := []byte{0x00, 0x01, 0xff, '{', '}'}
		id, err := s.Enqueue(ctx, "klaxon/alerts/severe", payload, 2, true)
		mustNoErr(t, err)

		it, ok, err := s.PeekOldest(ctx)
		mustNoErr(t, err)
		if !ok {
			t.Fatal("expected an item")
		}
		if it.ID != id {
			t.Errorf("ID = %d, want %d", it.ID, id)
		}
		if it.Topic != "klaxon/alerts/severe" {
			t.Errorf("Topic = %q", it.Topic)
		}
		if !bytes.Equal(it.Payload, payload) {
			t.Errorf("Payload = %v, want %v", it.Payload, payload)
		}
		if it.QoS != 2 || !it.Retain {
			t.Errorf("QoS/Retain = %d/%v, want 2/true", it.QoS, it.Retain)
		}
		if it.Attempts != 0 {
			t.Errorf("Attempts = %d, want 0", it.Attempts)
		}
		if it.CreatedAt.IsZero() {
			t.Error("CreatedAt not set")
		}
	})

	t.Run("IDsIncrease", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var last int64
		for i := 0; i < 5; i++ {
			id, err := s.Enqueue(ctx, "t", []byte("x"), 1, false)
			mustNoErr(t, err)
			if id <= last {
				t.Fatalf("id %d not greater than previous %d", id, last)
			}
			last = id
		}
	})

	t.Run("MarkAttempt", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, err := s.Enqueue(ctx, "t", []byte("x"), 1, false)
		mustNoErr(t, err)
		for i := 0; i < 3; i++ {
			mustNoErr(t, s.MarkAttempt(ctx, id))
		}
		it, _, err := s.PeekOldest(ctx)
		mustNoErr(t, err)
		if it.Attempts != 3 {
			t.Fatalf("Attempts = %d, want 3", it.Attempts)
		}
	})

	t.Run("DeleteLeavesOthers", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, err := s.Enqueue(ctx, "t", []byte("a"), 1, false)
		mustNoErr(t, err)
		_, err = s.Enqueue(ctx, "t", []byte("b"), 1, false)
		mustNoErr(t, err)

		mustNoErr(t, s.Delete(ctx, a))
		mustNoErr(t, s.Delete(ctx, a)) // idempotent

		n, err := s.Count(ctx)
		mustNoErr(t, err)
		if n != 1 {
			t.Fatalf("Count = %d, want 1", n)
		}
		it, _, err := s.PeekOldest(ctx)
		mustNoErr(t, err)
		if string(it.Payload) != "b" {
			t.Fatalf("oldest = %q, want b", it.Payload)
		}
	})

	t.Run("ConcurrentEnqueue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const n = 20
		var wg sync.WaitGroup
		ids := make(chan int64, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := s.Enqueue(ctx, "t", []byte("x"), 1, false)
				if err != nil {
					t.Errorf("Enqueue: %v", err)
					return
				}
				ids <- id
			}()
		}
		wg.Wait()
		close(ids)
		seen := map[int64]bool{}
		for id := range ids {
			if seen[id] {
				t.Fatalf("duplicate id %d", id)
			}
			seen[id] = true
		}
		c, err := s.Count(ctx)
		mustNoErr(t, err)
		if c != n {
			t.Fatalf("Count = %d, want %d", c, n)
		}
	})
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
