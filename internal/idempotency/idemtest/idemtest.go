// Package idemtest holds the behavioural suite every idempotency.Backend
// must pass. Backend packages call Run from their own tests.
package idemtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/klaxon/internal/idempotency"
)

// Factory returns an empty backend for one subtest.
type Factory func(t *testing.T) idempotency.Backend

// base is whole milliseconds so SQL backends storing unix millis round-trip.
var base = time.Unix(1_700_000_000, 0)

// Run exercises b against the Backend contract.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()

	t.Run("FirstInsertWins", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		ok, err := b.Insert(ctx, key(t, "a"), base, base.Add(time.Hour))
		mustNoErr(t, err)
		if !ok {
			t.Fatal("first insert should report inserted")
		}
		ok, err = b.Insert(ctx, key(t, "a"), base.Add(time.Minute), base.Add(2*time.Hour))
		mustNoErr(t, err)
		if ok {
			t.Fatal("second insert inside window should be rejected")
		}
	})

	t.Run("ExpiredRecordReplaced", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		k := key(t, "b")
		_, err := b.Insert(ctx, k, base, base.Add(10*time.Second))
		mustNoErr(t, err)

		// expiry equal to now is still live
		ok, err := b.Insert(ctx, k, base.Add(10*time.Second), base.Add(time.Hour))
		mustNoErr(t, err)
		if ok {
			t.Fatal("record expiring exactly now should still block")
		}

		ok, err = b.Insert(ctx, k, base.Add(11*time.Second), base.Add(time.Hour))
		mustNoErr(t, err)
		if !ok {
			t.Fatal("expired record should be replaced")
		}
		found, err := b.Exists(ctx, k, base.Add(30*time.Minute))
		mustNoErr(t, err)
		if !found {
			t.Fatal("replacement should carry the new expiry")
		}
	})

	t.Run("SubSecondExpiry", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		k := key(t, "ms")
		exp := base.Add(time.Hour)
		_, err := b.Insert(ctx, k, base, exp)
		mustNoErr(t, err)

		after := exp.Add(300 * time.Millisecond)
		found, err := b.Exists(ctx, k, after)
		mustNoErr(t, err)
		if found {
			t.Fatal("record 300ms past expiry reported as live")
		}
		deleted, err := b.DeleteExpired(ctx, after)
		mustNoErr(t, err)
		if deleted != 1 {
			t.Fatalf("DeleteExpired = %d, want 1", deleted)
		}
		ok, err := b.Insert(ctx, k, after, after.Add(time.Hour))
		mustNoErr(t, err)
		if !ok {
			t.Fatal("insert after GC should succeed")
		}
	})

	t.Run("Exists", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		k := key(t, "c")
		found, err := b.Exists(ctx, k, base)
		mustNoErr(t, err)
		if found {
			t.Fatal("missing key reported as existing")
		}
		_, err = b.Insert(ctx, k, base, base.Add(time.Minute))
		mustNoErr(t, err)
		found, err = b.Exists(ctx, k, base.Add(30*time.Second))
		mustNoErr(t, err)
		if !found {
			t.Fatal("live key not found")
		}
		found, err = b.Exists(ctx, k, base.Add(2*time.Minute))
		mustNoErr(t, err)
		if found {
			t.Fatal("expired key reported as existing")
		}
	})

	t.Run("Remove", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		k := key(t, "d")
		_, err := b.Insert(ctx, k, base, base.Add(time.Hour))
		mustNoErr(t, err)
		mustNoErr(t, b.Remove(ctx, k))
		ok, err := b.Insert(ctx, k, base, base.Add(time.Hour))
		mustNoErr(t, err)
		if !ok {
			t.Fatal("insert after remove should succeed")
		}
		mustNoErr(t, b.Remove(ctx, key(t, "never-inserted")))
	})

	t.Run("DeleteExpiredAndCount", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			_, err := b.Insert(ctx, key(t, fmt.Sprintf("old-%d", i)), base, base.Add(time.Minute))
			mustNoErr(t, err)
		}
		for i := 0; i < 3; i++ {
			_, err := b.Insert(ctx, key(t, fmt.Sprintf("new-%d", i)), base, base.Add(time.Hour))
			mustNoErr(t, err)
		}
		n, err := b.Count(ctx)
		mustNoErr(t, err)
		if n != 8 {
			t.Fatalf("Count = %d, want 8", n)
		}

		deleted, err := b.DeleteExpired(ctx, base.Add(2*time.Minute))
		mustNoErr(t, err)
		if deleted != 5 {
			t.Fatalf("DeleteExpired = %d, want 5", deleted)
		}
		n, err = b.Count(ctx)
		mustNoErr(t, err)
		if n != 3 {
			t.Fatalf("Count after GC = %d, want 3", n)
		}

		deleted, err = b.DeleteExpired(ctx, base.Add(2*time.Minute))
		mustNoErr(t, err)
		if deleted != 0 {
			t.Fatalf("second DeleteExpired = %d, want 0", deleted)
		}
	})

	t.Run("ConcurrentInsertExactlyOne", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		k := key(t, "race")

		const workers = 16
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ok, err := b.Insert(ctx, k, base, base.Add(time.Hour))
				if err != nil {
					t.Errorf("Insert: %v", err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		if got := wins.Load(); got != 1 {
			t.Fatalf("%d callers observed inserted=true, want exactly 1", got)
		}
	})
}

// key namespaces k by test name so shared databases do not collide.
func key(t *testing.T, k string) string {
	return t.Name() + "/" + k
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
