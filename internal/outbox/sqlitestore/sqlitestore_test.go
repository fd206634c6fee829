package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/linnemanlabs/klaxon/internal/outbox"
	"github.com/linnemanlabs/klaxon/internal/outbox/outboxtest"
	"github.com/linnemanlabs/klaxon/internal/sqlite"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStore_Contract(t *testing.T) {
	t.Parallel()

	outboxtest.Run(t, func(t *testing.T) outbox.Store {
		return openStore(t, filepath.Join(t.TempDir(), "outbox.db"))
	})
}

func TestStore_OrdersByCreatedAtThenID(t *testing.T) {
	t.Parallel()

	s := openStore(t, filepath.Join(t.TempDir(), "outbox.db"))
	ctx := context.Background()

	clock := time.Unix(1_700_000_100, 0)
	s.now = func() time.Time { return clock }
	late, _ := s.Enqueue(ctx, "t", []byte("late"), 1, false)

	clock = time.Unix(1_700_000_000, 0)
	early1, _ := s.Enqueue(ctx, "t", []byte("early1"), 1, false)
	early2, _ := s.Enqueue(ctx, "t", []byte("early2"), 1, false)

	var order []int64
	for {
		it, ok, err := s.PeekOldest(ctx)
		if err != nil {
			t.Fatalf("PeekOldest: %v", err)
		}
		if !ok {
			break
		}
		order = append(order, it.ID)
		if err := s.Delete(ctx, it.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}
	want := []int64{early1, early2, late}
	if len(order) != 3 || order[0] != want[0] || order[1] != want[1] || order[2] != want[2] {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "outbox.db")
	ctx := context.Background()

	db, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := s.Enqueue(ctx, "klaxon/alerts/critical", []byte(`{"id":"E1"}`), 1, true)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.MarkAttempt(ctx, id); err != nil {
		t.Fatalf("MarkAttempt: %v", err)
	}
	_ = db.Close()

	s2 := openStore(t, path)
	it, ok, err := s2.PeekOldest(ctx)
	if err != nil || !ok {
		t.Fatalf("PeekOldest after reopen = %v, %v", ok, err)
	}
	if it.ID != id || it.Attempts != 1 || !it.Retain || string(it.Payload) != `{"id":"E1"}` {
		t.Fatalf("item after reopen = %+v", it)
	}
}

func TestStore_EnqueueError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS outbox")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox")).
		WithArgs("t", []byte("p"), 1, 0, sqlmock.AnyArg()).
		WillReturnError(errors.New("disk full"))

	ctx := context.Background()
	s, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Enqueue(ctx, "t", []byte("p"), 1, false); err == nil {
		t.Fatal("expected enqueue error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestStore_PeekError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, topic, payload")).WillReturnError(errors.New("database is locked"))

	ctx := context.Background()
	s, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok, err := s.PeekOldest(ctx); err == nil || ok {
		t.Fatalf("PeekOldest = %v, %v; want error", ok, err)
	}
}

func TestStore_PeekScansRow(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"id", "topic", "payload", "qos", "retain", "created_at", "attempts"}).
		AddRow(int64(7), "klaxon/alerts/severe", []byte("{}"), int64(2), int64(1), int64(1_700_000_000), int64(4))
	mock.ExpectQuery("SELECT id, topic, payload").WillReturnRows(rows)

	ctx := context.Background()
	s, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	it, ok, err := s.PeekOldest(ctx)
	if err != nil || !ok {
		t.Fatalf("PeekOldest = %v, %v", ok, err)
	}
	if it.ID != 7 || it.QoS != 2 || !it.Retain || it.Attempts != 4 || it.CreatedAt.Unix() != 1_700_000_000 {
		t.Fatalf("item = %+v", it)
	}
}
