package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/linnemanlabs/klaxon/internal/idempotency"
	"github.com/linnemanlabs/klaxon/internal/idempotency/idemtest"
	"github.com/linnemanlabs/klaxon/internal/sqlite"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "idem.db"))
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

	idemtest.Run(t, func(t *testing.T) idempotency.Backend { return openStore(t) })
}

func TestStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "idem.db")
	now := time.Unix(1_700_000_000, 0)

	db, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ok, err := s.Insert(ctx, "k", now, now.Add(time.Hour)); err != nil || !ok {
		t.Fatalf("Insert = %v, %v", ok, err)
	}
	_ = db.Close()

	db, err = sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = db.Close() }()
	s, err = New(ctx, db)
	if err != nil {
		t.Fatalf("New after reopen: %v", err)
	}
	if ok, err := s.Insert(ctx, "k", now.Add(time.Minute), now.Add(2*time.Hour)); err != nil || ok {
		t.Fatalf("Insert after reopen = %v, %v; want false, nil", ok, err)
	}
}

func TestStore_InsertError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS idem")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idem")).
		WithArgs("k", int64(1_700_003_600_000), int64(1_700_000_000_000)).
		WillReturnError(errors.New("disk I/O error"))

	ctx := context.Background()
	s, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	ok, err := s.Insert(ctx, "k", now, now.Add(time.Hour))
	if err == nil {
		t.Fatal("expected error")
	}
	if ok {
		t.Fatal("failed insert must not report inserted")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestStore_FailClosedThroughStore(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idem")).WillReturnError(errors.New("database is locked"))

	ctx := context.Background()
	backend, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	store := idempotency.New(backend, time.Hour, nil)
	if store.AddIfAbsent(ctx, "k") {
		t.Fatal("AddIfAbsent must fail closed on storage errors")
	}
	if !store.Degraded() {
		t.Fatal("store should report degraded")
	}
}

func TestNew_SchemaError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("readonly database"))

	if _, err := New(context.Background(), db); err == nil {
		t.Fatal("expected schema error")
	}
}
