// Package sqlitestore provides a SQLite implementation of idempotency.Backend.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/linnemanlabs/klaxon/internal/idempotency/sqlitestore")

//go:embed schema.sql
var schema string

// Store persists idempotency keys in the idem table. Expiry is stored as
// unix milliseconds.
type Store struct {
	db *sql.DB
}

// New applies the schema on db and returns a ready Store. The caller owns db.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Insert adds key, replacing an expired record but never a live one.
func (s *Store) Insert(ctx context.Context, key string, now, expiresAt time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Insert", "UPSERT")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idem (k, exp) VALUES (?, ?)
		 ON CONFLICT (k) DO UPDATE SET exp = excluded.exp WHERE idem.exp < ?`,
		key, expiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fail(span, fmt.Errorf("insert idem: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail(span, fmt.Errorf("rows affected: %w", err))
	}
	span.SetAttributes(attribute.Bool("klaxon.idem.inserted", n > 0))
	return n > 0, nil
}

// Exists reports whether a live record exists for key.
func (s *Store) Exists(ctx context.Context, key string, now time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Exists", "SELECT")
	defer span.End()

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM idem WHERE k = ? AND exp >= ?`, key, now.UnixMilli()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fail(span, fmt.Errorf("select idem: %w", err))
	}
	return true, nil
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	ctx, span := startSpan(ctx, "sqlitestore.Remove", "DELETE")
	defer span.End()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM idem WHERE k = ?`, key); err != nil {
		return fail(span, fmt.Errorf("delete idem: %w", err))
	}
	return nil
}

// DeleteExpired removes records whose expiry is before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, span := startSpan(ctx, "sqlitestore.DeleteExpired", "DELETE")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM idem WHERE exp < ?`, now.UnixMilli())
	if err != nil {
		return 0, fail(span, fmt.Errorf("gc idem: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fail(span, fmt.Errorf("rows affected: %w", err))
	}
	return int(n), nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Count", "SELECT")
	defer span.End()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM idem`).Scan(&n); err != nil {
		return 0, fail(span, fmt.Errorf("count idem: %w", err))
	}
	return n, nil
}
