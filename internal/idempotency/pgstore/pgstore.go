// Package pgstore provides a PostgreSQL implementation of idempotency.Backend.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var tracer = otel.Tracer("github.com/linnemanlabs/klaxon/internal/idempotency/pgstore")

//go:embed schema.sql
var schema string

// Store persists idempotency keys in PostgreSQL. Expiry is unix milliseconds.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a Store on pool. The caller owns pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Insert adds key, replacing an expired record but never a live one. The
// conditional upsert runs as one statement, so concurrent inserts of the
// same key serialize on the primary key and only one affects a row.
func (s *Store) Insert(ctx context.Context, key string, now, expiresAt time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Insert", "UPSERT")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (k, expires_at) VALUES ($1, $2)
		 ON CONFLICT (k) DO UPDATE SET expires_at = EXCLUDED.expires_at
		 WHERE idempotency_keys.expires_at < $3`,
		key, expiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fail(span, fmt.Errorf("insert idempotency key: %w", err))
	}
	inserted := tag.RowsAffected() > 0
	span.SetAttributes(attribute.Bool("klaxon.idem.inserted", inserted))
	return inserted, nil
}

// Exists reports whether a live record exists for key.
func (s *Store) Exists(ctx context.Context, key string, now time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Exists", "SELECT")
	defer span.End()

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM idempotency_keys WHERE k = $1 AND expires_at >= $2`,
		key, now.UnixMilli()).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fail(span, fmt.Errorf("select idempotency key: %w", err))
	}
	return true, nil
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	ctx, span := startSpan(ctx, "pgstore.Remove", "DELETE")
	defer span.End()

	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE k = $1`, key); err != nil {
		return fail(span, fmt.Errorf("delete idempotency key: %w", err))
	}
	return nil
}

// DeleteExpired removes records whose expiry is before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.DeleteExpired", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, now.UnixMilli())
	if err != nil {
		return 0, fail(span, fmt.Errorf("gc idempotency keys: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.Count", "SELECT")
	defer span.End()

	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM idempotency_keys`).Scan(&n); err != nil {
		return 0, fail(span, fmt.Errorf("count idempotency keys: %w", err))
	}
	return n, nil
}
