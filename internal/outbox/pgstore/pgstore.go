// Package pgstore provides a PostgreSQL implementation of outbox.Store.
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

	"github.com/linnemanlabs/klaxon/internal/outbox"
)

var tracer = otel.Tracer("github.com/linnemanlabs/klaxon/internal/outbox/pgstore")

//go:embed schema.sql
var schema string

// Store persists outbox items in PostgreSQL. created_at is unix seconds.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New applies the schema and returns a Store on pool. The caller owns pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
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

// Enqueue appends a message.
func (s *Store) Enqueue(ctx context.Context, topic string, payload []byte, qos byte, retain bool) (int64, error) {
	ctx, span := startSpan(ctx, "pgstore.Enqueue", "INSERT")
	defer span.End()

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO outbox (topic, payload, qos, retain, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		topic, payload, int16(qos), retain, s.now().Unix()).Scan(&id)
	if err != nil {
		return 0, fail(span, fmt.Errorf("insert outbox: %w", err))
	}
	span.SetAttributes(attribute.Int64("klaxon.outbox.id", id))
	return id, nil
}

// PeekOldest returns the oldest item.
func (s *Store) PeekOldest(ctx context.Context) (*outbox.Item, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.PeekOldest", "SELECT")
	defer span.End()

	var (
		it        outbox.Item
		qos       int16
		createdAt int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, topic, payload, qos, retain, created_at, attempts
		 FROM outbox ORDER BY created_at ASC, id ASC LIMIT 1`).
		Scan(&it.ID, &it.Topic, &it.Payload, &qos, &it.Retain, &createdAt, &it.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("select oldest: %w", err))
	}
	it.QoS = byte(qos)
	it.CreatedAt = time.Unix(createdAt, 0)
	return &it, true, nil
}

// MarkAttempt increments the attempt counter of id.
func (s *Store) MarkAttempt(ctx context.Context, id int64) error {
	ctx, span := startSpan(ctx, "pgstore.MarkAttempt", "UPDATE")
	defer span.End()

	if _, err := s.pool.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id); err != nil {
		return fail(span, fmt.Errorf("mark attempt: %w", err))
	}
	return nil
}

// Delete removes id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	ctx, span := startSpan(ctx, "pgstore.Delete", "DELETE")
	defer span.End()

	if _, err := s.pool.Exec(ctx, `DELETE FROM outbox WHERE id = $1`, id); err != nil {
		return fail(span, fmt.Errorf("delete outbox: %w", err))
	}
	return nil
}

// Count returns the number of pending items.
func (s *Store) Count(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.Count", "SELECT")
	defer span.End()

	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fail(span, fmt.Errorf("count outbox: %w", err))
	}
	return n, nil
}
