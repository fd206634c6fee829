// Package sqlitestore provides a SQLite implementation of outbox.Store.
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

	"github.com/linnemanlabs/klaxon/internal/outbox"
)

var tracer = otel.Tracer("github.com/linnemanlabs/klaxon/internal/outbox/sqlitestore")

//go:embed schema.sql
var schema string

// Store persists outbox items in the outbox table. created_at is unix
// seconds; ties are broken by the autoincrement id.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New applies the schema on db and returns a ready Store. The caller owns db.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
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

// Enqueue appends a message.
func (s *Store) Enqueue(ctx context.Context, topic string, payload []byte, qos byte, retain bool) (int64, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Enqueue", "INSERT")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (topic, payload, qos, retain, created_at) VALUES (?, ?, ?, ?, ?)`,
		topic, payload, int(qos), boolToInt(retain), s.now().Unix())
	if err != nil {
		return 0, fail(span, fmt.Errorf("insert outbox: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fail(span, fmt.Errorf("last insert id: %w", err))
	}
	span.SetAttributes(attribute.Int64("klaxon.outbox.id", id))
	return id, nil
}

// PeekOldest returns the oldest item.
func (s *Store) PeekOldest(ctx context.Context) (*outbox.Item, bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.PeekOldest", "SELECT")
	defer span.End()

	var (
		it        outbox.Item
		qos       int
		retain    int
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, topic, payload, qos, retain, created_at, attempts
		 FROM outbox ORDER BY created_at ASC, id ASC LIMIT 1`).
		Scan(&it.ID, &it.Topic, &it.Payload, &qos, &retain, &createdAt, &it.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("select oldest: %w", err))
	}
	it.QoS = byte(qos)
	it.Retain = retain != 0
	it.CreatedAt = time.Unix(createdAt, 0)
	return &it, true, nil
}

// MarkAttempt increments the attempt counter of id.
func (s *Store) MarkAttempt(ctx context.Context, id int64) error {
	ctx, span := startSpan(ctx, "sqlitestore.MarkAttempt", "UPDATE")
	defer span.End()

	if _, err := s.db.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return fail(span, fmt.Errorf("mark attempt: %w", err))
	}
	return nil
}

// Delete removes id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	ctx, span := startSpan(ctx, "sqlitestore.Delete", "DELETE")
	defer span.End()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fail(span, fmt.Errorf("delete outbox: %w", err))
	}
	return nil
}

// Count returns the number of pending items.
func (s *Store) Count(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Count", "SELECT")
	defer span.End()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fail(span, fmt.Errorf("count outbox: %w", err))
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
