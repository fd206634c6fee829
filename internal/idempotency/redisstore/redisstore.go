// Package redisstore provides a Redis implementation of idempotency.Backend.
// Redis expires keys on its own, so records vanish at their deadline and
// DeleteExpired has nothing to do.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/redis/go-redis/v9"
)

var tracer = otel.Tracer("github.com/linnemanlabs/klaxon/internal/idempotency/redisstore")

// DefaultPrefix namespaces keys written by the store.
const DefaultPrefix = "klaxon:idem:"

const scanBatch = 500

// Store keeps one Redis key per idempotency record.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New returns a Store using client. An empty prefix selects DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Insert sets the key with NX and a TTL of expiresAt-now, which is atomic
// on the server.
func (s *Store) Insert(ctx context.Context, key string, now, expiresAt time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "redisstore.Insert", "SET")
	defer span.End()

	ttl := expiresAt.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := s.client.SetNX(ctx, s.prefix+key, expiresAt.UnixMilli(), ttl).Result()
	if err != nil {
		return false, fail(span, fmt.Errorf("redis setnx: %w", err))
	}
	span.SetAttributes(attribute.Bool("klaxon.idem.inserted", ok))
	return ok, nil
}

// Exists reports whether the key is present. Redis has already dropped
// expired keys, so now is not consulted.
func (s *Store) Exists(ctx context.Context, key string, _ time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "redisstore.Exists", "EXISTS")
	defer span.End()

	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fail(span, fmt.Errorf("redis exists: %w", err))
	}
	return n > 0, nil
}

// Remove deletes the key.
func (s *Store) Remove(ctx context.Context, key string) error {
	ctx, span := startSpan(ctx, "redisstore.Remove", "DEL")
	defer span.End()

	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fail(span, fmt.Errorf("redis del: %w", err))
	}
	return nil
}

// DeleteExpired is a no-op.
func (s *Store) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Count scans the key prefix.
func (s *Store) Count(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "redisstore.Count", "SCAN")
	defer span.End()

	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return 0, fail(span, fmt.Errorf("redis scan: %w", err))
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}
