package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/klaxon/internal/alert"
	"github.com/linnemanlabs/klaxon/internal/geo"
	"github.com/linnemanlabs/klaxon/internal/policy"
)

// ErrSourceClosed is returned by a Source whose stream has ended for good.
// The producer exits quietly when it sees it.
var ErrSourceClosed = errors.New("source closed")

// Source yields raw upstream messages. Next blocks until a message is
// available or ctx is done. Reconnects are the Source's own business.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]byte, error)

// Next implements Source.
func (f SourceFunc) Next(ctx context.Context) ([]byte, error) { return f(ctx) }

// Normalizer turns a raw payload into an Event.
type Normalizer interface {
	Normalize(raw []byte) (*alert.Event, error)
}

// Deduper is the idempotency window. AddIfAbsent and Seen fail closed.
type Deduper interface {
	AddIfAbsent(ctx context.Context, key string) bool
	Seen(ctx context.Context, key string) bool
	Release(ctx context.Context, key string)
	GC(ctx context.Context, now time.Time) (int, error)
	Count(ctx context.Context) (int, error)
	Degraded() bool
}

// Evaluator decides whether an event triggers a notification.
type Evaluator interface {
	Evaluate(ev *alert.Event, ref *geo.LatLon) policy.Decision
	Mode() policy.Mode
}

// Locator provides the reference location. ok is false when none is known.
type Locator interface {
	Location(ctx context.Context) (geo.LatLon, bool)
}

// Outbox is the write side of the durable outbound queue.
type Outbox interface {
	Enqueue(ctx context.Context, topic string, payload []byte, qos byte, retain bool) (int64, error)
	Count(ctx context.Context) (int, error)
}

// Dispatcher drains the outbox until its context ends.
type Dispatcher interface {
	Run(ctx context.Context) error
	Wake()
}

// Stages are the collaborators of an Orchestrator. Locator may be nil, in
// which case every event is evaluated without a reference location.
type Stages struct {
	Source     Source
	Normalizer Normalizer
	Deduper    Deduper
	Evaluator  Evaluator
	Locator    Locator
	Outbox     Outbox
	Dispatcher Dispatcher
}
