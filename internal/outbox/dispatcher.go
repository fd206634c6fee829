package outbox

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/klaxon/internal/outbox")

// DispatcherConfig tunes the drain loop.
type DispatcherConfig struct {
	// MaxRetries is the number of failed attempts after which an item is
	// dropped.
	MaxRetries int
	Backoff    Backoff
	// IdleWait is how long to sleep when the outbox is empty or the store
	// errored. Wake cuts it short.
	IdleWait time.Duration
	// PublishTimeout bounds a single Publish call.
	PublishTimeout time.Duration
}

// DispatchHooks receives dispatcher events for metrics. Nil fields are skipped.
type DispatchHooks struct {
	OnPublished  func(topic string, attempts int, age time.Duration)
	OnRetry      func(topic string, attempts int, delay time.Duration)
	OnDropped    func(topic string, attempts int)
	OnStoreError func(op string)
	OnDegraded   func(degraded bool)
}

// Outcome describes what one Step did.
type Outcome int

const (
	OutcomeIdle Outcome = iota
	OutcomePublished
	OutcomeRetry
	OutcomeDropped
	OutcomeStoreError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomePublished:
		return "published"
	case OutcomeRetry:
		return "retry"
	case OutcomeDropped:
		return "dropped"
	case OutcomeStoreError:
		return "store_error"
	}
	return "unknown"
}

// Dispatcher drains a Store into a Publisher, one item at a time.
type Dispatcher struct {
	store  Store
	pub    Publisher
	cfg    DispatcherConfig
	logger log.Logger
	hooks  DispatchHooks
	wake   chan struct{}

	degraded atomic.Bool

	// sleep waits for d or until ctx is done; replaced in tests.
	sleep func(ctx context.Context, d time.Duration, wake <-chan struct{}) error
	now   func() time.Time
}

// NewDispatcher creates a Dispatcher. Zero IdleWait and PublishTimeout get
// defaults of 1s and 10s.
func NewDispatcher(store Store, pub Publisher, cfg DispatcherConfig, logger log.Logger, hooks DispatchHooks) *Dispatcher {
	if store == nil {
		panic(xerrors.New("outbox store is required"))
	}
	if pub == nil {
		panic(xerrors.New("publisher is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	return &Dispatcher{
		store:  store,
		pub:    pub,
		cfg:    cfg,
		logger: logger,
		hooks:  hooks,
		wake:   make(chan struct{}, 1),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// Wake interrupts an idle wait so a freshly enqueued item goes out without
// waiting for the next poll. It never blocks. Backoff sleeps are not cut
// short.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox until ctx is cancelled. Per-item failures never end
// the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		out, wait := d.Step(ctx)

		var err error
		switch out {
		case OutcomeIdle, OutcomeStoreError:
			err = d.sleep(ctx, d.cfg.IdleWait, d.wake)
		case OutcomeRetry:
			err = d.sleep(ctx, wait, nil)
		}
		if err != nil {
			return nil
		}
	}
}

// Step processes at most one item and reports what happened. For
// OutcomeRetry it also returns the backoff to wait before the next Step.
// A Step without store errors clears the degraded flag.
func (d *Dispatcher) Step(ctx context.Context) (Outcome, time.Duration) {
	out, wait := d.step(ctx)
	if out != OutcomeStoreError && ctx.Err() == nil {
		d.recovered(ctx)
	}
	return out, wait
}

// Degraded reports whether the last Step hit a store error.
func (d *Dispatcher) Degraded() bool {
	return d.degraded.Load()
}

func (d *Dispatcher) step(ctx context.Context) (Outcome, time.Duration) {
	item, ok, err := d.store.PeekOldest(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.storeError(ctx, "peek", err)
		}
		return OutcomeStoreError, 0
	}
	if !ok {
		return OutcomeIdle, 0
	}

	L := d.logger.With("outbox_id", item.ID, "topic", item.Topic)

	if item.Attempts >= d.cfg.MaxRetries {
		if err := d.store.Delete(ctx, item.ID); err != nil {
			d.storeError(ctx, "delete", err, "outbox_id", item.ID)
			return OutcomeStoreError, 0
		}
		L.Warn(ctx, "dropping outbox item after max retries", "attempts", item.Attempts, "max_retries", d.cfg.MaxRetries)
		if d.hooks.OnDropped != nil {
			d.hooks.OnDropped(item.Topic, item.Attempts)
		}
		return OutcomeDropped, 0
	}

	if err := d.publish(ctx, item); err != nil {
		if ctx.Err() != nil {
			return OutcomeIdle, 0
		}
		if merr := d.store.MarkAttempt(ctx, item.ID); merr != nil {
			d.storeError(ctx, "mark_attempt", merr, "outbox_id", item.ID)
			return OutcomeStoreError, 0
		}
		attempts := item.Attempts + 1
		delay := d.cfg.Backoff.Delay(attempts)
		L.Warn(ctx, "publish failed, will retry", "error", err, "attempts", attempts, "backoff", delay.String())
		if d.hooks.OnRetry != nil {
			d.hooks.OnRetry(item.Topic, attempts, delay)
		}
		return OutcomeRetry, delay
	}

	if err := d.store.Delete(ctx, item.ID); err != nil {
		// Published but still stored: it will be sent again, which the
		// publisher contract allows.
		d.storeError(ctx, "delete", err, "outbox_id", item.ID)
		return OutcomeStoreError, 0
	}
	if d.hooks.OnPublished != nil {
		d.hooks.OnPublished(item.Topic, item.Attempts+1, d.now().Sub(item.CreatedAt))
	}
	return OutcomePublished, 0
}

func (d *Dispatcher) publish(ctx context.Context, item *Item) error {
	ctx, span := tracer.Start(ctx, "outbox.publish", trace.WithAttributes(
		attribute.Int64("klaxon.outbox.id", item.ID),
		attribute.String("messaging.destination.name", item.Topic),
		attribute.Int("klaxon.outbox.attempts", item.Attempts),
	))
	defer span.End()

	pctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()

	if err := d.pub.Publish(pctx, item.Topic, item.Payload, item.QoS, item.Retain); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (d *Dispatcher) storeError(ctx context.Context, op string, err error, kv ...any) {
	if d.hooks.OnStoreError != nil {
		d.hooks.OnStoreError(op)
	}
	if !d.degraded.Swap(true) {
		d.logger.Warn(ctx, "outbox store unavailable, dispatcher degraded", "op", op)
		if d.hooks.OnDegraded != nil {
			d.hooks.OnDegraded(true)
		}
	}
	d.logger.Error(ctx, err, "outbox store operation failed", append([]any{"op", op}, kv...)...)
}

func (d *Dispatcher) recovered(ctx context.Context) {
	if d.degraded.Swap(false) {
		d.logger.Info(ctx, "outbox store recovered")
		if d.hooks.OnDegraded != nil {
			d.hooks.OnDegraded(false)
		}
	}
}

var errStopped = errors.New("stopped")

func sleepCtx(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errStopped
	case <-wake:
		return nil
	case <-t.C:
		return nil
	}
}
