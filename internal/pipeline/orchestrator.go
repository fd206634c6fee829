package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/klaxon/internal/worker"
)

// ErrInvalidState is returned for lifecycle calls that do not fit the
// current state.
var ErrInvalidState = errors.New("invalid orchestrator state")

// State is the orchestrator lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// Hooks receives pipeline events for metrics. Nil fields are skipped.
type Hooks struct {
	OnReceived     func()
	OnQueueDropped func()
	OnProcessed    func(outcome Outcome, ev *ProcessedEvent)
	OnMaintenance  func(st Status)

	// OnOutboxDegraded fires when enqueue failures start or stop, with the
	// combined outbox health at that moment.
	OnOutboxDegraded func(degraded bool)
}

// Status is a point-in-time view of the pipeline. Degraded is set while
// either store is failing.
type Status struct {
	State               State     `json:"state"`
	QueueDepth          int       `json:"queue_depth"`
	QueueCapacity       int       `json:"queue_capacity"`
	OutboxSize          int       `json:"outbox_size"`
	IdempotencySize     int       `json:"idempotency_size"`
	Degraded            bool      `json:"degraded"`
	IdempotencyDegraded bool      `json:"idempotency_degraded"`
	OutboxDegraded      bool      `json:"outbox_degraded"`
	StartedAt           time.Time `json:"started_at,omitzero"`
	UptimeSeconds       float64   `json:"uptime_seconds"`
}

// Orchestrator owns the queue and the lifecycle of the four workers.
type Orchestrator struct {
	st     Stages
	cfg    Config
	logger log.Logger
	hooks  Hooks
	queue  chan []byte

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	enqueueDown atomic.Bool // Outbox.Enqueue is failing

	now   func() time.Time
	newID func() string
}

// New builds an Orchestrator from stages. Missing required stages panic.
func New(st Stages, cfg Config, logger log.Logger, hooks Hooks) *Orchestrator {
	switch {
	case st.Source == nil:
		panic(xerrors.New("pipeline source is required"))
	case st.Normalizer == nil:
		panic(xerrors.New("pipeline normalizer is required"))
	case st.Deduper == nil:
		panic(xerrors.New("pipeline deduper is required"))
	case st.Evaluator == nil:
		panic(xerrors.New("pipeline evaluator is required"))
	case st.Outbox == nil:
		panic(xerrors.New("pipeline outbox is required"))
	case st.Dispatcher == nil:
		panic(xerrors.New("pipeline dispatcher is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		st:     st,
		cfg:    cfg,
		logger: logger,
		hooks:  hooks,
		queue:  make(chan []byte, cfg.QueueMaxSize),
		state:  StateIdle,
		now:    time.Now,
		newID:  func() string { return ulid.Make().String() },
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start launches the producer, consumer, dispatcher and maintenance
// workers. The workers stop when ctx is done or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle {
		return ErrInvalidState
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	o.startedAt = o.now()
	o.state = StateRunning

	var wg sync.WaitGroup
	wg.Go(func() { o.produce(o.workerContext(runCtx, "producer")) })
	wg.Go(func() { o.consume(o.workerContext(runCtx, "consumer")) })
	wg.Go(func() {
		if err := o.st.Dispatcher.Run(o.workerContext(runCtx, "dispatcher")); err != nil {
			o.logger.Error(runCtx, err, "dispatcher exited")
		}
	})
	wg.Go(func() { o.maintain(o.workerContext(runCtx, "maintenance")) })

	go func() {
		wg.Wait()
		close(o.done)
	}()

	o.logger.Info(ctx, "pipeline started",
		"queue_max_size", o.cfg.QueueMaxSize,
		"drop_on_full", o.cfg.DropOnFull,
		"dedup_order", string(o.cfg.DedupOrder),
		"policy_mode", string(o.st.Evaluator.Mode()),
	)
	return nil
}

// Stop cancels all workers and waits for them to exit, bounded by ctx.
// Messages still in the in-memory queue are discarded. Stopping an idle
// orchestrator moves it straight to stopped; stopping twice is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case StateIdle:
		o.state = StateStopped
		o.mu.Unlock()
		return nil
	case StateStopped:
		o.mu.Unlock()
		return nil
	case StateRunning:
		o.state = StateDraining
		o.cancel()
	}
	done := o.done
	o.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.mu.Lock()
	o.state = StateStopped
	dropped := len(o.queue)
	o.mu.Unlock()

	if dropped > 0 {
		o.logger.Warn(ctx, "pipeline stopped with unprocessed queued messages", "discarded", dropped)
	} else {
		o.logger.Info(ctx, "pipeline stopped")
	}
	return nil
}

// Status returns a snapshot for the status API. Store read failures leave
// the corresponding size at -1.
func (o *Orchestrator) Status(ctx context.Context) Status {
	o.mu.Lock()
	st := Status{
		State:         o.state,
		QueueDepth:    len(o.queue),
		QueueCapacity: cap(o.queue),
		StartedAt:     o.startedAt,
	}
	o.mu.Unlock()

	if !st.StartedAt.IsZero() {
		st.UptimeSeconds = o.now().Sub(st.StartedAt).Seconds()
	}
	st.OutboxSize = -1
	if n, err := o.st.Outbox.Count(ctx); err == nil {
		st.OutboxSize = n
	}
	st.IdempotencySize = -1
	if n, err := o.st.Deduper.Count(ctx); err == nil {
		st.IdempotencySize = n
	}
	st.IdempotencyDegraded = o.st.Deduper.Degraded()
	st.OutboxDegraded = o.outboxDegraded()
	st.Degraded = st.IdempotencyDegraded || st.OutboxDegraded
	return st
}

// outboxDegraded combines enqueue failures with the dispatcher's view of
// the store, when the dispatcher reports one.
func (o *Orchestrator) outboxDegraded() bool {
	if o.enqueueDown.Load() {
		return true
	}
	if h, ok := o.st.Dispatcher.(interface{ Degraded() bool }); ok {
		return h.Degraded()
	}
	return false
}

func (o *Orchestrator) setEnqueueDown(ctx context.Context, down bool) {
	if o.enqueueDown.Swap(down) == down {
		return
	}
	if down {
		o.logger.Warn(ctx, "outbox store unavailable, alerts are not being accepted")
	} else {
		o.logger.Info(ctx, "outbox store accepting alerts again")
	}
	if o.hooks.OnOutboxDegraded != nil {
		o.hooks.OnOutboxDegraded(o.outboxDegraded())
	}
}

// workerContext labels ctx for query metrics and log lines.
func (o *Orchestrator) workerContext(ctx context.Context, name string) context.Context {
	ctx = worker.With(ctx, name)
	return log.WithContext(ctx, o.logger.With("worker", name))
}

func (o *Orchestrator) produce(ctx context.Context) {
	for {
		raw, err := o.st.Source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrSourceClosed) {
				o.logger.Info(ctx, "source closed, producer exiting")
				return
			}
			o.logger.Error(ctx, err, "source read failed", "retry_in", o.cfg.SourceRetryWait.String())
			if !sleep(ctx, o.cfg.SourceRetryWait) {
				return
			}
			continue
		}
		if o.hooks.OnReceived != nil {
			o.hooks.OnReceived()
		}

		if o.cfg.DropOnFull {
			select {
			case o.queue <- raw:
			default:
				if o.hooks.OnQueueDropped != nil {
					o.hooks.OnQueueDropped()
				}
				o.logger.Warn(ctx, "queue full, dropping message", "queue_max_size", o.cfg.QueueMaxSize)
			}
			continue
		}

		select {
		case o.queue <- raw:
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-o.queue:
			o.process(ctx, raw)
		}
	}
}

func (o *Orchestrator) maintain(ctx context.Context) {
	o.runMaintenance(ctx)

	t := time.NewTicker(o.cfg.MaintenanceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.runMaintenance(ctx)
		}
	}
}

func (o *Orchestrator) runMaintenance(ctx context.Context) {
	n, err := o.st.Deduper.GC(ctx, o.now())
	switch {
	case err != nil:
		if ctx.Err() == nil {
			o.logger.Error(ctx, err, "idempotency gc failed")
		}
	case n > 0:
		o.logger.Info(ctx, "idempotency gc", "deleted", n)
	}

	if o.hooks.OnMaintenance != nil {
		o.hooks.OnMaintenance(o.Status(ctx))
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
