package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/klaxon/internal/alert"
	"github.com/linnemanlabs/klaxon/internal/geo"
	"github.com/linnemanlabs/klaxon/internal/policy"
)

var tracer = otel.Tracer("github.com/linnemanlabs/klaxon/internal/pipeline")

// Outcome is the result of processing one message.
type Outcome string

const (
	OutcomeMalformed Outcome = "malformed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeEnqueued  Outcome = "enqueued"
	OutcomeFailed    Outcome = "failed"
)

// ProcessedEvent describes a processed message for hooks. Event and
// Decision are nil when processing stopped before they were produced.
type ProcessedEvent struct {
	Event    *alert.Event
	Decision *policy.Decision
	Duration time.Duration
}

// process runs one raw message through normalize, dedup, policy and
// enqueue. Errors and panics stay inside the call.
func (o *Orchestrator) process(ctx context.Context, raw []byte) (out Outcome) {
	start := o.now()
	ctx, span := tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.Int("klaxon.payload.bytes", len(raw)),
	))
	pe := &ProcessedEvent{}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic processing message: %v", r)
			o.logger.Error(ctx, err, "recovered panic in consumer", "stack", string(debug.Stack()))
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			out = OutcomeFailed
		}
		span.SetAttributes(attribute.String("klaxon.outcome", string(out)))
		span.End()
		pe.Duration = o.now().Sub(start)
		if o.hooks.OnProcessed != nil {
			o.hooks.OnProcessed(out, pe)
		}
	}()

	ev, err := o.st.Normalizer.Normalize(raw)
	if err != nil {
		o.logger.Warn(ctx, "discarding malformed message", "error", err, "bytes", len(raw))
		return OutcomeMalformed
	}
	pe.Event = ev
	span.SetAttributes(
		attribute.String("klaxon.event.id", ev.EventID),
		attribute.String("klaxon.event.severity", string(ev.Severity)),
	)

	L := o.logger.With("event_id", ev.EventID, "severity", string(ev.Severity))
	key := ev.DedupKey()

	switch o.cfg.DedupOrder {
	case DedupEnqueueFirst:
		if o.st.Deduper.Seen(ctx, key) {
			o.logDuplicate(ctx, L)
			return OutcomeDuplicate
		}
	default:
		if !o.st.Deduper.AddIfAbsent(ctx, key) {
			o.logDuplicate(ctx, L)
			return OutcomeDuplicate
		}
	}

	ref := o.location(ctx)
	dec := o.st.Evaluator.Evaluate(ev, ref)
	pe.Decision = &dec

	if !dec.Trigger {
		if o.cfg.DedupOrder == DedupEnqueueFirst {
			o.st.Deduper.AddIfAbsent(ctx, key)
		}
		L.Info(ctx, "alert rejected by policy", "reason", dec.Reason)
		return OutcomeRejected
	}

	topic := alert.Topic(o.cfg.TopicPrefix, dec.Level)
	n := o.notification(ev, &dec, ref)
	payload, err := n.Marshal()
	if err != nil {
		o.failed(ctx, span, L, key, err, "encode notification")
		return OutcomeFailed
	}

	id, err := o.st.Outbox.Enqueue(ctx, topic, payload, o.cfg.QoS, o.cfg.Retain)
	if err != nil {
		o.setEnqueueDown(ctx, true)
		o.failed(ctx, span, L, key, err, "outbox enqueue")
		return OutcomeFailed
	}
	o.setEnqueueDown(ctx, false)

	if o.cfg.DedupOrder == DedupEnqueueFirst && !o.st.Deduper.AddIfAbsent(ctx, key) {
		L.Warn(ctx, "alert enqueued but idempotency key not recorded", "outbox_id", id)
	}

	o.st.Dispatcher.Wake()
	L.Info(ctx, "alert enqueued",
		"outbox_id", id,
		"topic", topic,
		"notification_id", n.NotificationID,
		"reason", dec.Reason,
	)
	return OutcomeEnqueued
}

func (o *Orchestrator) logDuplicate(ctx context.Context, L log.Logger) {
	if o.st.Deduper.Degraded() {
		L.Warn(ctx, "idempotency store unavailable, skipping alert")
		return
	}
	L.Info(ctx, "duplicate alert skipped")
}

// failed releases a claimed key so a redelivery is processed again.
func (o *Orchestrator) failed(ctx context.Context, span trace.Span, L log.Logger, key string, err error, step string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, step)
	if o.cfg.DedupOrder != DedupEnqueueFirst {
		o.st.Deduper.Release(ctx, key)
	}
	L.Error(ctx, err, "alert processing failed", "step", step)
}

func (o *Orchestrator) location(ctx context.Context) *geo.LatLon {
	if o.st.Locator == nil {
		return nil
	}
	p, ok := o.st.Locator.Location(ctx)
	if !ok {
		return nil
	}
	return &p
}

func (o *Orchestrator) notification(ev *alert.Event, dec *policy.Decision, ref *geo.LatLon) *alert.Notification {
	n := &alert.Notification{
		NotificationID: o.newID(),
		ID:             ev.EventID,
		SentAt:         ev.SentAt,
		Headline:       ev.Headline,
		Severity:       dec.Level,
		Reason:         dec.Reason,
		PolicyMode:     string(o.st.Evaluator.Mode()),
		DistanceKm:     dec.DistanceKm,
	}
	if ref != nil {
		n.HomeCoordinates = &[2]float64{ref.Lat, ref.Lon}
	}
	return n
}
