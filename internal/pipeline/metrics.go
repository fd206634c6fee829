package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/klaxon/internal/idempotency"
	"github.com/linnemanlabs/klaxon/internal/outbox"
)

// Metrics holds Prometheus metrics for the relay.
type Metrics struct {
	AlertsReceived  prometheus.Counter
	AlertsMalformed prometheus.Counter
	AlertsDuplicate prometheus.Counter
	AlertsRejected  prometheus.Counter
	AlertsTriggered *prometheus.CounterVec
	AlertsFailed    prometheus.Counter
	ProcessDuration *prometheus.HistogramVec
	QueueDropped    prometheus.Counter
	QueueDepth      prometheus.Gauge
	OutboxSize      prometheus.Gauge
	IdempotencySize prometheus.Gauge
	Uptime          prometheus.Gauge
	PublishedTotal  *prometheus.CounterVec
	PublishRetries  *prometheus.CounterVec
	PublishLatency  prometheus.Histogram
	OutboxDropped   prometheus.Counter
	StoreErrors     *prometheus.CounterVec
	StoreDegraded   *prometheus.GaugeVec
	DBQueryDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns relay metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klaxon_alerts_received_total",
			Help: "Raw messages read from the source.",
		}),
		AlertsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klaxon_alerts_malformed_total",
			Help: "Messages discarded because they could not be normalized.",
		}),
		AlertsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klaxon_alerts_duplicate_total",
			Help: "Alerts skipped by the idempotency window.",
		}),
		AlertsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klaxon_alerts_rejected_total",
			Help: "Alerts that did not satisfy the policy.",
		}),
		AlertsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klaxon_alerts_triggered_total",
			Help: "Alerts enqueued for publishing by level.",
		}, []string{"level"}),
		AlertsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klaxon_alerts_failed_total",
			Help: "Alerts that failed during processing.",
		}),
		ProcessDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "klaxon_alert_process_duration_seconds",
			Help:    "Time to process one message end to end, by outcome.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
		}, []string{"outcome"}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klaxon_queue_dropped_total",
			Help: "Messages dropped because the queue was full.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klaxon_queue_depth",
			Help: "Messages waiting in the in-memory queue.",
		}),
		OutboxSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klaxon_outbox_size",
			Help: "Messages pending in the outbox.",
		}),
		IdempotencySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klaxon_idempotency_size",
			Help: "Records in the idempotency store.",
		}),
		Uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klaxon_pipeline_uptime_seconds",
			Help: "Seconds since the pipeline started.",
		}),
		PublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klaxon_published_total",
			Help: "Outbox messages delivered to the sink by topic.",
		}, []string{"topic"}),
		PublishRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klaxon_publish_retries_total",
			Help: "Failed publish attempts that will be retried, by topic.",
		}, []string{"topic"}),
		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klaxon_publish_latency_seconds",
			Help:    "Time from outbox enqueue to successful publish.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s .. ~17m
		}),
		OutboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klaxon_outbox_dropped_total",
			Help: "Outbox messages dropped after exhausting retries.",
		}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klaxon_store_errors_total",
			Help: "Store operation failures by store and operation.",
		}, []string{"store", "op"}),
		StoreDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "klaxon_store_degraded",
			Help: "1 while the store is failing, by store.",
		}, []string{"store"}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "klaxon_db_query_duration_seconds",
			Help:    "PostgreSQL query duration by worker, operation and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
		}, []string{"worker", "operation", "outcome"}),
	}

	reg.MustRegister(
		m.AlertsReceived,
		m.AlertsMalformed,
		m.AlertsDuplicate,
		m.AlertsRejected,
		m.AlertsTriggered,
		m.AlertsFailed,
		m.ProcessDuration,
		m.QueueDropped,
		m.QueueDepth,
		m.OutboxSize,
		m.IdempotencySize,
		m.Uptime,
		m.PublishedTotal,
		m.PublishRetries,
		m.PublishLatency,
		m.OutboxDropped,
		m.StoreErrors,
		m.StoreDegraded,
		m.DBQueryDuration,
	)

	return m
}

// Hooks returns pipeline Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnReceived:     m.AlertsReceived.Inc,
		OnQueueDropped: m.QueueDropped.Inc,
		OnProcessed: func(out Outcome, pe *ProcessedEvent) {
			m.ProcessDuration.WithLabelValues(string(out)).Observe(pe.Duration.Seconds())
			switch out {
			case OutcomeMalformed:
				m.AlertsMalformed.Inc()
			case OutcomeDuplicate:
				m.AlertsDuplicate.Inc()
			case OutcomeRejected:
				m.AlertsRejected.Inc()
			case OutcomeEnqueued:
				m.AlertsTriggered.WithLabelValues(string(pe.Decision.Level)).Inc()
			case OutcomeFailed:
				m.AlertsFailed.Inc()
			}
		},
		OnMaintenance: func(st Status) {
			m.QueueDepth.Set(float64(st.QueueDepth))
			if st.OutboxSize >= 0 {
				m.OutboxSize.Set(float64(st.OutboxSize))
			}
			if st.IdempotencySize >= 0 {
				m.IdempotencySize.Set(float64(st.IdempotencySize))
			}
			m.Uptime.Set(st.UptimeSeconds)
			setDegraded(m.StoreDegraded.WithLabelValues("outbox"), st.OutboxDegraded)
		},
		OnOutboxDegraded: func(degraded bool) {
			setDegraded(m.StoreDegraded.WithLabelValues("outbox"), degraded)
		},
	}
}

// IdempotencyHooks returns hooks for the idempotency store.
func (m *Metrics) IdempotencyHooks() idempotency.Hooks {
	return idempotency.Hooks{
		OnError: func(op string) {
			m.StoreErrors.WithLabelValues("idempotency", op).Inc()
		},
		OnDegraded: func(degraded bool) {
			setDegraded(m.StoreDegraded.WithLabelValues("idempotency"), degraded)
		},
	}
}

// DispatchHooks returns hooks for the outbox dispatcher.
func (m *Metrics) DispatchHooks() outbox.DispatchHooks {
	return outbox.DispatchHooks{
		OnPublished: func(topic string, _ int, age time.Duration) {
			m.PublishedTotal.WithLabelValues(topic).Inc()
			m.PublishLatency.Observe(age.Seconds())
		},
		OnRetry: func(topic string, _ int, _ time.Duration) {
			m.PublishRetries.WithLabelValues(topic).Inc()
		},
		OnDropped: func(string, int) {
			m.OutboxDropped.Inc()
		},
		OnStoreError: func(op string) {
			m.StoreErrors.WithLabelValues("outbox", op).Inc()
		},
	}
}

// ObserveQuery feeds DBQueryDuration. It satisfies postgres.QueryObserver.
func (m *Metrics) ObserveQuery(_ context.Context, worker, operation, outcome string, dur time.Duration) {
	m.DBQueryDuration.WithLabelValues(worker, operation, outcome).Observe(dur.Seconds())
}

func setDegraded(g prometheus.Gauge, degraded bool) {
	if degraded {
		g.Set(1)
		return
	}
	g.Set(0)
}
