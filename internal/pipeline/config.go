package pipeline

import (
	"fmt"
	"time"
)

// DedupOrder selects where the idempotency record is written relative to
// the outbox enqueue.
type DedupOrder string

const (
	// DedupClaimFirst claims the key before evaluating and enqueueing, and
	// releases it if the enqueue fails. A crash between claim and enqueue
	// loses the event.
	DedupClaimFirst DedupOrder = "claim-first"
	// DedupEnqueueFirst checks the key, enqueues, then records the key. A
	// crash between enqueue and record can produce one duplicate outbox
	// entry; receivers dedup on notification id.
	DedupEnqueueFirst DedupOrder = "enqueue-first"
)

// ParseDedupOrder validates s.
func ParseDedupOrder(s string) (DedupOrder, error) {
	switch o := DedupOrder(s); o {
	case DedupClaimFirst, DedupEnqueueFirst:
		return o, nil
	}
	return "", fmt.Errorf("invalid dedup order %q (must be %s or %s)", s, DedupClaimFirst, DedupEnqueueFirst)
}

// Config tunes the orchestrator.
type Config struct {
	QueueMaxSize int
	// DropOnFull drops incoming messages when the queue is full instead of
	// blocking the producer.
	DropOnFull bool
	DedupOrder DedupOrder

	TopicPrefix string
	QoS         byte
	Retain      bool

	MaintenanceInterval time.Duration
	// SourceRetryWait is the pause after a Source error before Next is
	// called again.
	SourceRetryWait time.Duration
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		QueueMaxSize:        1000,
		DedupOrder:          DedupClaimFirst,
		TopicPrefix:         "klaxon",
		QoS:                 1,
		MaintenanceInterval: 30 * time.Second,
		SourceRetryWait:     time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueMaxSize <= 0 {
		c.QueueMaxSize = d.QueueMaxSize
	}
	if c.DedupOrder == "" {
		c.DedupOrder = d.DedupOrder
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	if c.SourceRetryWait <= 0 {
		c.SourceRetryWait = d.SourceRetryWait
	}
	return c
}
