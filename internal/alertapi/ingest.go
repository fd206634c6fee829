package alertapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/linnemanlabs/klaxon/internal/pipeline"
)

// DefaultOfferTimeout bounds how long an HTTP request waits for the
// producer to take a payload before answering 503.
const DefaultOfferTimeout = 5 * time.Second

// ErrIngestBusy is returned by Offer when the producer did not accept the
// payload in time.
var ErrIngestBusy = errors.New("ingest busy")

// Ingest is a pipeline.Source fed by HTTP requests.
type Ingest struct {
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	timeout time.Duration
}

// NewIngest returns an Ingest whose hand-off channel holds up to buffer
// payloads.
func NewIngest(buffer int) *Ingest {
	if buffer < 0 {
		buffer = 0
	}
	return &Ingest{
		ch:      make(chan []byte, buffer),
		done:    make(chan struct{}),
		timeout: DefaultOfferTimeout,
	}
}

// Next implements pipeline.Source.
func (in *Ingest) Next(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-in.ch:
		return raw, nil
	case <-in.done:
		return nil, pipeline.ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Offer hands one raw payload to the producer.
func (in *Ingest) Offer(ctx context.Context, raw []byte) error {
	select {
	case <-in.done:
		return pipeline.ErrSourceClosed
	default:
	}

	timer := time.NewTimer(in.timeout)
	defer timer.Stop()

	select {
	case in.ch <- raw:
		return nil
	case <-in.done:
		return pipeline.ErrSourceClosed
	case <-timer.C:
		return ErrIngestBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the source. Pending payloads are discarded.
func (in *Ingest) Close() error {
	in.once.Do(func() { close(in.done) })
	return nil
}
