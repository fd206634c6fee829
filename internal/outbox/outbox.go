// Package outbox is the durable queue between the alert pipeline and the
// local broker. Items are appended by the consumer and drained in FIFO order
// by the Dispatcher, which retries failed publishes with exponential backoff
// and drops items that exhaust their attempts.
package outbox

import (
	"context"
	"time"
)

// Item is one pending outbound message.
type Item struct {
	ID        int64
	Topic     string
	Payload   []byte
	QoS       byte
	Retain    bool
	CreatedAt time.Time
	Attempts  int
}

// Store is the persistence interface for the outbox. Implementations own
// their storage exclusively and serialize their own mutations.
type Store interface {
	// Enqueue appends a message and returns its store-assigned id. It is a
	// local write and never touches the network.
	Enqueue(ctx context.Context, topic string, payload []byte, qos byte, retain bool) (int64, error)
	// PeekOldest returns the oldest item (by created_at, then id) without
	// removing it. ok is false when the outbox is empty.
	PeekOldest(ctx context.Context) (item *Item, ok bool, err error)
	// MarkAttempt increments the attempt counter of id.
	MarkAttempt(ctx context.Context, id int64) error
	// Delete removes id.
	Delete(ctx context.Context, id int64) error
	// Count returns the number of pending items.
	Count(ctx context.Context) (int, error)
}

// Publisher delivers a message to the broker. Publish must be safe to call
// repeatedly with the same arguments.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	return f(ctx, topic, payload, qos, retain)
}
