// Package natsbus carries alerts over NATS: a Source reading the upstream
// subject and a Publisher mapping outbox topics onto subjects.
package natsbus

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/klaxon/internal/pipeline"
)

// Config describes the NATS connection.
type Config struct {
	URL           string
	Name          string
	Subject       string
	QueueGroup    string
	MaxReconnects int
	ReconnectWait time.Duration
	FlushTimeout  time.Duration
}

// RegisterFlags binds Config fields to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.URL, "nats-url", nats.DefaultURL, "NATS server URL(s), comma separated")
	fs.StringVar(&c.Name, "nats-name", "klaxon", "NATS connection name")
	fs.StringVar(&c.Subject, "nats-subject", "", "subject to consume upstream alerts from")
	fs.StringVar(&c.QueueGroup, "nats-queue-group", "", "queue group for the upstream subscription (empty = none)")
	fs.IntVar(&c.MaxReconnects, "nats-max-reconnects", -1, "maximum reconnect attempts (-1 = unlimited)")
	fs.DurationVar(&c.ReconnectWait, "nats-reconnect-wait", 2*time.Second, "wait between reconnect attempts")
	fs.DurationVar(&c.FlushTimeout, "nats-flush-timeout", 5*time.Second, "timeout for confirming a publish with the server")
}

// Validate checks the connection settings.
func (c *Config) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("NATS_URL is required"))
	}
	if c.ReconnectWait <= 0 {
		errs = append(errs, fmt.Errorf("invalid NATS_RECONNECT_WAIT %s (must be > 0)", c.ReconnectWait))
	}
	if c.FlushTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid NATS_FLUSH_TIMEOUT %s (must be > 0)", c.FlushTimeout))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Connect dials NATS with reconnect handling that logs state changes.
func Connect(cfg Config, logger log.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = log.Nop()
	}
	L := logger.With("component", "nats")
	ctx := context.Background()

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				L.Warn(ctx, "nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			L.Info(ctx, "nats reconnected", "server", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			L.Info(ctx, "nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// Subject maps an outbox topic such as "klaxon/alerts/severe" onto a NATS
// subject "klaxon.alerts.severe".
func Subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

type subscription interface {
	NextMsgWithContext(ctx context.Context) (*nats.Msg, error)
	Unsubscribe() error
}

// Source reads upstream alerts from a synchronous subscription.
type Source struct {
	sub    subscription
	logger log.Logger
}

// NewSource subscribes to cfg.Subject on nc.
func NewSource(nc *nats.Conn, cfg Config, logger log.Logger) (*Source, error) {
	if cfg.Subject == "" {
		return nil, errors.New("NATS_SUBJECT is required for the nats source")
	}
	if logger == nil {
		logger = log.Nop()
	}
	var (
		sub *nats.Subscription
		err error
	)
	if cfg.QueueGroup != "" {
		sub, err = nc.QueueSubscribeSync(cfg.Subject, cfg.QueueGroup)
	} else {
		sub, err = nc.SubscribeSync(cfg.Subject)
	}
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", cfg.Subject, err)
	}
	return &Source{sub: sub, logger: logger.With("component", "nats-source", "subject", cfg.Subject)}, nil
}

// Next returns the next message payload.
func (s *Source) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			return nil, pipeline.ErrSourceClosed
		}
		return nil, err
	}
	return msg.Data, nil
}

// Close removes the subscription.
func (s *Source) Close() error {
	return s.sub.Unsubscribe()
}

type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	IsConnected() bool
}

// Publisher publishes outbox items to NATS. QoS 0 is fire-and-forget; any
// higher QoS flushes and waits for the server round trip so a failure is
// reported to the dispatcher.
type Publisher struct {
	nc           conn
	flushTimeout time.Duration
}

// NewPublisher wraps nc.
func NewPublisher(nc *nats.Conn, cfg Config) *Publisher {
	return &Publisher{nc: nc, flushTimeout: cfg.FlushTimeout}
}

// ErrNotConnected is returned while the connection is down. The nats client
// would otherwise buffer the message in memory during a reconnect.
var ErrNotConnected = errors.New("nats: not connected")

// Publish sends payload to the subject derived from topic. retain has no
// NATS equivalent and is ignored.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte, qos byte, _ bool) error {
	if !p.nc.IsConnected() {
		return ErrNotConnected
	}
	subject := Subject(topic)
	if err := p.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	if qos == 0 {
		return nil
	}
	fctx, cancel := context.WithTimeout(ctx, p.flushTimeout)
	defer cancel()
	if err := p.nc.FlushWithContext(fctx); err != nil {
		return fmt.Errorf("nats flush %s: %w", subject, err)
	}
	return nil
}
