package mqtt

import (
	"context"
	"errors"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/klaxon/internal/pipeline"
)

// Source subscribes to the upstream alert topic and hands payloads to the
// pipeline. The subscription is renewed on every reconnect.
type Source struct {
	cfg    Config
	logger log.Logger
	client paho.Client
	msgs   chan []byte

	closed    chan struct{}
	closeOnce sync.Once
	newClient clientFactory
}

// NewSource validates cfg and returns an unconnected Source.
func NewSource(cfg Config, logger log.Logger) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Topic == "" {
		return nil, errors.New("MQTT source topic is required")
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Source{
		cfg:       cfg,
		logger:    logger.With("component", "mqtt-source", "broker", cfg.Broker, "topic", cfg.Topic),
		msgs:      make(chan []byte, 64),
		closed:    make(chan struct{}),
		newClient: paho.NewClient,
	}, nil
}

// Connect dials the broker.
func (s *Source) Connect(ctx context.Context) error {
	opts, err := s.cfg.clientOptions("source")
	if err != nil {
		return err
	}
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.logger.Warn(context.Background(), "mqtt connection lost", "error", err)
	})

	s.client = s.newClient(opts)
	return connect(ctx, s.client, s.cfg.ConnectTimeout, s.logger, s.cfg.Broker)
}

func (s *Source) onConnect(c paho.Client) {
	ctx := context.Background()
	tok := c.Subscribe(s.cfg.Topic, byte(s.cfg.QoS), s.handle)
	if !tok.WaitTimeout(s.cfg.ConnectTimeout) {
		s.logger.Warn(ctx, "mqtt subscribe timed out")
		return
	}
	if err := tok.Error(); err != nil {
		s.logger.Error(ctx, err, "mqtt subscribe failed")
		return
	}
	s.logger.Info(ctx, "mqtt subscribed", "qos", s.cfg.QoS)
}

// handle runs on paho's router goroutine. Blocking here applies
// backpressure to the broker connection.
func (s *Source) handle(_ paho.Client, m paho.Message) {
	b := append([]byte(nil), m.Payload()...)
	select {
	case s.msgs <- b:
	case <-s.closed:
	}
}

// Next returns the next payload.
func (s *Source) Next(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.msgs:
		return b, nil
	case <-s.closed:
		return nil, pipeline.ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close disconnects and ends Next.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.client != nil {
			s.client.Disconnect(250)
		}
	})
}
