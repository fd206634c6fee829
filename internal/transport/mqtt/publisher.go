package mqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/linnemanlabs/go-core/log"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// Publisher publishes outbox items to the local broker. When StatusTopic is
// set it registers "offline" as its last will and publishes a retained
// "online" after every connect.
type Publisher struct {
	cfg       Config
	logger    log.Logger
	client    paho.Client
	newClient clientFactory
}

// NewPublisher validates cfg and returns an unconnected Publisher.
func NewPublisher(cfg Config, logger log.Logger) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Publisher{
		cfg:       cfg,
		logger:    logger.With("component", "mqtt-publisher", "broker", cfg.Broker),
		newClient: paho.NewClient,
	}, nil
}

// Connect dials the broker.
func (p *Publisher) Connect(ctx context.Context) error {
	opts, err := p.cfg.clientOptions("publisher")
	if err != nil {
		return err
	}
	if p.cfg.StatusTopic != "" {
		opts.SetWill(p.cfg.StatusTopic, statusOffline, 1, true)
	}
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.logger.Warn(context.Background(), "mqtt connection lost", "error", err)
	})

	p.client = p.newClient(opts)
	return connect(ctx, p.client, p.cfg.ConnectTimeout, p.logger, p.cfg.Broker)
}

func (p *Publisher) onConnect(c paho.Client) {
	ctx := context.Background()
	p.logger.Info(ctx, "mqtt connected")
	if p.cfg.StatusTopic == "" {
		return
	}
	tok := c.Publish(p.cfg.StatusTopic, 1, true, statusOnline)
	if tok.WaitTimeout(p.cfg.ConnectTimeout) && tok.Error() != nil {
		p.logger.Error(ctx, tok.Error(), "publish online status failed", "topic", p.cfg.StatusTopic)
	}
}

// Publish sends payload and waits for the broker acknowledgement of the
// requested QoS. It fails fast while disconnected so the dispatcher can
// back off.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if p.client == nil || !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	if err := wait(ctx, p.client.Publish(topic, qos, retain, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Close publishes the offline status and disconnects.
func (p *Publisher) Close(ctx context.Context) {
	if p.client == nil {
		return
	}
	if p.cfg.StatusTopic != "" && p.client.IsConnectionOpen() {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := wait(wctx, p.client.Publish(p.cfg.StatusTopic, 1, true, statusOffline)); err != nil {
			p.logger.Warn(ctx, "publish offline status failed", "error", err)
		}
		cancel()
	}
	p.client.Disconnect(250)
}
