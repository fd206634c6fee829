// Package kafkabus carries alerts over Kafka: a consumer-group Source for
// the upstream topic and a Publisher writing outbox items to per-level
// topics.
package kafkabus

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/klaxon/internal/pipeline"
)

// Config describes the Kafka cluster and topics.
type Config struct {
	Brokers        string
	Topic          string
	GroupID        string
	MaxWait        time.Duration
	CommitInterval time.Duration
	WriteTimeout   time.Duration
}

// RegisterFlags binds Config fields to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Brokers, "kafka-brokers", "", "Kafka bootstrap brokers, comma separated")
	fs.StringVar(&c.Topic, "kafka-topic", "", "topic to consume upstream alerts from")
	fs.StringVar(&c.GroupID, "kafka-group-id", "klaxon", "consumer group id")
	fs.DurationVar(&c.MaxWait, "kafka-max-wait", 500*time.Millisecond, "maximum wait for a fetch batch")
	fs.DurationVar(&c.CommitInterval, "kafka-commit-interval", time.Second, "offset commit interval (0 = synchronous)")
	fs.DurationVar(&c.WriteTimeout, "kafka-write-timeout", 10*time.Second, "timeout for a produce request")
}

// Validate checks the cluster settings.
func (c *Config) Validate() error {
	var errs []error
	if len(ParseBrokers(c.Brokers)) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required"))
	}
	if c.MaxWait <= 0 {
		errs = append(errs, fmt.Errorf("invalid KAFKA_MAX_WAIT %s (must be > 0)", c.MaxWait))
	}
	if c.CommitInterval < 0 {
		errs = append(errs, fmt.Errorf("invalid KAFKA_COMMIT_INTERVAL %s (must be >= 0)", c.CommitInterval))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid KAFKA_WRITE_TIMEOUT %s (must be > 0)", c.WriteTimeout))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ParseBrokers splits a comma separated broker list, dropping blanks.
func ParseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// TopicName maps an outbox topic such as "klaxon/alerts/severe" onto a
// Kafka topic name "klaxon.alerts.severe".
func TopicName(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

type reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Source consumes the upstream topic as part of a consumer group. Offsets
// are committed after a message is read, so delivery into the pipeline is
// at-most-once per group; dedup downstream tolerates redelivery on
// rebalance.
type Source struct {
	r      reader
	logger log.Logger
}

// NewSource returns a Source reading cfg.Topic.
func NewSource(cfg Config, logger log.Logger) (*Source, error) {
	if cfg.Topic == "" {
		return nil, errors.New("KAFKA_TOPIC is required for the kafka source")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("KAFKA_GROUP_ID is required for the kafka source")
	}
	if logger == nil {
		logger = log.Nop()
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        ParseBrokers(cfg.Brokers),
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        cfg.MaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    kafka.LastOffset,
	})
	return &Source{r: r, logger: logger.With("component", "kafka-source", "topic", cfg.Topic)}, nil
}

// Next returns the next message value.
func (s *Source) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.r.ReadMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, pipeline.ErrSourceClosed
		}
		return nil, fmt.Errorf("kafka read: %w", err)
	}
	return msg.Value, nil
}

// Close closes the reader and leaves the group.
func (s *Source) Close() error {
	return s.r.Close()
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes outbox items synchronously and waits for the leader ack.
type Publisher struct {
	w writer
}

// NewPublisher returns a Publisher for the cluster in cfg. The destination
// topic is set per message.
func NewPublisher(cfg Config) *Publisher {
	return &Publisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(ParseBrokers(cfg.Brokers)...),
		Balancer:               &kafka.Hash{},
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

// Publish writes payload to the Kafka topic derived from topic. The outbox
// topic is the message key, and qos and retain travel as headers.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	name := TopicName(topic)
	msg := kafka.Message{
		Topic: name,
		Key:   []byte(topic),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "qos", Value: []byte(strconv.Itoa(int(qos)))},
			{Key: "retain", Value: []byte(strconv.FormatBool(retain))},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", name, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}
