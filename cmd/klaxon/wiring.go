package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linnemanlabs/go-core/log"
	"github.com/nats-io/nats.go"

	kc "github.com/linnemanlabs/klaxon/internal/cfg"
	"github.com/linnemanlabs/klaxon/internal/geo"
	"github.com/linnemanlabs/klaxon/internal/idempotency"
	idmem "github.com/linnemanlabs/klaxon/internal/idempotency/memstore"
	idpg "github.com/linnemanlabs/klaxon/internal/idempotency/pgstore"
	"github.com/linnemanlabs/klaxon/internal/idempotency/redisstore"
	idsqlite "github.com/linnemanlabs/klaxon/internal/idempotency/sqlitestore"
	"github.com/linnemanlabs/klaxon/internal/location"
	"github.com/linnemanlabs/klaxon/internal/notify/slack"
	"github.com/linnemanlabs/klaxon/internal/outbox"
	obmem "github.com/linnemanlabs/klaxon/internal/outbox/memstore"
	obpg "github.com/linnemanlabs/klaxon/internal/outbox/pgstore"
	obsqlite "github.com/linnemanlabs/klaxon/internal/outbox/sqlitestore"
	"github.com/linnemanlabs/klaxon/internal/pipeline"
	"github.com/linnemanlabs/klaxon/internal/policy"
	"github.com/linnemanlabs/klaxon/internal/postgres"
	"github.com/linnemanlabs/klaxon/internal/sqlite"
	"github.com/linnemanlabs/klaxon/internal/transport/kafkabus"
	"github.com/linnemanlabs/klaxon/internal/transport/mqtt"
	"github.com/linnemanlabs/klaxon/internal/transport/natsbus"
)

// ingestBuffer is the hand-off depth between HTTP handlers and the producer.
const ingestBuffer = 64

// busConfig groups the transport settings. Only the transports selected by
// -source and -sink are validated.
type busConfig struct {
	upstream mqtt.Config
	local    mqtt.Config
	nats     natsbus.Config
	kafka    kafkabus.Config
}

func (b *busConfig) RegisterFlags(fs *flag.FlagSet) {
	b.upstream.RegisterFlags(fs, "mqtt")
	b.local.RegisterFlags(fs, "local-mqtt")
	b.nats.RegisterFlags(fs)
	b.kafka.RegisterFlags(fs)
}

func (b *busConfig) Validate(app *kc.Config) error {
	var errs []error
	switch app.Source {
	case kc.SourceMQTT:
		errs = append(errs, b.upstream.Validate())
		if b.upstream.Topic == "" {
			errs = append(errs, errors.New("MQTT_TOPIC is required when SOURCE is mqtt"))
		}
	case kc.SourceNATS:
		errs = append(errs, b.nats.Validate())
		if b.nats.Subject == "" {
			errs = append(errs, errors.New("NATS_SUBJECT is required when SOURCE is nats"))
		}
	case kc.SourceKafka:
		errs = append(errs, b.kafka.Validate())
		if b.kafka.Topic == "" {
			errs = append(errs, errors.New("KAFKA_TOPIC is required when SOURCE is kafka"))
		}
	}
	switch app.Sink {
	case kc.SinkMQTT:
		errs = append(errs, b.local.Validate())
	case kc.SinkNATS:
		if app.Source != kc.SourceNATS {
			errs = append(errs, b.nats.Validate())
		}
	case kc.SinkKafka:
		if app.Source != kc.SourceKafka {
			errs = append(errs, b.kafka.Validate())
		}
	}
	return errors.Join(errs...)
}

// busSet owns the transport connections and closes them in reverse order.
type busSet struct {
	cfg     *busConfig
	logger  log.Logger
	nc      *nats.Conn
	closers []func(context.Context)
}

func newBusSet(cfg *busConfig, logger log.Logger) *busSet {
	return &busSet{cfg: cfg, logger: logger}
}

func (b *busSet) natsConn() (*nats.Conn, error) {
	if b.nc != nil {
		return b.nc, nil
	}
	nc, err := natsbus.Connect(b.cfg.nats, b.logger.With("component", "nats"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	b.nc = nc
	b.closers = append(b.closers, func(context.Context) { nc.Close() })
	return nc, nil
}

func (b *busSet) source(ctx context.Context, app *kc.Config) (pipeline.Source, error) {
	switch app.Source {
	case kc.SourceMQTT:
		src, err := mqtt.NewSource(b.cfg.upstream, b.logger.With("component", "mqtt-source"))
		if err != nil {
			return nil, fmt.Errorf("mqtt source: %w", err)
		}
		if err := src.Connect(ctx); err != nil {
			return nil, fmt.Errorf("mqtt source: %w", err)
		}
		b.closers = append(b.closers, func(context.Context) { src.Close() })
		return src, nil
	case kc.SourceNATS:
		nc, err := b.natsConn()
		if err != nil {
			return nil, err
		}
		src, err := natsbus.NewSource(nc, b.cfg.nats, b.logger.With("component", "nats-source"))
		if err != nil {
			return nil, fmt.Errorf("nats source: %w", err)
		}
		b.closers = append(b.closers, func(context.Context) { _ = src.Close() })
		return src, nil
	case kc.SourceKafka:
		src, err := kafkabus.NewSource(b.cfg.kafka, b.logger.With("component", "kafka-source"))
		if err != nil {
			return nil, fmt.Errorf("kafka source: %w", err)
		}
		b.closers = append(b.closers, func(context.Context) { _ = src.Close() })
		return src, nil
	}
	return nil, fmt.Errorf("unsupported source %q", app.Source)
}

func (b *busSet) sink(ctx context.Context, app *kc.Config) (outbox.Publisher, error) {
	switch app.Sink {
	case kc.SinkMQTT:
		pub, err := mqtt.NewPublisher(b.cfg.local, b.logger.With("component", "mqtt-sink"))
		if err != nil {
			return nil, fmt.Errorf("mqtt sink: %w", err)
		}
		if err := pub.Connect(ctx); err != nil {
			return nil, fmt.Errorf("mqtt sink: %w", err)
		}
		b.closers = append(b.closers, pub.Close)
		return pub, nil
	case kc.SinkNATS:
		nc, err := b.natsConn()
		if err != nil {
			return nil, err
		}
		return natsbus.NewPublisher(nc, b.cfg.nats), nil
	case kc.SinkKafka:
		pub := kafkabus.NewPublisher(b.cfg.kafka)
		b.closers = append(b.closers, func(context.Context) { _ = pub.Close() })
		return pub, nil
	case kc.SinkSlack:
		return slack.New(app.SlackWebhookURL, b.logger.With("component", "slack")), nil
	}
	return nil, fmt.Errorf("unsupported sink %q", app.Sink)
}

// close is safe to call more than once.
func (b *busSet) close(ctx context.Context) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i](ctx)
	}
	b.closers = nil
}

// storeSet holds the outbox and idempotency backends and the connections
// behind them.
type storeSet struct {
	outbox      outbox.Store
	idempotency idempotency.Backend
	closers     []func()
}

func openStores(ctx context.Context, app *kc.Config, logger log.Logger) (_ *storeSet, err error) {
	s := &storeSet{}
	defer func() {
		if err != nil {
			s.close(ctx)
		}
	}()

	var db *sql.DB
	sqliteDB := func() (*sql.DB, error) {
		if db != nil {
			return db, nil
		}
		d, err := sqlite.Open(ctx, app.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		db = d
		s.closers = append(s.closers, func() { _ = d.Close() })
		return d, nil
	}

	var pool *pgxpool.Pool
	pgPool := func() (*pgxpool.Pool, error) {
		if pool != nil {
			return pool, nil
		}
		p, err := postgres.NewPool(ctx, app.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		pool = p
		s.closers = append(s.closers, p.Close)
		return p, nil
	}

	switch app.StoreBackend {
	case kc.BackendSQLite:
		d, err := sqliteDB()
		if err != nil {
			return nil, err
		}
		if s.outbox, err = obsqlite.New(ctx, d); err != nil {
			return nil, fmt.Errorf("outbox sqlitestore init: %w", err)
		}
	case kc.BackendPostgres:
		p, err := pgPool()
		if err != nil {
			return nil, err
		}
		if s.outbox, err = obpg.New(ctx, p); err != nil {
			return nil, fmt.Errorf("outbox pgstore init: %w", err)
		}
	default:
		s.outbox = obmem.New()
		logger.Warn(ctx, "using in-memory outbox, pending notifications are lost on restart")
	}

	switch app.IdempotencyStore() {
	case kc.BackendSQLite:
		d, err := sqliteDB()
		if err != nil {
			return nil, err
		}
		if s.idempotency, err = idsqlite.New(ctx, d); err != nil {
			return nil, fmt.Errorf("idempotency sqlitestore init: %w", err)
		}
	case kc.BackendPostgres:
		p, err := pgPool()
		if err != nil {
			return nil, err
		}
		if s.idempotency, err = idpg.New(ctx, p); err != nil {
			return nil, fmt.Errorf("idempotency pgstore init: %w", err)
		}
	case kc.BackendRedis:
		client, err := redisstore.Connect(ctx, app.RedisURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		s.idempotency = redisstore.New(client, "")
	default:
		s.idempotency = idmem.New()
		logger.Warn(ctx, "using in-memory idempotency store, processed keys are lost on restart")
	}

	logger.Info(ctx, "stores ready",
		"outbox", app.StoreBackend,
		"idempotency", app.IdempotencyStore(),
	)
	return s, nil
}

// close is safe to call more than once.
func (s *storeSet) close(context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// loadPolicy builds the policy from flags and overlays the policy file when
// one is configured. A home location from -home wins over the file's.
func loadPolicy(app *kc.Config) (policy.Config, *geo.LatLon, error) {
	pc, err := app.Policy()
	if err != nil {
		return policy.Config{}, nil, err
	}
	home, err := app.Home()
	if err != nil {
		return policy.Config{}, nil, err
	}
	if app.PolicyFile == "" {
		return pc, home, nil
	}
	filePC, fileHome, err := policy.LoadFile(app.PolicyFile, pc)
	if err != nil {
		return policy.Config{}, nil, err
	}
	if home == nil {
		home = fileHome
	}
	return filePC, home, nil
}

// newLocator returns the reference location. With a Home Assistant token
// the live zone location is used, falling back to the static home until the
// first fix arrives.
func newLocator(ctx context.Context, app *kc.Config, home *geo.LatLon, logger log.Logger) pipeline.Locator {
	static := location.NewStatic(home)
	if app.HomeAssistantToken == "" {
		if home == nil {
			logger.Warn(ctx, "no reference location configured, geographic checks are skipped")
		}
		return static
	}

	ha := location.NewHomeAssistant(app.HomeAssistantURL, app.HomeAssistantToken, app.HomeAssistantEntity)
	cached := location.NewCached(ha, app.HomeAssistantRefresh, logger)
	_ = cached.Refresh(ctx)
	go cached.Run(ctx)
	return location.First{cached, static}
}
