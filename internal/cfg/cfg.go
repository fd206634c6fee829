package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/klaxon/internal/alert"
	"github.com/linnemanlabs/klaxon/internal/geo"
	"github.com/linnemanlabs/klaxon/internal/outbox"
	"github.com/linnemanlabs/klaxon/internal/pipeline"
	"github.com/linnemanlabs/klaxon/internal/policy"
)

// Alert sources.
const (
	SourceMQTT  = "mqtt"
	SourceNATS  = "nats"
	SourceKafka = "kafka"
	SourceHTTP  = "http"
)

// Publish sinks.
const (
	SinkMQTT  = "mqtt"
	SinkNATS  = "nats"
	SinkKafka = "kafka"
	SinkSlack = "slack"
)

// Storage backends. Redis is only valid for the idempotency store.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

// Config holds the application settings that are not owned by a transport
// package. Transport flags are registered by their own packages.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	Source string
	Sink   string

	StoreBackend       string
	IdempotencyBackend string
	SQLitePath         string
	DatabaseURL        string
	RedisURL           string

	QueueMaxSize          int
	DropOnFull            bool
	DedupOrder            string
	IdempotencyTTLSeconds int
	MaintenanceInterval   time.Duration

	OutboxMaxRetries int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	BackoffJitter    bool

	TopicPrefix   string
	PublishQoS    int
	PublishRetain bool

	SeverityThreshold   string
	DistanceThresholdKm float64
	PolygonBufferKm     float64
	PolicyMode          string
	PolicyFile          string
	HomeCoordinates     string

	HomeAssistantURL     string
	HomeAssistantToken   string
	HomeAssistantEntity  string
	HomeAssistantRefresh time.Duration

	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "shared token required on the HTTP API (required when source=http)")

	fs.StringVar(&c.Source, "source", SourceMQTT, "alert source: mqtt, nats, kafka or http")
	fs.StringVar(&c.Sink, "sink", SinkMQTT, "notification sink: mqtt, nats, kafka or slack")

	fs.StringVar(&c.StoreBackend, "store", BackendSQLite, "outbox and idempotency storage: sqlite, postgres or memory")
	fs.StringVar(&c.IdempotencyBackend, "idempotency-store", "", "idempotency storage override: sqlite, postgres, memory or redis (empty = same as -store)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "klaxon.db", "SQLite database file")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the idempotency store")

	fs.IntVar(&c.QueueMaxSize, "queue-size", 1000, "in-memory queue capacity (1..1000000)")
	fs.BoolVar(&c.DropOnFull, "drop-on-full", false, "drop incoming alerts when the queue is full instead of applying backpressure")
	fs.StringVar(&c.DedupOrder, "dedup-order", string(pipeline.DedupClaimFirst), "idempotency write order: claim-first or enqueue-first")
	fs.IntVar(&c.IdempotencyTTLSeconds, "idempotency-ttl-seconds", 86400, "seconds a processed alert key is remembered")
	fs.DurationVar(&c.MaintenanceInterval, "maintenance-interval", 30*time.Second, "interval between idempotency GC and gauge refresh")

	fs.IntVar(&c.OutboxMaxRetries, "outbox-max-retries", 10, "failed publish attempts before an outbox item is dropped")
	fs.DurationVar(&c.BackoffInitial, "backoff-initial", 500*time.Millisecond, "first publish retry delay")
	fs.DurationVar(&c.BackoffMax, "backoff-max", 30*time.Second, "maximum publish retry delay")
	fs.BoolVar(&c.BackoffJitter, "backoff-jitter", true, "scale retry delays by a random factor in [0.5, 1.0]")

	fs.StringVar(&c.TopicPrefix, "topic-prefix", "klaxon", "prefix for notification topics (<prefix>/alerts/<level>)")
	fs.IntVar(&c.PublishQoS, "publish-qos", 1, "QoS for published notifications (0..2)")
	fs.BoolVar(&c.PublishRetain, "publish-retain", false, "publish notifications with the retain flag")

	fs.StringVar(&c.SeverityThreshold, "severity-threshold", string(alert.SeverityModerate), "minimum severity: minor, moderate, severe or critical")
	fs.Float64Var(&c.DistanceThresholdKm, "distance-threshold-km", 5.0, "maximum distance in km from home to a point area")
	fs.Float64Var(&c.PolygonBufferKm, "polygon-buffer-km", 0, "buffer in km around polygon areas")
	fs.StringVar(&c.PolicyMode, "policy-mode", string(policy.ModeAnd), "combine severity and geography with AND or OR")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML policy file overriding the policy flags")
	fs.StringVar(&c.HomeCoordinates, "home", "", "static home location as lat,lon")

	fs.StringVar(&c.HomeAssistantURL, "ha-url", "", "Home Assistant base URL for the home location")
	fs.StringVar(&c.HomeAssistantToken, "ha-token", "", "Home Assistant long-lived access token (empty = disabled)")
	fs.StringVar(&c.HomeAssistantEntity, "ha-entity", "zone.home", "Home Assistant entity carrying latitude/longitude")
	fs.DurationVar(&c.HomeAssistantRefresh, "ha-refresh", 10*time.Minute, "Home Assistant location refresh interval")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL (required when sink=slack)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	switch c.Source {
	case SourceMQTT, SourceNATS, SourceKafka:
	case SourceHTTP:
		if c.APIToken == "" {
			errs = append(errs, errors.New("API_TOKEN is required when SOURCE is http"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid SOURCE %q (must be mqtt, nats, kafka or http)", c.Source))
	}

	switch c.Sink {
	case SinkMQTT, SinkNATS, SinkKafka:
	case SinkSlack:
		if c.SlackWebhookURL == "" {
			errs = append(errs, errors.New("SLACK_WEBHOOK_URL is required when SINK is slack"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid SINK %q (must be mqtt, nats, kafka or slack)", c.Sink))
	}

	// Storage
	switch c.StoreBackend {
	case BackendSQLite, BackendPostgres, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid STORE %q (must be sqlite, postgres or memory)", c.StoreBackend))
	}
	switch c.IdempotencyBackend {
	case "", BackendSQLite, BackendPostgres, BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("invalid IDEMPOTENCY_STORE %q (must be sqlite, postgres, memory or redis)", c.IdempotencyBackend))
	}
	if c.uses(BackendSQLite) && c.SQLitePath == "" {
		errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
	}
	if c.uses(BackendPostgres) && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
	}
	if c.uses(BackendRedis) && c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required for the redis idempotency store"))
	}

	// Pipeline
	if c.QueueMaxSize <= 0 || c.QueueMaxSize > 1_000_000 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_SIZE %d (must be 1..1000000)", c.QueueMaxSize))
	}
	if _, err := pipeline.ParseDedupOrder(c.DedupOrder); err != nil {
		errs = append(errs, err)
	}
	if c.IdempotencyTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid IDEMPOTENCY_TTL_SECONDS %d (must be > 0)", c.IdempotencyTTLSeconds))
	}
	if c.MaintenanceInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid MAINTENANCE_INTERVAL %s (must be > 0)", c.MaintenanceInterval))
	}

	// Outbox
	if c.OutboxMaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("invalid OUTBOX_MAX_RETRIES %d (must be > 0)", c.OutboxMaxRetries))
	}
	if c.BackoffInitial <= 0 {
		errs = append(errs, fmt.Errorf("invalid BACKOFF_INITIAL %s (must be > 0)", c.BackoffInitial))
	}
	if c.BackoffMax < c.BackoffInitial {
		errs = append(errs, fmt.Errorf("BACKOFF_MAX %s must be >= BACKOFF_INITIAL %s", c.BackoffMax, c.BackoffInitial))
	}

	// Publishing
	if c.PublishQoS < 0 || c.PublishQoS > 2 {
		errs = append(errs, fmt.Errorf("invalid PUBLISH_QOS %d (must be 0..2)", c.PublishQoS))
	}

	// Policy
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Home(); err != nil {
		errs = append(errs, err)
	}
	if c.HomeAssistantToken != "" && c.HomeAssistantRefresh <= 0 {
		errs = append(errs, fmt.Errorf("invalid HA_REFRESH %s (must be > 0)", c.HomeAssistantRefresh))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// IdempotencyStore returns the effective idempotency backend.
func (c *Config) IdempotencyStore() string {
	if c.IdempotencyBackend == "" {
		return c.StoreBackend
	}
	return c.IdempotencyBackend
}

func (c *Config) uses(backend string) bool {
	return c.StoreBackend == backend || c.IdempotencyStore() == backend
}

// Policy returns the policy thresholds from the flag values. A policy file,
// when configured, is applied on top by the caller.
func (c *Config) Policy() (policy.Config, error) {
	mode, err := policy.ParseMode(c.PolicyMode)
	if err != nil {
		return policy.Config{}, err
	}
	pc := policy.Config{
		SeverityThreshold:   alert.Severity(strings.ToLower(strings.TrimSpace(c.SeverityThreshold))),
		DistanceThresholdKm: c.DistanceThresholdKm,
		PolygonBufferKm:     c.PolygonBufferKm,
		Mode:                mode,
	}
	if err := pc.Validate(); err != nil {
		return policy.Config{}, err
	}
	return pc, nil
}

// Home parses HomeCoordinates. It returns nil when unset.
func (c *Config) Home() (*geo.LatLon, error) {
	s := strings.TrimSpace(c.HomeCoordinates)
	if s == "" {
		return nil, nil
	}
	latS, lonS, ok := strings.Cut(s, ",")
	if !ok {
		return nil, fmt.Errorf("invalid HOME %q (must be lat,lon)", c.HomeCoordinates)
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(latS), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(lonS), 64)
	p := geo.LatLon{Lat: lat, Lon: lon}
	if err1 != nil || err2 != nil || !p.Valid() {
		return nil, fmt.Errorf("invalid HOME %q (must be lat,lon within range)", c.HomeCoordinates)
	}
	return &p, nil
}

// Pipeline returns the orchestrator settings.
func (c *Config) Pipeline() pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.QueueMaxSize = c.QueueMaxSize
	pc.DropOnFull = c.DropOnFull
	pc.DedupOrder = pipeline.DedupOrder(c.DedupOrder)
	pc.TopicPrefix = c.TopicPrefix
	pc.QoS = byte(c.PublishQoS) //nolint:gosec // G115: validated to 0..2
	pc.Retain = c.PublishRetain
	pc.MaintenanceInterval = c.MaintenanceInterval
	return pc
}

// Dispatcher returns the outbox dispatcher settings.
func (c *Config) Dispatcher() outbox.DispatcherConfig {
	return outbox.DispatcherConfig{
		MaxRetries: c.OutboxMaxRetries,
		Backoff: outbox.Backoff{
			Initial: c.BackoffInitial,
			Max:     c.BackoffMax,
			Jitter:  c.BackoffJitter,
		},
	}
}

// IdempotencyTTL returns the retention window for processed keys.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}
