package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/klaxon/internal/alert"
	kc "github.com/linnemanlabs/klaxon/internal/cfg"
	"github.com/linnemanlabs/klaxon/internal/geo"
	"github.com/linnemanlabs/klaxon/internal/location"
	"github.com/linnemanlabs/klaxon/internal/notify/slack"
	"github.com/linnemanlabs/klaxon/internal/policy"
)

func parseConfig(t *testing.T, args ...string) (kc.Config, busConfig) {
	t.Helper()
	var (
		app kc.Config
		bus busConfig
	)
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	app.RegisterFlags(fs)
	bus.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return app, bus
}

func TestBusConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		args      []string
		errSubstr string
	}{
		{"mqtt source needs topic", []string{"-mqtt-broker", "tcp://broker:1883"}, "MQTT_TOPIC"},
		{"mqtt source and sink", []string{"-mqtt-broker", "tcp://broker:1883", "-mqtt-topic", "alerts/#", "-local-mqtt-broker", "tcp://localhost:1883"}, ""},
		{"nats source needs subject", []string{"-source", "nats", "-local-mqtt-broker", "tcp://localhost:1883"}, "NATS_SUBJECT"},
		{"nats both ways", []string{"-source", "nats", "-nats-subject", "alerts.upstream", "-sink", "nats"}, ""},
		{"kafka source needs brokers", []string{"-source", "kafka", "-kafka-topic", "alerts", "-sink", "kafka"}, "KAFKA_BROKERS"},
		{"kafka both ways", []string{"-source", "kafka", "-kafka-brokers", "k1:9092", "-kafka-topic", "alerts", "-sink", "kafka"}, ""},
		{"http source skips bus checks", []string{"-source", "http", "-api-token", "t", "-sink", "slack", "-slack-webhook-url", "https://hooks.example/x"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, bus := parseConfig(t, tt.args...)
			err := bus.Validate(&app)
			if tt.errSubstr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSubstr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.errSubstr)
			}
		})
	}
}

func TestOpenStores_Memory(t *testing.T) {
	t.Parallel()

	app, _ := parseConfig(t, "-store", "memory")
	s, err := openStores(context.Background(), &app, log.Nop())
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}
	defer s.close(context.Background())

	if _, err := s.outbox.Enqueue(context.Background(), "klaxon/alerts/severe", []byte("{}"), 1, false); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if n, _ := s.outbox.Count(context.Background()); n != 1 {
		t.Errorf("outbox count = %d, want 1", n)
	}
	now := time.Now()
	if ok, err := s.idempotency.Insert(context.Background(), "k", now, now.Add(time.Hour)); err != nil || !ok {
		t.Errorf("Insert = %v, %v", ok, err)
	}
}

func TestOpenStores_SQLiteSharesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "klaxon.db")
	app, _ := parseConfig(t, "-store", "sqlite", "-sqlite-path", path)

	s, err := openStores(context.Background(), &app, log.Nop())
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}
	if len(s.closers) != 1 {
		t.Errorf("closers = %d, want one shared database handle", len(s.closers))
	}
	if _, err := s.outbox.Enqueue(context.Background(), "t", []byte("{}"), 1, false); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	s.close(context.Background())
	s.close(context.Background())

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file: %v", err)
	}
}

func TestOpenStores_RedisUnreachable(t *testing.T) {
	t.Parallel()

	app, _ := parseConfig(t, "-store", "memory", "-idempotency-store", "redis", "-redis-url", "redis://127.0.0.1:1/0")
	if _, err := openStores(context.Background(), &app, log.Nop()); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestBusSet_SlackSinkAndClose(t *testing.T) {
	t.Parallel()

	app, bus := parseConfig(t, "-sink", "slack", "-slack-webhook-url", "https://hooks.example/x")
	b := newBusSet(&bus, log.Nop())

	pub, err := b.sink(context.Background(), &app)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	if _, ok := pub.(*slack.Notifier); !ok {
		t.Errorf("sink = %T, want *slack.Notifier", pub)
	}

	calls := 0
	b.closers = append(b.closers, func(context.Context) { calls++ })
	b.close(context.Background())
	b.close(context.Background())
	if calls != 1 {
		t.Errorf("closer ran %d times, want 1", calls)
	}
}

func TestBusSet_Unsupported(t *testing.T) {
	t.Parallel()

	app, bus := parseConfig(t)
	app.Source, app.Sink = "carrier-pigeon", "smoke-signal"
	b := newBusSet(&bus, log.Nop())
	if _, err := b.source(context.Background(), &app); err == nil {
		t.Error("expected error for unsupported source")
	}
	if _, err := b.sink(context.Background(), &app); err == nil {
		t.Error("expected error for unsupported sink")
	}
}

func TestLoadPolicy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	doc := "severity_threshold: severe\nmode: OR\nhome:\n  lat: 35.1796\n  lon: 129.0756\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Run("flags only", func(t *testing.T) {
		t.Parallel()
		app, _ := parseConfig(t, "-home", "37.5665,126.978")
		pc, home, err := loadPolicy(&app)
		if err != nil {
			t.Fatalf("loadPolicy: %v", err)
		}
		if pc.Mode != policy.ModeAnd || pc.SeverityThreshold != alert.SeverityModerate {
			t.Errorf("policy = %+v", pc)
		}
		if home == nil || home.Lat != 37.5665 {
			t.Errorf("home = %v", home)
		}
	})

	t.Run("file overlays flags", func(t *testing.T) {
		t.Parallel()
		app, _ := parseConfig(t, "-policy-file", path)
		pc, home, err := loadPolicy(&app)
		if err != nil {
			t.Fatalf("loadPolicy: %v", err)
		}
		if pc.Mode != policy.ModeOr || pc.SeverityThreshold != alert.SeveritySevere {
			t.Errorf("policy = %+v", pc)
		}
		if pc.DistanceThresholdKm != 5 {
			t.Errorf("distance = %v, want flag default kept", pc.DistanceThresholdKm)
		}
		if home == nil || home.Lat != 35.1796 {
			t.Errorf("home = %v, want file home", home)
		}
	})

	t.Run("flag home wins", func(t *testing.T) {
		t.Parallel()
		app, _ := parseConfig(t, "-policy-file", path, "-home", "37.5665,126.978")
		_, home, err := loadPolicy(&app)
		if err != nil {
			t.Fatalf("loadPolicy: %v", err)
		}
		if home == nil || home.Lat != 37.5665 {
			t.Errorf("home = %v, want flag home", home)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		app, _ := parseConfig(t, "-policy-file", filepath.Join(dir, "absent.yaml"))
		if _, _, err := loadPolicy(&app); err == nil {
			t.Fatal("expected error for missing policy file")
		}
	})
}

func TestNewLocator_Static(t *testing.T) {
	t.Parallel()

	app, _ := parseConfig(t)
	home := &geo.LatLon{Lat: 37.5665, Lon: 126.978}

	l := newLocator(context.Background(), &app, home, log.Nop())
	if _, ok := l.(location.Static); !ok {
		t.Fatalf("locator = %T, want location.Static", l)
	}
	p, ok := l.Location(context.Background())
	if !ok || p != *home {
		t.Errorf("Location = %v, %v", p, ok)
	}
}

func TestNewLocator_HomeAssistantFallsBackToStatic(t *testing.T) {
	t.Parallel()

	// Unroutable Home Assistant: the first refresh fails and the static
	// home is served.
	app, _ := parseConfig(t, "-ha-url", "http://127.0.0.1:1", "-ha-token", "tok")
	home := &geo.LatLon{Lat: 37.5665, Lon: 126.978}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := newLocator(ctx, &app, home, log.Nop())
	if _, ok := l.(location.First); !ok {
		t.Fatalf("locator = %T, want location.First", l)
	}
	p, ok := l.Location(ctx)
	if !ok || p != *home {
		t.Errorf("Location = %v, %v; want static home", p, ok)
	}
}
