// Package mqtt connects the relay to MQTT brokers: a Source subscribed to
// the upstream alert feed and a Publisher for the local broker that
// announces its presence on a retained status topic.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Config describes one broker connection.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string

	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	MaxReconnect   time.Duration

	// Topic and QoS are the subscription of a Source.
	Topic string
	QoS   int

	// StatusTopic receives a retained "online" on connect and is the
	// last-will topic for "offline". Empty disables presence.
	StatusTopic string
}

// RegisterFlags binds Config fields to fs under prefix, e.g. prefix
// "upstream-mqtt" yields -upstream-mqtt-broker.
func (c *Config) RegisterFlags(fs *flag.FlagSet, prefix string) {
	p := func(name string) string { return prefix + "-" + name }
	fs.StringVar(&c.Broker, p("broker"), "", "MQTT broker URL (tcp://, ssl://, ws:// or wss://)")
	fs.StringVar(&c.ClientID, p("client-id"), "", "MQTT client id (empty = generated)")
	fs.StringVar(&c.Username, p("username"), "", "MQTT username")
	fs.StringVar(&c.Password, p("password"), "", "MQTT password")
	fs.StringVar(&c.CAFile, p("ca-file"), "", "PEM CA bundle for verifying the broker")
	fs.StringVar(&c.CertFile, p("cert-file"), "", "PEM client certificate for mTLS")
	fs.StringVar(&c.KeyFile, p("key-file"), "", "PEM client key for mTLS")
	fs.BoolVar(&c.InsecureSkipVerify, p("insecure-skip-verify"), false, "skip broker certificate verification")
	fs.DurationVar(&c.KeepAlive, p("keepalive"), 30*time.Second, "MQTT keepalive interval")
	fs.DurationVar(&c.ConnectTimeout, p("connect-timeout"), 10*time.Second, "timeout for a single connect attempt")
	fs.DurationVar(&c.MaxReconnect, p("max-reconnect-interval"), time.Minute, "upper bound for reconnect backoff")
	fs.StringVar(&c.Topic, p("topic"), "", "topic filter to subscribe to")
	fs.IntVar(&c.QoS, p("qos"), 1, "subscription QoS (0..2)")
	fs.StringVar(&c.StatusTopic, p("status-topic"), "", "retained presence topic (empty = disabled)")
}

// Validate checks the connection settings. A Source additionally needs
// Topic; that is checked by NewSource.
func (c *Config) Validate() error {
	var errs []error

	if c.Broker == "" {
		errs = append(errs, errors.New("MQTT broker is required"))
	} else if u, err := url.Parse(c.Broker); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid MQTT broker %q", c.Broker))
	} else {
		switch u.Scheme {
		case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
		default:
			errs = append(errs, fmt.Errorf("unsupported MQTT broker scheme %q", u.Scheme))
		}
	}
	if c.QoS < 0 || c.QoS > 2 {
		errs = append(errs, fmt.Errorf("invalid MQTT qos %d (must be 0..2)", c.QoS))
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("MQTT cert-file and key-file must be set together"))
	}
	if c.KeepAlive < time.Second {
		errs = append(errs, fmt.Errorf("invalid MQTT keepalive %s (must be >= 1s)", c.KeepAlive))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// TLSConfig builds the client TLS configuration, or nil when no TLS
// setting is present and the broker scheme is plain.
func (c *Config) TLSConfig() (*tls.Config, error) {
	secure := strings.HasPrefix(c.Broker, "ssl://") || strings.HasPrefix(c.Broker, "tls://") ||
		strings.HasPrefix(c.Broker, "mqtts://") || strings.HasPrefix(c.Broker, "wss://")
	if !secure && c.CAFile == "" && c.CertFile == "" && !c.InsecureSkipVerify {
		return nil, nil
	}

	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s: no certificates found", c.CAFile)
		}
		tc.RootCAs = pool
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func (c *Config) clientID(role string) string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return "klaxon-" + role + "-" + uuid.NewString()[:8]
}

// clientOptions returns paho options with auto-reconnect on. Connect keeps
// retrying in the background so a broker that is down at startup does not
// block the process.
func (c *Config) clientOptions(role string) (*paho.ClientOptions, error) {
	tc, err := c.TLSConfig()
	if err != nil {
		return nil, err
	}
	opts := paho.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(c.clientID(role)).
		SetKeepAlive(c.KeepAlive).
		SetConnectTimeout(c.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(c.MaxReconnect).
		SetCleanSession(true).
		SetOrderMatters(true)
	if c.Username != "" {
		opts.SetUsername(c.Username)
		opts.SetPassword(c.Password)
	}
	if tc != nil {
		opts.SetTLSConfig(tc)
	}
	return opts, nil
}
