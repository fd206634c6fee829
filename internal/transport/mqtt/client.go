package mqtt

import (
	"context"
	"errors"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/linnemanlabs/go-core/log"
)

// ErrNotConnected is returned by Publish while the broker connection is down.
var ErrNotConnected = errors.New("mqtt: not connected")

type clientFactory func(*paho.ClientOptions) paho.Client

// connect starts the client and waits up to timeout for the first
// connection. A broker that stays unreachable is not an error: paho keeps
// retrying in the background.
func connect(ctx context.Context, c paho.Client, timeout time.Duration, logger log.Logger, broker string) error {
	tok := c.Connect()
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return err
		}
		return nil
	case <-t.C:
		logger.Warn(ctx, "mqtt broker not reachable yet, retrying in background", "broker", broker)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wait blocks until tok completes or ctx ends.
func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
