// Package transport picks the queue.Dialer for a URI's scheme so the rest
// of the broker never imports internal/queue/amqp or internal/queue/mqtt
// directly: manager, control bus and cache all dial through a single
// protocol-agnostic entry point (spec.md §4.3: "the protocol choice is
// transparent to C4/C6").
package transport

import (
	"context"
	"fmt"
	"net/url"

	"github.com/nimbusgrid/iotbroker/internal/queue"
	"github.com/nimbusgrid/iotbroker/internal/queue/amqp"
	"github.com/nimbusgrid/iotbroker/internal/queue/mqtt"
)

// Dial inspects uri's scheme and dispatches to the matching backend's
// Dial function. amqp/amqps cover RabbitMQ; mqtt/mqtts/tcp/ssl cover the
// paho client's accepted broker URI schemes.
func Dial(ctx context.Context, uri string) (queue.Connection, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse queue uri: %w", err)
	}
	switch u.Scheme {
	case "amqp", "amqps":
		return amqp.Dial(ctx, uri)
	case "mqtt", "mqtts", "tcp", "ssl", "ws", "wss":
		return mqtt.Dial(ctx, uri)
	default:
		return nil, fmt.Errorf("queue transport: unrecognized scheme %q in %q", u.Scheme, uri)
	}
}
