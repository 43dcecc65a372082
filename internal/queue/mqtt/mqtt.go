// Package mqtt implements the queue.Connection/queue.Queue contract over
// github.com/eclipse/paho.mqtt.golang, mirroring the amqp backend's
// lifecycle shape so the manager registry (C4) can treat both
// transports uniformly (spec.md §4.3: "the protocol choice is
// transparent to C4/C6").
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/nimbusgrid/iotbroker/internal/queue"
)

type connection struct {
	uri    string
	client paho.Client

	mu     sync.RWMutex
	status queue.Status
}

// Dial opens an MQTT connection and satisfies queue.Dialer.
func Dial(ctx context.Context, uri string) (queue.Connection, error) {
	c := &connection{uri: uri, status: queue.StatusConnecting}
	opts := paho.NewClientOptions().
		AddBroker(uri).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(paho.Client, error) {
			c.mu.Lock()
			c.status = queue.StatusDisconnected
			c.mu.Unlock()
		}).
		SetOnConnectHandler(func(paho.Client) {
			c.mu.Lock()
			c.status = queue.StatusConnected
			c.mu.Unlock()
		})
	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect %s: timed out", uri)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", uri, err)
	}
	c.client = client
	c.status = queue.StatusConnected
	return c, nil
}

func (c *connection) URI() string { return c.uri }

func (c *connection) Status() queue.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *connection) Close() error {
	c.mu.Lock()
	c.status = queue.StatusClosed
	c.mu.Unlock()
	c.client.Disconnect(250)
	return nil
}

func (c *connection) NewQueue(opts queue.Options) (queue.Queue, error) {
	return &mqttQueue{client: c.client, opts: opts, status: queue.StatusClosed}, nil
}

type mqttQueue struct {
	client paho.Client
	opts   queue.Options

	mu       sync.RWMutex
	status   queue.Status
	handler  queue.Handler
	onStatus func(queue.Status)
	onError  func(error)
}

// topic renders Options.Name as an MQTT topic, prefixed for shared
// subscriptions when SharedPrefix is set (spec.md §4.3, §5: "MQTT uses
// shared subscriptions via shared_prefix so replicas split load").
func (q *mqttQueue) topic() string {
	if q.opts.IsReceiver && q.opts.SharedPrefix != "" {
		return fmt.Sprintf("%s/%s", q.opts.SharedPrefix, q.opts.Name)
	}
	return q.opts.Name
}

func (q *mqttQueue) Connect(ctx context.Context) error {
	q.setStatus(queue.StatusConnecting)

	if q.opts.IsReceiver {
		qos := byte(0)
		if q.opts.Reliable {
			qos = 1
		}
		token := q.client.Subscribe(q.topic(), qos, func(c paho.Client, m paho.Message) {
			q.mu.RLock()
			h := q.handler
			q.mu.RUnlock()
			if h == nil {
				return
			}
			h(&mqttMessage{msg: m})
		})
		if !token.WaitTimeout(10 * time.Second) {
			q.setStatus(queue.StatusDisconnected)
			return fmt.Errorf("subscribe %s: timed out", q.opts.Name)
		}
		if err := token.Error(); err != nil {
			q.setStatus(queue.StatusDisconnected)
			return fmt.Errorf("subscribe %s: %w", q.opts.Name, err)
		}
	}

	q.setStatus(queue.StatusConnected)
	return nil
}

func (q *mqttQueue) Close() error {
	if q.opts.IsReceiver {
		q.client.Unsubscribe(q.opts.Name)
	}
	q.setStatus(queue.StatusClosed)
	return nil
}

func (q *mqttQueue) Status() queue.Status {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.status
}

func (q *mqttQueue) SendMsg(ctx context.Context, body []byte) error {
	if !q.client.IsConnected() {
		return queue.ErrNotConnected
	}
	qos := byte(0)
	if q.opts.Reliable {
		qos = 1
	}
	token := q.client.Publish(q.opts.Name, qos, q.opts.Persistent, body)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timed out", q.opts.Name)
	}
	if err := token.Error(); err != nil {
		q.mu.RLock()
		cb := q.onError
		q.mu.RUnlock()
		if cb != nil {
			cb(err)
		}
		return fmt.Errorf("publish %s: %w", q.opts.Name, err)
	}
	return nil
}

func (q *mqttQueue) SetHandler(h queue.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

func (q *mqttQueue) OnStatus(f func(queue.Status)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onStatus = f
}

func (q *mqttQueue) OnError(f func(error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onError = f
}

func (q *mqttQueue) setStatus(s queue.Status) {
	q.mu.Lock()
	q.status = s
	cb := q.onStatus
	q.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// mqttQueue has no ack/nack distinction at the broker level (QoS retry is
// handled by paho); mqttMessage.Nack is therefore a no-op returning nil,
// matching MQTT's at-most-once-per-handler delivery model for QoS 0/1.
type mqttMessage struct {
	msg paho.Message
}

func (m *mqttMessage) Body() []byte { return m.msg.Payload() }
func (m *mqttMessage) Ack() error   { m.msg.Ack(); return nil }
func (m *mqttMessage) Nack() error  { return nil }
