// Package amqp implements the queue.Connection/queue.Queue contract over
// github.com/rabbitmq/amqp091-go, grounded on the connection/channel
// lifecycle pattern in nasnet-community-nasnet-panel's connection package
// (dial once, fan out channels, watch the close notification to flip
// status) adapted from SSH sessions to AMQP channels.
package amqp

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nimbusgrid/iotbroker/internal/queue"
)

type connection struct {
	uri  string
	conn *amqp.Connection

	mu     sync.RWMutex
	status queue.Status
}

// Dial opens an AMQP connection and satisfies queue.Dialer.
func Dial(ctx context.Context, uri string) (queue.Connection, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	c := &connection{uri: uri, conn: conn, status: queue.StatusConnected}
	closeCh := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeCh)
	go func() {
		<-closeCh
		c.mu.Lock()
		c.status = queue.StatusDisconnected
		c.mu.Unlock()
	}()
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
	return c.conn.Close()
}

func (c *connection) NewQueue(opts queue.Options) (queue.Queue, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	return newAMQPQueue(ch, opts), nil
}

type amqpQueue struct {
	ch   *amqp.Channel
	opts queue.Options

	mu       sync.RWMutex
	status   queue.Status
	handler  queue.Handler
	onStatus func(queue.Status)
	onError  func(error)
	declared string
}

func newAMQPQueue(ch *amqp.Channel, opts queue.Options) *amqpQueue {
	return &amqpQueue{ch: ch, opts: opts, status: queue.StatusClosed}
}

func (q *amqpQueue) Connect(ctx context.Context) error {
	q.setStatus(queue.StatusConnecting)

	kind := "direct"
	if q.opts.Broadcast {
		kind = "fanout"
	}
	if err := q.ch.ExchangeDeclare(q.opts.Name, kind, q.opts.Reliable, false, false, false, nil); err != nil {
		q.setStatus(queue.StatusDisconnected)
		return fmt.Errorf("declare exchange %s: %w", q.opts.Name, err)
	}

	durable := q.opts.Persistent
	decl, err := q.ch.QueueDeclare(q.opts.Name, durable, !q.opts.Reliable, !q.opts.Broadcast, false, nil)
	if err != nil {
		q.setStatus(queue.StatusDisconnected)
		return fmt.Errorf("declare queue %s: %w", q.opts.Name, err)
	}
	q.declared = decl.Name

	if err := q.ch.QueueBind(decl.Name, "", q.opts.Name, false, nil); err != nil {
		q.setStatus(queue.StatusDisconnected)
		return fmt.Errorf("bind queue %s: %w", q.opts.Name, err)
	}

	if q.opts.IsReceiver {
		prefetch := q.opts.Prefetch
		if prefetch <= 0 {
			prefetch = 100
		}
		if err := q.ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos on %s: %w", q.opts.Name, err)
		}
		deliveries, err := q.ch.Consume(decl.Name, "", false, !q.opts.Broadcast, false, false, nil)
		if err != nil {
			q.setStatus(queue.StatusDisconnected)
			return fmt.Errorf("consume %s: %w", q.opts.Name, err)
		}
		go q.deliver(deliveries)
	}

	closeCh := make(chan *amqp.Error, 1)
	q.ch.NotifyClose(closeCh)
	go func() {
		err, ok := <-closeCh
		if !ok || err == nil {
			return
		}
		q.setStatus(queue.StatusDisconnected)
		q.mu.RLock()
		cb := q.onError
		q.mu.RUnlock()
		if cb != nil {
			cb(err)
		}
	}()

	q.setStatus(queue.StatusConnected)
	return nil
}

func (q *amqpQueue) deliver(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		q.mu.RLock()
		h := q.handler
		q.mu.RUnlock()
		if h == nil {
			_ = d.Nack(false, true)
			continue
		}
		h(&amqpMessage{delivery: d})
	}
}

func (q *amqpQueue) Close() error {
	q.setStatus(queue.StatusClosed)
	return q.ch.Close()
}

func (q *amqpQueue) Status() queue.Status {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.status
}

func (q *amqpQueue) SendMsg(ctx context.Context, body []byte) error {
	if q.Status() != queue.StatusConnected {
		return queue.ErrNotConnected
	}
	mode := amqp.Transient
	if q.opts.Persistent {
		mode = amqp.Persistent
	}
	return q.ch.PublishWithContext(ctx, q.opts.Name, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		Body:         body,
	})
}

func (q *amqpQueue) SetHandler(h queue.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

func (q *amqpQueue) OnStatus(f func(queue.Status)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onStatus = f
}

func (q *amqpQueue) OnError(f func(error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onError = f
}

func (q *amqpQueue) setStatus(s queue.Status) {
	q.mu.Lock()
	q.status = s
	cb := q.onStatus
	q.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

type amqpMessage struct {
	delivery amqp.Delivery
}

func (m *amqpMessage) Body() []byte { return m.delivery.Body }
func (m *amqpMessage) Ack() error   { return m.delivery.Ack(false) }
func (m *amqpMessage) Nack() error  { return m.delivery.Nack(false, true) }
