// Package controlbus implements the reliable broadcast control channel
// (C5): one queue per kind, carrying JSON records tagged by an operation
// discriminator, consumed by every broker replica to keep its cache and
// manager registry coherent (spec.md §4.5).
package controlbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nimbusgrid/iotbroker/internal/queue"
)

// pollInterval and pollAttempts implement the startup discipline spec.md
// §4.5 names: "up to five seconds (~500 x 10 ms) of polling is permitted;
// failure to connect is a fatal startup error."
const (
	pollInterval = 10 * time.Millisecond
	pollAttempts = 500
)

// Handler processes one decoded Record for a given Kind. Handlers must be
// idempotent: delivery is at-least-once (spec.md §4.5).
type Handler func(ctx context.Context, kind Kind, rec Record)

// Bus owns one sender and one receiver queue.Queue per Kind.
type Bus struct {
	conn    queue.Connection
	log     *slog.Logger
	senders map[Kind]queue.Queue
	onRecv  Handler
}

// New builds a Bus bound to conn; it does not connect any channel until
// Start is called.
func New(conn queue.Connection, log *slog.Logger, onRecv Handler) *Bus {
	return &Bus{conn: conn, log: log, senders: make(map[Kind]queue.Queue), onRecv: onRecv}
}

var allKinds = []Kind{KindApplication, KindNetwork, KindDeviceRoute, KindNetworkRoute}

// Start connects a sender and receiver queue for every control kind and
// waits for both to reach Connected, per the startup discipline above.
func (b *Bus) Start(ctx context.Context) error {
	for _, kind := range allKinds {
		if err := b.startKind(ctx, kind); err != nil {
			return fmt.Errorf("start control bus %s: %w", kind, err)
		}
	}
	return nil
}

func (b *Bus) startKind(ctx context.Context, kind Kind) error {
	channel := queueNameFor(kind)

	sender, err := b.conn.NewQueue(queue.Options{Name: channel, Reliable: true, Broadcast: true})
	if err != nil {
		return err
	}
	if err := sender.Connect(ctx); err != nil {
		return err
	}
	if err := awaitConnected(ctx, sender); err != nil {
		return err
	}

	receiver, err := b.conn.NewQueue(queue.Options{Name: channel, IsReceiver: true, Reliable: true, Broadcast: true})
	if err != nil {
		return err
	}
	receiver.SetHandler(func(msg queue.Message) {
		b.handle(ctx, kind, msg)
	})
	if err := receiver.Connect(ctx); err != nil {
		return err
	}
	if err := awaitConnected(ctx, receiver); err != nil {
		return err
	}

	b.senders[kind] = sender
	return nil
}

func queueNameFor(kind Kind) string {
	return "broker.ctrl." + string(kind)
}

// awaitConnected polls q.Status until Connected or pollAttempts is
// exhausted (spec.md §4.5).
func awaitConnected(ctx context.Context, q queue.Queue) error {
	for i := 0; i < pollAttempts; i++ {
		if q.Status() == queue.StatusConnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return fmt.Errorf("control queue did not reach Connected within %s", pollInterval*pollAttempts)
}

func (b *Bus) handle(ctx context.Context, kind Kind, msg queue.Message) {
	var rec Record
	if err := json.Unmarshal(msg.Body(), &rec); err != nil {
		b.log.Error("decode control record", "kind", kind, "error", err)
		_ = msg.Nack()
		return
	}
	b.onRecv(ctx, kind, rec)
	_ = msg.Ack()
}

// Publish sends rec on kind's sender queue.
func (b *Bus) Publish(ctx context.Context, kind Kind, rec Record) error {
	sender, ok := b.senders[kind]
	if !ok {
		return fmt.Errorf("control bus: no sender for kind %s", kind)
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal control record: %w", err)
	}
	return sender.SendMsg(ctx, body)
}
