package routing

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nimbusgrid/iotbroker/internal/queue"
)

// telemetryStreams lists the four optional mirror channels spec.md §4.6
// names alongside uplink and downlink-result.
var telemetryStreams = []string{
	queue.TelemetryNetworkUlData,
	queue.TelemetryApplicationUlData,
	queue.TelemetryNetworkDlDataResult,
	queue.TelemetryApplicationDlDataResult,
}

// Telemetry publishes best-effort mirror copies of routed traffic. A nil
// *Telemetry is valid and every method becomes a no-op, since spec.md
// §4.6 marks the mirror streams optional.
type Telemetry struct {
	senders map[string]queue.Queue
	log     *slog.Logger
}

// NewTelemetry dials a broadcast sender for every mirror stream over conn.
func NewTelemetry(ctx context.Context, conn queue.Connection, log *slog.Logger) (*Telemetry, error) {
	t := &Telemetry{senders: make(map[string]queue.Queue, len(telemetryStreams)), log: log}
	for _, stream := range telemetryStreams {
		q, err := conn.NewQueue(queue.Options{Name: queue.TelemetryChannel(stream), Broadcast: true})
		if err != nil {
			return nil, err
		}
		if err := q.Connect(ctx); err != nil {
			return nil, err
		}
		t.senders[stream] = q
	}
	return t, nil
}

func (t *Telemetry) publish(ctx context.Context, stream string, rec any) {
	if t == nil {
		return
	}
	q, ok := t.senders[stream]
	if !ok {
		return
	}
	body, err := json.Marshal(rec)
	if err != nil {
		t.log.Error("marshal telemetry record", "stream", stream, "error", err)
		return
	}
	if err := q.SendMsg(ctx, body); err != nil {
		t.log.Warn("publish telemetry record", "stream", stream, "error", err)
	}
}

// Close tears down every mirror sender.
func (t *Telemetry) Close() error {
	if t == nil {
		return nil
	}
	var err error
	for _, q := range t.senders {
		if cerr := q.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}
