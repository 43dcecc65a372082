package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimbusgrid/iotbroker/internal/queue"
)

// DlDataHandler processes one downlink request delivered on an
// application's dldata queue. Implemented by the routing engine (C6);
// kept as a function type here rather than an interface import to avoid
// a manager<->routing import cycle.
type DlDataHandler func(ctx context.Context, mgr *ApplicationManager, body []byte, ack func(bool))

// ApplicationManager owns the four queues spec.md §6.3 assigns an
// application: uldata (send), dldata (receive), dldata-resp (send),
// dldata-result (send).
type ApplicationManager struct {
	Key           string
	ApplicationID string
	UnitID        string
	UnitCode      string
	Code          string

	uldata       queue.Queue
	dldata       queue.Queue
	dldataResp   queue.Queue
	dldataResult queue.Queue
}

// NewApplicationManager dials all four queues and wires dldata's receiver
// to onDlData.
func NewApplicationManager(ctx context.Context, conn queue.Connection, applicationID, unitID, unitCode, code string, mq queue.Options, onDlData DlDataHandler) (*ApplicationManager, error) {
	m := &ApplicationManager{
		Key:           queue.ManagerKey(unitCode, code),
		ApplicationID: applicationID,
		UnitID:        unitID,
		UnitCode:      unitCode,
		Code:          code,
	}

	var err error
	if m.uldata, err = dialQueue(ctx, conn, mq, queue.ApplicationUlData(unitCode, code), false); err != nil {
		return nil, fmt.Errorf("application %s uldata: %w", m.Key, err)
	}
	if m.dldata, err = dialQueue(ctx, conn, mq, queue.ApplicationDlData(unitCode, code), true); err != nil {
		_ = m.uldata.Close()
		return nil, fmt.Errorf("application %s dldata: %w", m.Key, err)
	}
	if m.dldataResp, err = dialQueue(ctx, conn, mq, queue.ApplicationDlDataResp(unitCode, code), false); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("application %s dldata-resp: %w", m.Key, err)
	}
	if m.dldataResult, err = dialQueue(ctx, conn, mq, queue.ApplicationDlDataResult(unitCode, code), false); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("application %s dldata-result: %w", m.Key, err)
	}

	m.dldata.SetHandler(func(msg queue.Message) {
		onDlData(ctx, m, msg.Body(), func(accept bool) {
			if accept {
				_ = msg.Ack()
			} else {
				_ = msg.Nack()
			}
		})
	})

	return m, nil
}

// SendUlData publishes an AppUlData envelope (spec.md §6.3).
func (m *ApplicationManager) SendUlData(ctx context.Context, body []byte) error {
	return m.uldata.SendMsg(ctx, body)
}

// SendDlDataResp publishes an AppDlDataResp envelope.
func (m *ApplicationManager) SendDlDataResp(ctx context.Context, body []byte) error {
	return m.dldataResp.SendMsg(ctx, body)
}

// SendDlDataResult publishes an AppDlDataResult envelope.
func (m *ApplicationManager) SendDlDataResult(ctx context.Context, body []byte) error {
	return m.dldataResult.SendMsg(ctx, body)
}

// Close tears down all four queues, aggregating any errors.
func (m *ApplicationManager) Close() error {
	var errs []error
	for _, q := range []queue.Queue{m.uldata, m.dldata, m.dldataResp, m.dldataResult} {
		if q == nil {
			continue
		}
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func dialQueue(ctx context.Context, conn queue.Connection, base queue.Options, name string, receiver bool) (queue.Queue, error) {
	opts := base
	opts.Name = name
	opts.IsReceiver = receiver
	q, err := conn.NewQueue(opts)
	if err != nil {
		return nil, err
	}
	if err := q.Connect(ctx); err != nil {
		return nil, err
	}
	return q, nil
}
