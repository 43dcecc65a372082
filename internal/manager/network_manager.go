package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimbusgrid/iotbroker/internal/queue"
)

// UlDataHandler processes one uplink delivered on a network's uldata
// queue. Implemented by the routing engine (C6).
type UlDataHandler func(ctx context.Context, mgr *NetworkManager, body []byte, ack func(bool))

// DlDataResultHandler processes one delivery-result delivered on a
// network's dldata-result queue.
type DlDataResultHandler func(ctx context.Context, mgr *NetworkManager, body []byte, ack func(bool))

// NetworkManager owns the three queues spec.md §6.3 assigns a network:
// uldata (receive), dldata (send), dldata-result (receive).
type NetworkManager struct {
	Key       string
	NetworkID string
	UnitID    *string
	UnitCode  string
	Code      string

	uldata       queue.Queue
	dldata       queue.Queue
	dldataResult queue.Queue
}

// NewNetworkManager dials all three queues and wires the two receivers.
func NewNetworkManager(ctx context.Context, conn queue.Connection, networkID string, unitID *string, unitCode, code string, mq queue.Options, onUlData UlDataHandler, onDlDataResult DlDataResultHandler) (*NetworkManager, error) {
	m := &NetworkManager{
		Key:       queue.ManagerKey(unitCode, code),
		NetworkID: networkID,
		UnitID:    unitID,
		UnitCode:  unitCode,
		Code:      code,
	}

	var err error
	if m.uldata, err = dialQueue(ctx, conn, mq, queue.NetworkUlData(unitCode, code), true); err != nil {
		return nil, fmt.Errorf("network %s uldata: %w", m.Key, err)
	}
	if m.dldata, err = dialQueue(ctx, conn, mq, queue.NetworkDlData(unitCode, code), false); err != nil {
		_ = m.uldata.Close()
		return nil, fmt.Errorf("network %s dldata: %w", m.Key, err)
	}
	if m.dldataResult, err = dialQueue(ctx, conn, mq, queue.NetworkDlDataResult(unitCode, code), true); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("network %s dldata-result: %w", m.Key, err)
	}

	m.uldata.SetHandler(func(msg queue.Message) {
		onUlData(ctx, m, msg.Body(), func(accept bool) {
			if accept {
				_ = msg.Ack()
			} else {
				_ = msg.Nack()
			}
		})
	})
	m.dldataResult.SetHandler(func(msg queue.Message) {
		onDlDataResult(ctx, m, msg.Body(), func(accept bool) {
			if accept {
				_ = msg.Ack()
			} else {
				_ = msg.Nack()
			}
		})
	})

	return m, nil
}

// SendDlData publishes a NetDlData envelope (spec.md §6.3).
func (m *NetworkManager) SendDlData(ctx context.Context, body []byte) error {
	return m.dldata.SendMsg(ctx, body)
}

// Close tears down all three queues, aggregating any errors.
func (m *NetworkManager) Close() error {
	var errs []error
	for _, q := range []queue.Queue{m.uldata, m.dldata, m.dldataResult} {
		if q == nil {
			continue
		}
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
