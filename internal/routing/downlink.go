package routing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nimbusgrid/iotbroker/internal/apperrors"
	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/manager"
	"github.com/nimbusgrid/iotbroker/internal/queue"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

// OnDlData implements manager.DlDataHandler: the downlink path, spec.md
// §4.6. An unknown device or a unit mismatch is answered on dldata-resp
// with an error and acked. A malformed message, a repository failure, or a
// failure to persist the buffer, find the network manager or send to it
// returns Err on the ack so the queue layer redelivers the application's
// original message; none of these sends an error on dldata-resp.
func (e *Engine) OnDlData(ctx context.Context, mgr *manager.ApplicationManager, body []byte, ack func(bool)) {
	var in appDlData
	if err := json.Unmarshal(body, &in); err != nil {
		e.Log.Error("decode app dldata", "application", mgr.Key, "error", err)
		ack(false)
		return
	}

	dev, err := e.resolveDownlinkDevice(ctx, mgr, in)
	if err != nil {
		e.Log.Error("resolve downlink device", "application", mgr.Key, "error", err)
		ack(false)
		return
	}
	if dev == nil {
		e.respondDlData(ctx, mgr, appDlDataResp{CorrelationID: in.CorrelationID, Error: string(apperrors.CodeDeviceNotExist)})
		ack(true)
		return
	}

	net, err := e.Repos.Network.Get(ctx, storage.NetworkCond{NetworkID: dev.NetworkID})
	if err != nil {
		e.Log.Error("resolve downlink device's network", "application", mgr.Key, "device", dev.DeviceID, "error", err)
		ack(false)
		return
	}

	if !e.unitMatches(mgr, dev, net) {
		e.respondDlData(ctx, mgr, appDlDataResp{CorrelationID: in.CorrelationID, Error: string(apperrors.CodeUnitNotMatch)})
		ack(true)
		return
	}

	dataID := domain.NewID()
	now := domain.NowMS()
	buf := &domain.DlDataBuffer{
		DataID:          dataID,
		UnitID:          mgr.UnitID,
		UnitCode:        mgr.UnitCode,
		ApplicationID:   mgr.ApplicationID,
		ApplicationCode: mgr.Code,
		NetworkID:       net.NetworkID,
		NetworkAddr:     dev.NetworkAddr,
		DeviceID:        dev.DeviceID,
		CreatedAt:       now,
		ExpiredAt:       now.Add(e.BufferTTL),
	}
	if err := e.Repos.DlDataBuffer.Add(ctx, buf); err != nil {
		e.Log.Error("persist downlink buffer", "application", mgr.Key, "error", err)
		ack(false)
		return
	}

	e.respondDlData(ctx, mgr, appDlDataResp{CorrelationID: in.CorrelationID, DataID: dataID})

	netMgrKey := queue.ManagerKey(net.UnitCode, net.Code)
	netMgr, ok := e.Registry.Network(netMgrKey)
	if !ok {
		e.Log.Error("downlink dispatch: no network manager", "network", netMgrKey)
		ack(false)
		return
	}

	out := netDlData{
		DataID:      dataID,
		Publish:     now,
		ExpiresIn:   e.BufferTTL.Milliseconds(),
		NetworkAddr: dev.NetworkAddr,
		Data:        in.Data,
		Extension:   in.Extension,
	}
	outBody, err := json.Marshal(out)
	if err != nil {
		e.Log.Error("marshal net dldata", "network", netMgrKey, "error", err)
		ack(false)
		return
	}
	if err := netMgr.SendDlData(ctx, outBody); err != nil {
		e.Log.Error("send net dldata", "network", netMgrKey, "error", err)
		ack(false)
		return
	}

	ack(true)
}

// resolveDownlinkDevice implements step 1: resolve by device_id when
// given, else by (application's unit, network_code, network_addr).
func (e *Engine) resolveDownlinkDevice(ctx context.Context, mgr *manager.ApplicationManager, in appDlData) (*domain.Device, error) {
	if in.DeviceID != "" {
		dev, err := e.Repos.Device.Get(ctx, storage.DeviceCond{DeviceID: in.DeviceID})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return dev, nil
	}

	networkCode := strings.ToLower(in.NetworkCode)
	networkAddr := strings.ToLower(in.NetworkAddr)

	net, err := e.Repos.Network.Get(ctx, storage.NetworkCond{UnitID: mgr.UnitID, Code: networkCode})
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		net, err = e.Repos.Network.Get(ctx, storage.NetworkCond{PublicOnly: true, Code: networkCode})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
	}

	dev, err := e.Repos.Device.Get(ctx, storage.DeviceCond{NetworkID: net.NetworkID, NetworkAddr: networkAddr})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return dev, nil
}

// unitMatches implements step 2 (spec.md §4.6; see DESIGN.md Open
// Question decision #5 for the reading adopted here): the device's own
// unit must equal the application's unit, unless the device sits on a
// public network, which any unit's application may address.
func (e *Engine) unitMatches(mgr *manager.ApplicationManager, dev *domain.Device, net *domain.Network) bool {
	if dev.UnitID == mgr.UnitID {
		return true
	}
	return net.IsPublic()
}

func (e *Engine) respondDlData(ctx context.Context, mgr *manager.ApplicationManager, resp appDlDataResp) {
	body, err := json.Marshal(resp)
	if err != nil {
		e.Log.Error("marshal app dldata-resp", "application", mgr.Key, "error", err)
		return
	}
	if err := mgr.SendDlDataResp(ctx, body); err != nil {
		e.Log.Error("send app dldata-resp", "application", mgr.Key, "error", err)
	}
}
