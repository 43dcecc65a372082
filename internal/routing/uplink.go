package routing

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/manager"
	"github.com/nimbusgrid/iotbroker/internal/queue"
)

// OnUlData implements manager.UlDataHandler: the uplink path, spec.md
// §4.6. Per-target send failures are logged and skipped; a malformed
// message or a repository failure nacks the source message so the queue
// layer redelivers it.
func (e *Engine) OnUlData(ctx context.Context, mgr *manager.NetworkManager, body []byte, ack func(bool)) {
	var in netUlData
	if err := json.Unmarshal(body, &in); err != nil {
		e.Log.Error("decode network uldata", "network", mgr.Key, "error", err)
		ack(false)
		return
	}
	networkAddr := strings.ToLower(in.NetworkAddr)

	deviceID, profile, found, err := e.resolveDeviceByNetwork(ctx, mgr.NetworkID, mgr.UnitCode, mgr.Code, networkAddr)
	if err != nil {
		e.Log.Error("resolve device", "network", mgr.Key, "error", err)
		ack(false)
		return
	}

	telemetry := netUlDataTelemetry{
		DataID:      domain.NewID(),
		Proc:        domain.NowMS(),
		UnitCode:    mgr.UnitCode,
		NetworkCode: mgr.Code,
		NetworkAddr: networkAddr,
		Time:        in.Time,
		Data:        in.Data,
		Extension:   in.Extension,
	}
	if found {
		telemetry.DeviceID = deviceID
		telemetry.Profile = profile
	}
	e.Telemetry.publish(ctx, queue.TelemetryNetworkUlData, telemetry)

	if !found {
		e.Log.Warn("uplink: no device for network address", "network", mgr.Key, "networkAddr", networkAddr)
		ack(true)
		return
	}

	env := appUlData{
		Time:        in.Time,
		Publish:     domain.NowMS(),
		DeviceID:    deviceID,
		NetworkID:   mgr.NetworkID,
		NetworkCode: mgr.Code,
		NetworkAddr: networkAddr,
		IsPublic:    mgr.UnitID == nil,
		Profile:     profile,
		Data:        in.Data,
		Extension:   in.Extension,
	}

	sentMgrs := make(map[string]bool)

	deviceKeys, err := e.deviceRouteMgrKeys(ctx, deviceID)
	if err != nil {
		e.Log.Error("device-route fan-out lookup", "device", deviceID, "error", err)
		ack(false)
		return
	}
	for _, key := range deviceKeys {
		e.sendUlDataTo(ctx, key, env)
		sentMgrs[key] = true
	}

	networkKeys, err := e.networkRouteMgrKeys(ctx, mgr.NetworkID)
	if err != nil {
		e.Log.Error("network-route fan-out lookup", "network", mgr.NetworkID, "error", err)
		ack(false)
		return
	}
	for _, key := range networkKeys {
		if sentMgrs[key] {
			continue
		}
		e.sendUlDataTo(ctx, key, env)
		sentMgrs[key] = true
	}

	ack(true)
}

// sendUlDataTo delivers one copy of env to the application manager under
// mgrKey, stamping a fresh data_id per delivery (spec.md §4.6 step 5).
func (e *Engine) sendUlDataTo(ctx context.Context, mgrKey string, env appUlData) {
	appMgr, ok := e.Registry.Application(mgrKey)
	if !ok {
		e.Log.Warn("uplink fan-out: no application manager", "key", mgrKey)
		return
	}

	env.DataID = domain.NewID()
	body, err := json.Marshal(env)
	if err != nil {
		e.Log.Error("marshal app uldata", "application", mgrKey, "error", err)
		return
	}
	if err := appMgr.SendUlData(ctx, body); err != nil {
		e.Log.Error("send app uldata", "application", mgrKey, "error", err)
		return
	}
	e.Telemetry.publish(ctx, queue.TelemetryApplicationUlData, env)
}
