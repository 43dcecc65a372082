package routing

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nimbusgrid/iotbroker/internal/manager"
	"github.com/nimbusgrid/iotbroker/internal/queue"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

// OnDlDataResult implements manager.DlDataResultHandler: the
// downlink-result path, spec.md §4.6. A missing buffer is logged and
// acked — the delivery it correlates to has already been resolved or
// expired, and redelivery would never find it either.
func (e *Engine) OnDlDataResult(ctx context.Context, mgr *manager.NetworkManager, body []byte, ack func(bool)) {
	var in netDlDataResult
	if err := json.Unmarshal(body, &in); err != nil {
		e.Log.Error("decode net dldata-result", "network", mgr.Key, "error", err)
		ack(false)
		return
	}

	e.Telemetry.publish(ctx, queue.TelemetryNetworkDlDataResult, in)

	buf, err := e.Repos.DlDataBuffer.Get(ctx, storage.DlDataBufferCond{DataID: in.DataID})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.Log.Warn("dldata-result: no buffer for data_id", "network", mgr.Key, "dataId", in.DataID)
			ack(true)
			return
		}
		e.Log.Error("load downlink buffer", "network", mgr.Key, "dataId", in.DataID, "error", err)
		ack(false)
		return
	}

	appMgrKey := queue.ManagerKey(buf.UnitCode, buf.ApplicationCode)
	appMgr, ok := e.Registry.Application(appMgrKey)
	if !ok {
		e.Log.Warn("dldata-result: no application manager", "application", appMgrKey, "dataId", in.DataID)
	} else {
		out := appDlDataResult{DataID: in.DataID, Status: in.Status, Message: in.Message}
		outBody, err := json.Marshal(out)
		if err != nil {
			e.Log.Error("marshal app dldata-result", "application", appMgrKey, "error", err)
		} else if err := appMgr.SendDlDataResult(ctx, outBody); err != nil {
			e.Log.Error("send app dldata-result", "application", appMgrKey, "error", err)
		} else {
			e.Telemetry.publish(ctx, queue.TelemetryApplicationDlDataResult, out)
		}
	}

	if in.Status >= 0 {
		if err := e.Repos.DlDataBuffer.Del(ctx, storage.DlDataBufferCond{DataID: in.DataID}); err != nil {
			e.Log.Error("delete downlink buffer", "dataId", in.DataID, "error", err)
		}
	}

	ack(true)
}
