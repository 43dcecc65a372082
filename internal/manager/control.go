package manager

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nimbusgrid/iotbroker/internal/cache"
	"github.com/nimbusgrid/iotbroker/internal/controlbus"
	"github.com/nimbusgrid/iotbroker/internal/queue"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

// NewControlHandler builds the controlbus.Handler that keeps this
// replica's manager registry and lookup cache coherent with every other
// replica's mutations (spec.md §4.5, invariant 7: "re-delivering any
// control message produces the same final state as a single delivery").
// On add-manager it re-fetches the canonical entity from the repository
// by ID rather than trusting the wire payload, since a replica other
// than the one that handled the HTTP mutation never held the entity in
// memory; Add{Application,Network} are themselves idempotent via
// Registry.Swap, so a redelivered add-manager just replaces the manager
// with an identical one.
func NewControlHandler(l *Lifecycle, repos storage.Repositories, c *cache.Cache, log *slog.Logger) controlbus.Handler {
	return func(ctx context.Context, kind controlbus.Kind, rec controlbus.Record) {
		switch rec.Operation {
		case controlbus.OpAddManager:
			handleAddManager(ctx, l, repos, kind, rec, log)
		case controlbus.OpDelManager:
			handleDelManager(l, kind, rec, log)
		case controlbus.OpDelApplication:
			handleDelApplication(l, rec, log)
		case controlbus.OpDelNetwork:
			handleDelNetwork(l, rec, log)
		case controlbus.OpDelDevice:
			handleDelDevice(c, rec, log)
		case controlbus.OpDelDeviceRoute:
			handleDelDeviceRoute(c, rec, log)
		case controlbus.OpDelNetworkRoute:
			handleDelNetworkRoute(c, rec, log)
		default:
			log.Warn("control handler: unknown operation", "kind", kind, "operation", rec.Operation)
		}
	}
}

func handleAddManager(ctx context.Context, l *Lifecycle, repos storage.Repositories, kind controlbus.Kind, rec controlbus.Record, log *slog.Logger) {
	var p controlbus.AddManagerPayload
	if err := json.Unmarshal(rec.New, &p); err != nil {
		log.Error("decode add-manager payload", "error", err)
		return
	}
	switch kind {
	case controlbus.KindApplication:
		app, err := repos.Application.Get(ctx, storage.ApplicationCond{ApplicationID: p.MgrOptions.ID})
		if err != nil {
			log.Error("fetch application for add-manager", "id", p.MgrOptions.ID, "error", err)
			return
		}
		if err := l.AddApplication(ctx, app); err != nil {
			log.Error("add application manager from control bus", "code", app.Code, "error", err)
		}
	case controlbus.KindNetwork:
		net, err := repos.Network.Get(ctx, storage.NetworkCond{NetworkID: p.MgrOptions.ID})
		if err != nil {
			log.Error("fetch network for add-manager", "id", p.MgrOptions.ID, "error", err)
			return
		}
		if err := l.AddNetwork(ctx, net); err != nil {
			log.Error("add network manager from control bus", "code", net.Code, "error", err)
		}
	}
}

func handleDelManager(l *Lifecycle, kind controlbus.Kind, rec controlbus.Record, log *slog.Logger) {
	var key string
	if err := json.Unmarshal(rec.New, &key); err != nil {
		log.Error("decode del-manager payload", "error", err)
		return
	}
	switch kind {
	case controlbus.KindApplication:
		l.DelApplication(key)
	case controlbus.KindNetwork:
		l.DelNetwork(key)
	}
}

func handleDelApplication(l *Lifecycle, rec controlbus.Record, log *slog.Logger) {
	var p controlbus.EntityDeletedPayload
	if err := json.Unmarshal(rec.New, &p); err != nil {
		log.Error("decode del-application payload", "error", err)
		return
	}
	l.DelApplication(queue.ManagerKey(p.UnitCode, p.Code))
}

func handleDelNetwork(l *Lifecycle, rec controlbus.Record, log *slog.Logger) {
	var p controlbus.EntityDeletedPayload
	if err := json.Unmarshal(rec.New, &p); err != nil {
		log.Error("decode del-network payload", "error", err)
		return
	}
	l.DelNetwork(queue.ManagerKey(p.UnitCode, p.Code))
}

func handleDelDevice(c *cache.Cache, rec controlbus.Record, log *slog.Logger) {
	var p controlbus.DelDevicePayload
	if err := json.Unmarshal(rec.New, &p); err != nil {
		log.Error("decode del-device payload", "error", err)
		return
	}
	c.Device.Del(cache.DeviceKey{UnitCode: p.UnitCode, NetworkCode: p.NetworkCode, NetworkAddr: p.NetworkAddr})
	c.DeviceRoute.Del(p.DeviceID)
}

func handleDelDeviceRoute(c *cache.Cache, rec controlbus.Record, log *slog.Logger) {
	ids, err := controlbus.DeviceRouteIDs(rec)
	if err != nil {
		log.Error("decode del-device-route payload", "error", err)
		return
	}
	for _, id := range ids {
		c.DeviceRoute.Del(id)
	}
}

func handleDelNetworkRoute(c *cache.Cache, rec controlbus.Record, log *slog.Logger) {
	var p controlbus.DelNetworkRoutePayload
	if err := json.Unmarshal(rec.New, &p); err != nil {
		log.Error("decode del-network-route payload", "error", err)
		return
	}
	c.NetworkRoute.Del(p.NetworkID)
}
