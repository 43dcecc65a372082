package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nimbusgrid/iotbroker/internal/cache"
	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/manager"
	"github.com/nimbusgrid/iotbroker/internal/queue"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

// Engine implements C6: it is the single collaborator manager callbacks
// invoke on uldata, dldata and dldata-result events. It never imports
// cmd/ wiring and is constructed with every collaborator explicit
// (spec.md §9: "Do not expose through ambient singletons.").
type Engine struct {
	Repos     storage.Repositories
	Cache     *cache.Cache
	Registry  *manager.Registry
	Telemetry *Telemetry
	Log       *slog.Logger

	// BufferTTL is the downlink correlation buffer's lifetime (spec.md §5:
	// "Downlink buffer TTL: configurable (default minutes)").
	BufferTTL time.Duration
	// CursorMax bounds one page of the no-cache fallback fan-out walk
	// (spec.md §4.6 step 7).
	CursorMax int
}

// New builds an Engine. cache and telemetry may both be nil.
func New(repos storage.Repositories, c *cache.Cache, registry *manager.Registry, telemetry *Telemetry, log *slog.Logger, bufferTTL time.Duration, cursorMax int) *Engine {
	if cursorMax <= 0 {
		cursorMax = domain.ListCursorMax
	}
	if bufferTTL <= 0 {
		bufferTTL = 10 * time.Minute
	}
	return &Engine{
		Repos:     repos,
		Cache:     c,
		Registry:  registry,
		Telemetry: telemetry,
		Log:       log,
		BufferTTL: bufferTTL,
		CursorMax: cursorMax,
	}
}

// resolveDeviceByNetwork implements the uplink device-resolve step
// (spec.md §4.6 step 1): cache hit returns {device_id, profile}; a miss
// reads the repository by (network_id, network_addr) and, if a cache is
// configured, populates it.
func (e *Engine) resolveDeviceByNetwork(ctx context.Context, networkID, unitCode, networkCode, networkAddr string) (deviceID, profile string, found bool, err error) {
	key := cache.DeviceKey{UnitCode: unitCode, NetworkCode: networkCode, NetworkAddr: networkAddr}
	if e.Cache != nil && e.Cache.Device != nil {
		if item, ok := e.Cache.Device.Get(key); ok {
			return item.DeviceID, item.Profile, true, nil
		}
	}

	dev, err := e.Repos.Device.Get(ctx, storage.DeviceCond{NetworkID: networkID, NetworkAddr: networkAddr})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", "", false, nil
		}
		return "", "", false, err
	}

	if e.Cache != nil && e.Cache.Device != nil {
		e.Cache.Device.Set(key, cache.DeviceItem{DeviceID: dev.DeviceID, Profile: dev.Profile})
	}
	return dev.DeviceID, dev.Profile, true, nil
}

// deviceRouteMgrKeys resolves the application manager keys fanning out
// from one device, consulting the route cache before falling back to a
// cursor-paged repository walk (spec.md §4.6 steps 5 and 7).
func (e *Engine) deviceRouteMgrKeys(ctx context.Context, deviceID string) ([]string, error) {
	if e.Cache != nil && e.Cache.DeviceRoute != nil {
		if keys, ok := e.Cache.DeviceRoute.GetUlData(deviceID); ok {
			return keys, nil
		}
	}

	keys, err := e.pageDeviceRouteKeys(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if e.Cache != nil && e.Cache.DeviceRoute != nil {
		e.Cache.DeviceRoute.SetUlData(deviceID, keys)
	}
	return keys, nil
}

func (e *Engine) pageDeviceRouteKeys(ctx context.Context, deviceID string) ([]string, error) {
	var keys []string
	offset := 0
	for {
		page, err := e.Repos.DeviceRoute.List(ctx, storage.DeviceRouteCond{DeviceID: deviceID}, storage.ListOptions{
			Offset: offset,
			Limit:  e.CursorMax,
		})
		if err != nil {
			return nil, err
		}
		for _, r := range page.Items {
			keys = append(keys, queue.ManagerKey(r.UnitCode, r.ApplicationCode))
		}
		if len(page.Items) < e.CursorMax {
			return keys, nil
		}
		offset += len(page.Items)
	}
}

// networkRouteMgrKeys is deviceRouteMgrKeys for network-route fan-out
// (spec.md §4.6 step 6).
func (e *Engine) networkRouteMgrKeys(ctx context.Context, networkID string) ([]string, error) {
	if e.Cache != nil && e.Cache.NetworkRoute != nil {
		if keys, ok := e.Cache.NetworkRoute.GetUlData(networkID); ok {
			return keys, nil
		}
	}

	keys, err := e.pageNetworkRouteKeys(ctx, networkID)
	if err != nil {
		return nil, err
	}
	if e.Cache != nil && e.Cache.NetworkRoute != nil {
		e.Cache.NetworkRoute.SetUlData(networkID, keys)
	}
	return keys, nil
}

func (e *Engine) pageNetworkRouteKeys(ctx context.Context, networkID string) ([]string, error) {
	var keys []string
	offset := 0
	for {
		page, err := e.Repos.NetworkRoute.List(ctx, storage.NetworkRouteCond{NetworkID: networkID}, storage.ListOptions{
			Offset: offset,
			Limit:  e.CursorMax,
		})
		if err != nil {
			return nil, err
		}
		for _, r := range page.Items {
			keys = append(keys, queue.ManagerKey(r.UnitCode, r.ApplicationCode))
		}
		if len(page.Items) < e.CursorMax {
			return keys, nil
		}
		offset += len(page.Items)
	}
}
