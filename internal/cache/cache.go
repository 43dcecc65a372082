// Package cache implements the read-through lookup cache (C2): a
// memoization layer over the repository that the control bus invalidates
// on any event touching devices, routes or network membership. The cache
// never sources truth — a cache miss always falls through to the
// repository (spec.md §4.2) — and its absence is a valid deployment
// (cache.engine=none, see Noop).
package cache

// DeviceKey identifies a device by the uplink resolve path's natural key:
// (unit_code, network_code, network_addr).
type DeviceKey struct {
	UnitCode    string
	NetworkCode string
	NetworkAddr string
}

// DeviceItem is the cached projection the uplink path needs: just enough
// to build the application-facing envelope without a second round trip.
type DeviceItem struct {
	DeviceID string
	Profile  string
}

// Device caches the device-resolve lookup keyed by (unit_code, network_code,
// network_addr).
type Device interface {
	Get(key DeviceKey) (DeviceItem, bool)
	Set(key DeviceKey, item DeviceItem)
	Del(key DeviceKey)
	Clear()
}

// RouteCache caches the manager-key fan-out set for either device-route or
// network-route uplink resolution, keyed by device_id or network_id
// respectively.
type RouteCache interface {
	GetUlData(id string) ([]string, bool)
	SetUlData(id string, mgrKeys []string)
	Del(id string)
	Clear()
}

// Cache bundles the three lookup caches the routing engine consults.
// Grounded on the teacher's pattern of passing a small bundle of
// collaborators explicitly rather than through an ambient singleton
// (spec.md §9: "Do not expose through ambient singletons.").
type Cache struct {
	Device       Device
	DeviceRoute  RouteCache
	NetworkRoute RouteCache
}
