package cache

// noopDevice and noopRouteCache back cache.engine=none: every lookup is a
// miss, so the routing engine always falls through to the repository
// (spec.md §4.2: "the absence of a cache layer is a valid deployment").

type noopDevice struct{}

// NewNoopDevice constructs a device cache that never hits.
func NewNoopDevice() Device { return noopDevice{} }

func (noopDevice) Get(DeviceKey) (DeviceItem, bool) { return DeviceItem{}, false }
func (noopDevice) Set(DeviceKey, DeviceItem)        {}
func (noopDevice) Del(DeviceKey)                    {}
func (noopDevice) Clear()                           {}

type noopRouteCache struct{}

// NewNoopRouteCache constructs a route cache that never hits.
func NewNoopRouteCache() RouteCache { return noopRouteCache{} }

func (noopRouteCache) GetUlData(string) ([]string, bool) { return nil, false }
func (noopRouteCache) SetUlData(string, []string)        {}
func (noopRouteCache) Del(string)                        {}
func (noopRouteCache) Clear()                            {}
