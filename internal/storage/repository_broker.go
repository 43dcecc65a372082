package storage

import (
	"context"
	"time"

	"github.com/nimbusgrid/iotbroker/internal/domain"
)

// ApplicationCond selects applications. UnitID is required except when
// looking up by ApplicationID alone.
type ApplicationCond struct {
	ApplicationID string
	UnitID        string
	Code          string
	Contains      string // substring filter on code/name for list/count
}

type ApplicationUpdate struct {
	HostURI *string
	Name    *string
	Info    map[string]any
}

type ApplicationRepository interface {
	Add(ctx context.Context, a *domain.Application) error
	Get(ctx context.Context, cond ApplicationCond) (*domain.Application, error)
	List(ctx context.Context, cond ApplicationCond, opts ListOptions) (ListResult[domain.Application], error)
	Count(ctx context.Context, cond ApplicationCond) (int64, error)
	Update(ctx context.Context, cond ApplicationCond, fields ApplicationUpdate) error
	Del(ctx context.Context, cond ApplicationCond) error
}

// NetworkCond selects networks. A nil UnitID searches public networks
// only when PublicOnly is set; otherwise UnitID scopes to a tenant.
type NetworkCond struct {
	NetworkID  string
	UnitID     string
	PublicOnly bool
	Code       string
	Contains   string
}

type NetworkUpdate struct {
	HostURI *string
	Name    *string
	Info    map[string]any
}

type NetworkRepository interface {
	Add(ctx context.Context, n *domain.Network) error
	Get(ctx context.Context, cond NetworkCond) (*domain.Network, error)
	List(ctx context.Context, cond NetworkCond, opts ListOptions) (ListResult[domain.Network], error)
	Count(ctx context.Context, cond NetworkCond) (int64, error)
	Update(ctx context.Context, cond NetworkCond, fields NetworkUpdate) error
	Del(ctx context.Context, cond NetworkCond) error
}

// DeviceCond selects devices.
type DeviceCond struct {
	DeviceID    string
	UnitID      string
	NetworkID   string
	NetworkAddr string
	Contains    string
}

type DeviceUpdate struct {
	NetworkAddr *string
	Profile     *string
	Name        *string
	Info        map[string]any
}

type DeviceRepository interface {
	Add(ctx context.Context, d *domain.Device) error
	AddBulk(ctx context.Context, devices []*domain.Device) error
	Get(ctx context.Context, cond DeviceCond) (*domain.Device, error)
	List(ctx context.Context, cond DeviceCond, opts ListOptions) (ListResult[domain.Device], error)
	Count(ctx context.Context, cond DeviceCond) (int64, error)
	Update(ctx context.Context, cond DeviceCond, fields DeviceUpdate) error
	Del(ctx context.Context, cond DeviceCond) error
	DelBulk(ctx context.Context, deviceIDs []string) error
}

// DeviceRouteSortKey enumerates the entity-specific sort keys spec.md
// §4.1 names for device-route.
type DeviceRouteSortKey string

const (
	SortApplicationCode DeviceRouteSortKey = "ApplicationCode"
	SortNetworkCode     DeviceRouteSortKey = "NetworkCode"
	SortNetworkAddr     DeviceRouteSortKey = "NetworkAddr"
	SortCreatedAt       DeviceRouteSortKey = "CreatedAt"
	SortModifiedAt      DeviceRouteSortKey = "ModifiedAt"
)

type DeviceRouteCond struct {
	RouteID       string
	UnitID        string
	ApplicationID string
	NetworkID     string
	DeviceID      string
}

type DeviceRouteRepository interface {
	Add(ctx context.Context, r *domain.DeviceRoute) error
	AddBulk(ctx context.Context, routes []*domain.DeviceRoute) error
	Get(ctx context.Context, cond DeviceRouteCond) (*domain.DeviceRoute, error)
	List(ctx context.Context, cond DeviceRouteCond, opts ListOptions) (ListResult[domain.DeviceRoute], error)
	Count(ctx context.Context, cond DeviceRouteCond) (int64, error)
	Del(ctx context.Context, cond DeviceRouteCond) error
	DelBulk(ctx context.Context, routeIDs []string) error
	// RefreshDeviceProfile propagates a device's updated profile onto every
	// route referencing it (spec.md §3: "profile ... refreshed on device
	// update").
	RefreshDeviceProfile(ctx context.Context, deviceID, profile string) error
}

type NetworkRouteCond struct {
	RouteID       string
	UnitID        string
	ApplicationID string
	NetworkID     string
}

type NetworkRouteRepository interface {
	Add(ctx context.Context, r *domain.NetworkRoute) error
	Get(ctx context.Context, cond NetworkRouteCond) (*domain.NetworkRoute, error)
	List(ctx context.Context, cond NetworkRouteCond, opts ListOptions) (ListResult[domain.NetworkRoute], error)
	Count(ctx context.Context, cond NetworkRouteCond) (int64, error)
	Del(ctx context.Context, cond NetworkRouteCond) error
}

type DlDataBufferCond struct {
	DataID        string
	UnitID        string
	ApplicationID string
	NetworkID     string
	DeviceID      string
	ExpiredBefore *time.Time
}

type DlDataBufferRepository interface {
	Add(ctx context.Context, b *domain.DlDataBuffer) error
	Get(ctx context.Context, cond DlDataBufferCond) (*domain.DlDataBuffer, error)
	List(ctx context.Context, cond DlDataBufferCond, opts ListOptions) (ListResult[domain.DlDataBuffer], error)
	Count(ctx context.Context, cond DlDataBufferCond) (int64, error)
	Del(ctx context.Context, cond DlDataBufferCond) error
	// DelExpired removes every buffer whose ExpiredAt has passed; used by
	// the janitor worker (spec.md §9 open question).
	DelExpired(ctx context.Context) (int64, error)
}
