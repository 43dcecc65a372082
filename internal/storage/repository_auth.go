package storage

import (
	"context"

	"github.com/nimbusgrid/iotbroker/internal/domain"
)

type UserCond struct {
	UserID   string
	Account  string // normalized lowercase
	Contains string
}

type UserUpdate struct {
	Password   *string
	Salt       *string
	Name       *string
	Roles      map[string]bool
	VerifiedAt **int64 // millis; double pointer distinguishes "unset" from "clear"
	ExpiredAt  **int64
	DisabledAt **int64
	MFASecret  **string // double pointer distinguishes "unset" from "clear"
}

type UserRepository interface {
	Add(ctx context.Context, u *domain.User) error
	Get(ctx context.Context, cond UserCond) (*domain.User, error)
	List(ctx context.Context, cond UserCond, opts ListOptions) (ListResult[domain.User], error)
	Count(ctx context.Context, cond UserCond) (int64, error)
	Update(ctx context.Context, cond UserCond, fields UserUpdate) error
	Del(ctx context.Context, cond UserCond) error
}

type ClientCond struct {
	ClientID string
	UserID   string
	Contains string
}

type ClientUpdate struct {
	RedirectURIs *[]string
	Scopes       *[]string
	Name         *string
	ImageURL     *string
}

type ClientRepository interface {
	Add(ctx context.Context, c *domain.Client) error
	Get(ctx context.Context, cond ClientCond) (*domain.Client, error)
	List(ctx context.Context, cond ClientCond, opts ListOptions) (ListResult[domain.Client], error)
	Count(ctx context.Context, cond ClientCond) (int64, error)
	Update(ctx context.Context, cond ClientCond, fields ClientUpdate) error
	Del(ctx context.Context, cond ClientCond) error
}

// Repositories bundles every repository the broker and auth service need,
// constructed once at startup against a chosen Backend and threaded
// through the HTTP handler context and the control-bus handler context
// explicitly (spec.md §9: "Do not expose through ambient singletons.").
type Repositories struct {
	Unit         UnitRepository
	Application  ApplicationRepository
	Network      NetworkRepository
	Device       DeviceRepository
	DeviceRoute  DeviceRouteRepository
	NetworkRoute NetworkRouteRepository
	DlDataBuffer DlDataBufferRepository
	User         UserRepository
	Client       ClientRepository
}
