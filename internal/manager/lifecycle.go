package manager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/queue"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

// Lifecycle adds, replaces and removes managers in a Registry, and
// performs startup reconciliation against the repository. The routing
// engine's handlers are supplied by the caller (constructed after the
// registry, wired in after itself) to avoid an import cycle between
// manager and routing.
type Lifecycle struct {
	Registry *Registry
	Pool     *queue.Pool
	Repos    storage.Repositories
	Log      *slog.Logger

	OnDlData       DlDataHandler
	OnUlData       UlDataHandler
	OnDlDataResult DlDataResultHandler

	MQOptions queue.Options
}

// AddApplication dials a new manager for app and installs it, closing any
// prior manager under the same key (spec.md §4.5 add-manager: "if a
// manager already exists under the key, close the old one first").
func (l *Lifecycle) AddApplication(ctx context.Context, app *domain.Application) error {
	conn, err := l.Pool.Acquire(ctx, app.HostURI)
	if err != nil {
		return fmt.Errorf("acquire connection for application %s: %w", app.Code, err)
	}
	m, err := NewApplicationManager(ctx, conn, app.ApplicationID, app.UnitID, app.UnitCode, app.Code, l.MQOptions, l.OnDlData)
	if err != nil {
		_ = l.Pool.Release(app.HostURI)
		return fmt.Errorf("start application manager %s: %w", app.Code, err)
	}
	if old := l.Registry.SwapApplication(m.Key, m); old != nil {
		_ = old.Close()
	}
	return nil
}

// DelApplication removes and closes the manager for key.
func (l *Lifecycle) DelApplication(key string) {
	if m := l.Registry.DelApplication(key); m != nil {
		_ = m.Close()
	}
}

// AddNetwork dials a new manager for net and installs it, closing any
// prior manager under the same key.
func (l *Lifecycle) AddNetwork(ctx context.Context, net *domain.Network) error {
	conn, err := l.Pool.Acquire(ctx, net.HostURI)
	if err != nil {
		return fmt.Errorf("acquire connection for network %s: %w", net.Code, err)
	}
	m, err := NewNetworkManager(ctx, conn, net.NetworkID, net.UnitID, net.UnitCode, net.Code, l.MQOptions, l.OnUlData, l.OnDlDataResult)
	if err != nil {
		_ = l.Pool.Release(net.HostURI)
		return fmt.Errorf("start network manager %s: %w", net.Code, err)
	}
	if old := l.Registry.SwapNetwork(m.Key, m); old != nil {
		_ = old.Close()
	}
	return nil
}

// DelNetwork removes and closes the manager for key.
func (l *Lifecycle) DelNetwork(key string) {
	if m := l.Registry.DelNetwork(key); m != nil {
		_ = m.Close()
	}
}

// Reconcile iterates every application and network through the
// repository with cursor paging and starts a manager for each
// (spec.md §4.4: "on process boot ... create a manager for each").
func (l *Lifecycle) Reconcile(ctx context.Context) error {
	appCount, err := l.reconcileApplications(ctx)
	if err != nil {
		return err
	}
	netCount, err := l.reconcileNetworks(ctx)
	if err != nil {
		return err
	}
	l.Log.Info("manager reconciliation complete", "applications", appCount, "networks", netCount)
	return nil
}

func (l *Lifecycle) reconcileApplications(ctx context.Context) (int, error) {
	offset, n := 0, 0
	for {
		page, err := l.Repos.Application.List(ctx, storage.ApplicationCond{}, storage.ListOptions{
			Offset: offset,
			Limit:  domain.ListCursorMax,
		})
		if err != nil {
			return n, fmt.Errorf("list applications for reconciliation: %w", err)
		}
		for i := range page.Items {
			app := page.Items[i]
			if err := l.AddApplication(ctx, &app); err != nil {
				l.Log.Error("reconcile application manager", "code", app.Code, "error", err)
				continue
			}
			n++
		}
		if len(page.Items) < domain.ListCursorMax {
			return n, nil
		}
		offset += len(page.Items)
	}
}

func (l *Lifecycle) reconcileNetworks(ctx context.Context) (int, error) {
	offset, n := 0, 0
	for {
		page, err := l.Repos.Network.List(ctx, storage.NetworkCond{}, storage.ListOptions{
			Offset: offset,
			Limit:  domain.ListCursorMax,
		})
		if err != nil {
			return n, fmt.Errorf("list networks for reconciliation: %w", err)
		}
		for i := range page.Items {
			net := page.Items[i]
			if err := l.AddNetwork(ctx, &net); err != nil {
				l.Log.Error("reconcile network manager", "code", net.Code, "error", err)
				continue
			}
			n++
		}
		if len(page.Items) < domain.ListCursorMax {
			return n, nil
		}
		offset += len(page.Items)
	}
}
