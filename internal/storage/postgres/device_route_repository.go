package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

type DeviceRouteRepository struct {
	pool *pgxpool.Pool
}

func NewDeviceRouteRepository(pool *pgxpool.Pool) *DeviceRouteRepository {
	return &DeviceRouteRepository{pool: pool}
}

const deviceRouteColumns = `route_id, unit_id, unit_code, application_id, application_code,
	network_id, network_code, network_addr, device_id, profile, created_at, modified_at`

func (r *DeviceRouteRepository) Add(ctx context.Context, rt *domain.DeviceRoute) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO device_route (route_id, unit_id, unit_code, application_id, application_code,
			network_id, network_code, network_addr, device_id, profile, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rt.RouteID, rt.UnitID, rt.UnitCode, rt.ApplicationID, rt.ApplicationCode,
		rt.NetworkID, rt.NetworkCode, rt.NetworkAddr, rt.DeviceID, rt.Profile, rt.CreatedAt, rt.ModifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert device_route: %w", err)
	}
	return nil
}

// AddBulk binds every device in the batch to the same application, skipping
// pairs that already have a route (spec.md §4.1 upsert-or-skip).
func (r *DeviceRouteRepository) AddBulk(ctx context.Context, routes []*domain.DeviceRoute) error {
	if len(routes) == 0 {
		return nil
	}
	if len(routes) > storage.BulkMax {
		return fmt.Errorf("add_bulk device_route: %w", domain.ErrRangeTooLarge)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin add_bulk device_route: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, rt := range routes {
		_, err := tx.Exec(ctx, `
			INSERT INTO device_route (route_id, unit_id, unit_code, application_id, application_code,
				network_id, network_code, network_addr, device_id, profile, created_at, modified_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (application_id, device_id) DO NOTHING
		`, rt.RouteID, rt.UnitID, rt.UnitCode, rt.ApplicationID, rt.ApplicationCode,
			rt.NetworkID, rt.NetworkCode, rt.NetworkAddr, rt.DeviceID, rt.Profile, rt.CreatedAt, rt.ModifiedAt)
		if err != nil {
			return fmt.Errorf("insert device_route in bulk: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *DeviceRouteRepository) Get(ctx context.Context, cond storage.DeviceRouteCond) (*domain.DeviceRoute, error) {
	where, args := deviceRouteWhere(cond)
	row := r.pool.QueryRow(ctx, "SELECT "+deviceRouteColumns+" FROM device_route WHERE "+where, args...)
	rt, err := scanDeviceRoute(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device_route: %w", err)
	}
	return rt, nil
}

func (r *DeviceRouteRepository) List(ctx context.Context, cond storage.DeviceRouteCond, opts storage.ListOptions) (storage.ListResult[domain.DeviceRoute], error) {
	where, args := deviceRouteWhere(cond)
	limitSQL, unlimited := resolveLimit(opts.Limit)
	order := orderByClause(opts.Sort, "route_id")
	var query string
	if unlimited {
		query = fmt.Sprintf("SELECT %s FROM device_route WHERE %s %s OFFSET %d", deviceRouteColumns, where, order, opts.Offset)
	} else {
		query = fmt.Sprintf("SELECT %s FROM device_route WHERE %s %s OFFSET %d %s", deviceRouteColumns, where, order, opts.Offset, limitSQL)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return storage.ListResult[domain.DeviceRoute]{}, fmt.Errorf("list device_routes: %w", err)
	}
	defer rows.Close()
	var items []domain.DeviceRoute
	for rows.Next() {
		rt, err := scanDeviceRoute(rows)
		if err != nil {
			return storage.ListResult[domain.DeviceRoute]{}, fmt.Errorf("scan device_route: %w", err)
		}
		items = append(items, *rt)
	}
	return storage.ListResult[domain.DeviceRoute]{Items: items}, rows.Err()
}

func (r *DeviceRouteRepository) Count(ctx context.Context, cond storage.DeviceRouteCond) (int64, error) {
	where, args := deviceRouteWhere(cond)
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT count(*) FROM device_route WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count device_routes: %w", err)
	}
	return n, nil
}

func (r *DeviceRouteRepository) Del(ctx context.Context, cond storage.DeviceRouteCond) error {
	where, args := deviceRouteWhere(cond)
	_, err := r.pool.Exec(ctx, "DELETE FROM device_route WHERE "+where, args...)
	if err != nil {
		return fmt.Errorf("delete device_route: %w", err)
	}
	return nil
}

func (r *DeviceRouteRepository) DelBulk(ctx context.Context, routeIDs []string) error {
	if len(routeIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, "DELETE FROM device_route WHERE route_id = ANY($1)", routeIDs)
	if err != nil {
		return fmt.Errorf("delete device_routes in bulk: %w", err)
	}
	return nil
}

// RefreshDeviceProfile propagates a device's updated profile onto every
// route referencing it.
func (r *DeviceRouteRepository) RefreshDeviceProfile(ctx context.Context, deviceID, profile string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE device_route SET profile = $1, modified_at = now() WHERE device_id = $2
	`, profile, deviceID)
	if err != nil {
		return fmt.Errorf("refresh device_route profile: %w", err)
	}
	return nil
}

func deviceRouteWhere(cond storage.DeviceRouteCond) (string, []any) {
	clauses := []string{"true"}
	var args []any
	if cond.RouteID != "" {
		args = append(args, cond.RouteID)
		clauses = append(clauses, fmt.Sprintf("route_id = $%d", len(args)))
	}
	if cond.UnitID != "" {
		args = append(args, cond.UnitID)
		clauses = append(clauses, fmt.Sprintf("unit_id = $%d", len(args)))
	}
	if cond.ApplicationID != "" {
		args = append(args, cond.ApplicationID)
		clauses = append(clauses, fmt.Sprintf("application_id = $%d", len(args)))
	}
	if cond.NetworkID != "" {
		args = append(args, cond.NetworkID)
		clauses = append(clauses, fmt.Sprintf("network_id = $%d", len(args)))
	}
	if cond.DeviceID != "" {
		args = append(args, cond.DeviceID)
		clauses = append(clauses, fmt.Sprintf("device_id = $%d", len(args)))
	}
	return joinAnd(clauses), args
}

func scanDeviceRoute(row rowScanner) (*domain.DeviceRoute, error) {
	var rt domain.DeviceRoute
	if err := row.Scan(&rt.RouteID, &rt.UnitID, &rt.UnitCode, &rt.ApplicationID, &rt.ApplicationCode,
		&rt.NetworkID, &rt.NetworkCode, &rt.NetworkAddr, &rt.DeviceID, &rt.Profile, &rt.CreatedAt, &rt.ModifiedAt); err != nil {
		return nil, err
	}
	return &rt, nil
}
