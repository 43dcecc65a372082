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

type NetworkRouteRepository struct {
	pool *pgxpool.Pool
}

func NewNetworkRouteRepository(pool *pgxpool.Pool) *NetworkRouteRepository {
	return &NetworkRouteRepository{pool: pool}
}

const networkRouteColumns = `route_id, unit_id, unit_code, application_id, application_code,
	network_id, network_code, created_at, modified_at`

func (r *NetworkRouteRepository) Add(ctx context.Context, rt *domain.NetworkRoute) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO network_route (route_id, unit_id, unit_code, application_id, application_code,
			network_id, network_code, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rt.RouteID, rt.UnitID, rt.UnitCode, rt.ApplicationID, rt.ApplicationCode, rt.NetworkID, rt.NetworkCode, rt.CreatedAt, rt.ModifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert network_route: %w", err)
	}
	return nil
}

func (r *NetworkRouteRepository) Get(ctx context.Context, cond storage.NetworkRouteCond) (*domain.NetworkRoute, error) {
	where, args := networkRouteWhere(cond)
	row := r.pool.QueryRow(ctx, "SELECT "+networkRouteColumns+" FROM network_route WHERE "+where, args...)
	rt, err := scanNetworkRoute(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get network_route: %w", err)
	}
	return rt, nil
}

func (r *NetworkRouteRepository) List(ctx context.Context, cond storage.NetworkRouteCond, opts storage.ListOptions) (storage.ListResult[domain.NetworkRoute], error) {
	where, args := networkRouteWhere(cond)
	limitSQL, unlimited := resolveLimit(opts.Limit)
	order := orderByClause(opts.Sort, "route_id")
	var query string
	if unlimited {
		query = fmt.Sprintf("SELECT %s FROM network_route WHERE %s %s OFFSET %d", networkRouteColumns, where, order, opts.Offset)
	} else {
		query = fmt.Sprintf("SELECT %s FROM network_route WHERE %s %s OFFSET %d %s", networkRouteColumns, where, order, opts.Offset, limitSQL)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return storage.ListResult[domain.NetworkRoute]{}, fmt.Errorf("list network_routes: %w", err)
	}
	defer rows.Close()
	var items []domain.NetworkRoute
	for rows.Next() {
		rt, err := scanNetworkRoute(rows)
		if err != nil {
			return storage.ListResult[domain.NetworkRoute]{}, fmt.Errorf("scan network_route: %w", err)
		}
		items = append(items, *rt)
	}
	return storage.ListResult[domain.NetworkRoute]{Items: items}, rows.Err()
}

func (r *NetworkRouteRepository) Count(ctx context.Context, cond storage.NetworkRouteCond) (int64, error) {
	where, args := networkRouteWhere(cond)
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT count(*) FROM network_route WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count network_routes: %w", err)
	}
	return n, nil
}

func (r *NetworkRouteRepository) Del(ctx context.Context, cond storage.NetworkRouteCond) error {
	where, args := networkRouteWhere(cond)
	_, err := r.pool.Exec(ctx, "DELETE FROM network_route WHERE "+where, args...)
	if err != nil {
		return fmt.Errorf("delete network_route: %w", err)
	}
	return nil
}

func networkRouteWhere(cond storage.NetworkRouteCond) (string, []any) {
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
	return joinAnd(clauses), args
}

func scanNetworkRoute(row rowScanner) (*domain.NetworkRoute, error) {
	var rt domain.NetworkRoute
	if err := row.Scan(&rt.RouteID, &rt.UnitID, &rt.UnitCode, &rt.ApplicationID, &rt.ApplicationCode,
		&rt.NetworkID, &rt.NetworkCode, &rt.CreatedAt, &rt.ModifiedAt); err != nil {
		return nil, err
	}
	return &rt, nil
}
