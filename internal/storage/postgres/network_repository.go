package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

type NetworkRepository struct {
	pool *pgxpool.Pool
}

func NewNetworkRepository(pool *pgxpool.Pool) *NetworkRepository {
	return &NetworkRepository{pool: pool}
}

const networkColumns = "network_id, unit_id, unit_code, code, host_uri, name, info, created_at, modified_at"

func (r *NetworkRepository) Add(ctx context.Context, n *domain.Network) error {
	info, err := json.Marshal(n.Info)
	if err != nil {
		return fmt.Errorf("marshal network info: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO network (network_id, unit_id, unit_code, code, host_uri, name, info, created_at, modified_at)
		VALUES ($1, $2, lower($3), lower($4), $5, $6, $7, $8, $9)
	`, n.NetworkID, n.UnitID, n.UnitCode, n.Code, n.HostURI, n.Name, info, n.CreatedAt, n.ModifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert network: %w", err)
	}
	return nil
}

func (r *NetworkRepository) Get(ctx context.Context, cond storage.NetworkCond) (*domain.Network, error) {
	where, args := networkWhere(cond)
	row := r.pool.QueryRow(ctx, "SELECT "+networkColumns+" FROM network WHERE "+where, args...)
	n, err := scanNetwork(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get network: %w", err)
	}
	return n, nil
}

func (r *NetworkRepository) List(ctx context.Context, cond storage.NetworkCond, opts storage.ListOptions) (storage.ListResult[domain.Network], error) {
	where, args := networkWhere(cond)
	limitSQL, unlimited := resolveLimit(opts.Limit)
	order := orderByClause(opts.Sort, "network_id")
	var query string
	if unlimited {
		query = fmt.Sprintf("SELECT %s FROM network WHERE %s %s OFFSET %d", networkColumns, where, order, opts.Offset)
	} else {
		query = fmt.Sprintf("SELECT %s FROM network WHERE %s %s OFFSET %d %s", networkColumns, where, order, opts.Offset, limitSQL)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return storage.ListResult[domain.Network]{}, fmt.Errorf("list networks: %w", err)
	}
	defer rows.Close()
	var items []domain.Network
	for rows.Next() {
		n, err := scanNetwork(rows)
		if err != nil {
			return storage.ListResult[domain.Network]{}, fmt.Errorf("scan network: %w", err)
		}
		items = append(items, *n)
	}
	return storage.ListResult[domain.Network]{Items: items}, rows.Err()
}

func (r *NetworkRepository) Count(ctx context.Context, cond storage.NetworkCond) (int64, error) {
	where, args := networkWhere(cond)
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT count(*) FROM network WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count networks: %w", err)
	}
	return n, nil
}

func (r *NetworkRepository) Update(ctx context.Context, cond storage.NetworkCond, fields storage.NetworkUpdate) error {
	where, args := networkWhere(cond)
	sets := []string{"modified_at = now()"}
	n := len(args)
	if fields.HostURI != nil {
		n++
		sets = append(sets, fmt.Sprintf("host_uri = $%d", n))
		args = append(args, *fields.HostURI)
	}
	if fields.Name != nil {
		n++
		sets = append(sets, fmt.Sprintf("name = $%d", n))
		args = append(args, *fields.Name)
	}
	if fields.Info != nil {
		info, err := json.Marshal(fields.Info)
		if err != nil {
			return fmt.Errorf("marshal network info: %w", err)
		}
		n++
		sets = append(sets, fmt.Sprintf("info = $%d", n))
		args = append(args, info)
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf("UPDATE network SET %s WHERE %s", joinComma(sets), where), args...)
	if err != nil {
		return fmt.Errorf("update network: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *NetworkRepository) Del(ctx context.Context, cond storage.NetworkCond) error {
	where, args := networkWhere(cond)
	_, err := r.pool.Exec(ctx, "DELETE FROM network WHERE "+where, args...)
	if err != nil {
		return fmt.Errorf("delete network: %w", err)
	}
	return nil
}

func networkWhere(cond storage.NetworkCond) (string, []any) {
	clauses := []string{"true"}
	var args []any
	if cond.NetworkID != "" {
		args = append(args, cond.NetworkID)
		clauses = append(clauses, fmt.Sprintf("network_id = $%d", len(args)))
	}
	if cond.PublicOnly {
		clauses = append(clauses, "unit_id IS NULL")
	} else if cond.UnitID != "" {
		args = append(args, cond.UnitID)
		clauses = append(clauses, fmt.Sprintf("unit_id = $%d", len(args)))
	}
	if cond.Code != "" {
		args = append(args, cond.Code)
		clauses = append(clauses, fmt.Sprintf("code = lower($%d)", len(args)))
	}
	if cond.Contains != "" {
		args = append(args, "%"+cond.Contains+"%")
		clauses = append(clauses, fmt.Sprintf("(code ILIKE $%d OR name ILIKE $%d)", len(args), len(args)))
	}
	return joinAnd(clauses), args
}

func scanNetwork(row rowScanner) (*domain.Network, error) {
	var n domain.Network
	var info []byte
	var unitID *string
	if err := row.Scan(&n.NetworkID, &unitID, &n.UnitCode, &n.Code, &n.HostURI, &n.Name, &info, &n.CreatedAt, &n.ModifiedAt); err != nil {
		return nil, err
	}
	n.UnitID = unitID
	if len(info) > 0 {
		if err := json.Unmarshal(info, &n.Info); err != nil {
			return nil, fmt.Errorf("unmarshal network info: %w", err)
		}
	}
	return &n, nil
}
