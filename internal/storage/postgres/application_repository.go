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

type ApplicationRepository struct {
	pool *pgxpool.Pool
}

func NewApplicationRepository(pool *pgxpool.Pool) *ApplicationRepository {
	return &ApplicationRepository{pool: pool}
}

const appColumns = "application_id, unit_id, unit_code, code, host_uri, name, info, created_at, modified_at"

func (r *ApplicationRepository) Add(ctx context.Context, a *domain.Application) error {
	info, err := json.Marshal(a.Info)
	if err != nil {
		return fmt.Errorf("marshal application info: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO application (application_id, unit_id, unit_code, code, host_uri, name, info, created_at, modified_at)
		VALUES ($1, $2, lower($3), lower($4), $5, $6, $7, $8, $9)
	`, a.ApplicationID, a.UnitID, a.UnitCode, a.Code, a.HostURI, a.Name, info, a.CreatedAt, a.ModifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (r *ApplicationRepository) Get(ctx context.Context, cond storage.ApplicationCond) (*domain.Application, error) {
	where, args := applicationWhere(cond)
	row := r.pool.QueryRow(ctx, "SELECT "+appColumns+" FROM application WHERE "+where, args...)
	a, err := scanApplication(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	return a, nil
}

func (r *ApplicationRepository) List(ctx context.Context, cond storage.ApplicationCond, opts storage.ListOptions) (storage.ListResult[domain.Application], error) {
	where, args := applicationWhere(cond)
	limitSQL, unlimited := resolveLimit(opts.Limit)
	order := orderByClause(opts.Sort, "application_id")
	var query string
	if unlimited {
		query = fmt.Sprintf("SELECT %s FROM application WHERE %s %s OFFSET %d", appColumns, where, order, opts.Offset)
	} else {
		query = fmt.Sprintf("SELECT %s FROM application WHERE %s %s OFFSET %d %s", appColumns, where, order, opts.Offset, limitSQL)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return storage.ListResult[domain.Application]{}, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()
	var items []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return storage.ListResult[domain.Application]{}, fmt.Errorf("scan application: %w", err)
		}
		items = append(items, *a)
	}
	return storage.ListResult[domain.Application]{Items: items}, rows.Err()
}

func (r *ApplicationRepository) Count(ctx context.Context, cond storage.ApplicationCond) (int64, error) {
	where, args := applicationWhere(cond)
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT count(*) FROM application WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count applications: %w", err)
	}
	return n, nil
}

func (r *ApplicationRepository) Update(ctx context.Context, cond storage.ApplicationCond, fields storage.ApplicationUpdate) error {
	where, args := applicationWhere(cond)
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
			return fmt.Errorf("marshal application info: %w", err)
		}
		n++
		sets = append(sets, fmt.Sprintf("info = $%d", n))
		args = append(args, info)
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf("UPDATE application SET %s WHERE %s", joinComma(sets), where), args...)
	if err != nil {
		return fmt.Errorf("update application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *ApplicationRepository) Del(ctx context.Context, cond storage.ApplicationCond) error {
	where, args := applicationWhere(cond)
	_, err := r.pool.Exec(ctx, "DELETE FROM application WHERE "+where, args...)
	if err != nil {
		return fmt.Errorf("delete application: %w", err)
	}
	return nil
}

func applicationWhere(cond storage.ApplicationCond) (string, []any) {
	clauses := []string{"true"}
	var args []any
	if cond.ApplicationID != "" {
		args = append(args, cond.ApplicationID)
		clauses = append(clauses, fmt.Sprintf("application_id = $%d", len(args)))
	}
	if cond.UnitID != "" {
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

func scanApplication(row rowScanner) (*domain.Application, error) {
	var a domain.Application
	var info []byte
	if err := row.Scan(&a.ApplicationID, &a.UnitID, &a.UnitCode, &a.Code, &a.HostURI, &a.Name, &info, &a.CreatedAt, &a.ModifiedAt); err != nil {
		return nil, err
	}
	if len(info) > 0 {
		if err := json.Unmarshal(info, &a.Info); err != nil {
			return nil, fmt.Errorf("unmarshal application info: %w", err)
		}
	}
	return &a, nil
}
