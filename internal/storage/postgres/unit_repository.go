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

// UnitRepository implements storage.UnitRepository over a pgx pool.
type UnitRepository struct {
	pool *pgxpool.Pool
}

func NewUnitRepository(pool *pgxpool.Pool) *UnitRepository {
	return &UnitRepository{pool: pool}
}

func (r *UnitRepository) Add(ctx context.Context, u *domain.Unit) error {
	info, err := json.Marshal(u.Info)
	if err != nil {
		return fmt.Errorf("marshal unit info: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO unit (unit_id, code, owner_user_id, member_user_ids, created_at, modified_at, name, info)
		VALUES ($1, lower($2), $3, $4, $5, $6, $7, $8)
	`, u.UnitID, u.Code, u.OwnerUserID, u.MemberUserIDs, u.CreatedAt, u.ModifiedAt, u.Name, info)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert unit: %w", err)
	}
	return nil
}

func (r *UnitRepository) Get(ctx context.Context, cond storage.UnitCond) (*domain.Unit, error) {
	where, args := unitWhere(cond)
	row := r.pool.QueryRow(ctx, `
		SELECT unit_id, code, owner_user_id, member_user_ids, created_at, modified_at, name, info
		FROM unit WHERE `+where, args...)
	u, err := scanUnit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get unit: %w", err)
	}
	return u, nil
}

func (r *UnitRepository) List(ctx context.Context, cond storage.UnitCond, opts storage.ListOptions) (storage.ListResult[domain.Unit], error) {
	where, args := unitWhere(cond)
	limitSQL, unlimited := resolveLimit(opts.Limit)
	query := fmt.Sprintf(`
		SELECT unit_id, code, owner_user_id, member_user_ids, created_at, modified_at, name, info
		FROM unit WHERE %s %s OFFSET %d %s
	`, where, orderByClause(opts.Sort, "unit_id"), opts.Offset, limitSQL)
	if unlimited {
		query = fmt.Sprintf(`
			SELECT unit_id, code, owner_user_id, member_user_ids, created_at, modified_at, name, info
			FROM unit WHERE %s %s OFFSET %d
		`, where, orderByClause(opts.Sort, "unit_id"), opts.Offset)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return storage.ListResult[domain.Unit]{}, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	var items []domain.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return storage.ListResult[domain.Unit]{}, fmt.Errorf("scan unit: %w", err)
		}
		items = append(items, *u)
	}
	return storage.ListResult[domain.Unit]{Items: items}, rows.Err()
}

func (r *UnitRepository) Count(ctx context.Context, cond storage.UnitCond) (int64, error) {
	where, args := unitWhere(cond)
	var n int64
	err := r.pool.QueryRow(ctx, "SELECT count(*) FROM unit WHERE "+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count units: %w", err)
	}
	return n, nil
}

func (r *UnitRepository) Update(ctx context.Context, cond storage.UnitCond, fields storage.UnitUpdate) error {
	where, args := unitWhere(cond)
	sets := []string{"modified_at = now()"}
	n := len(args)
	if fields.OwnerUserID != nil {
		n++
		sets = append(sets, fmt.Sprintf("owner_user_id = $%d", n))
		args = append(args, *fields.OwnerUserID)
	}
	if fields.MemberUserIDs != nil {
		n++
		sets = append(sets, fmt.Sprintf("member_user_ids = $%d", n))
		args = append(args, *fields.MemberUserIDs)
	}
	if fields.Name != nil {
		n++
		sets = append(sets, fmt.Sprintf("name = $%d", n))
		args = append(args, *fields.Name)
	}
	if fields.Info != nil {
		info, err := json.Marshal(fields.Info)
		if err != nil {
			return fmt.Errorf("marshal unit info: %w", err)
		}
		n++
		sets = append(sets, fmt.Sprintf("info = $%d", n))
		args = append(args, info)
	}
	query := fmt.Sprintf("UPDATE unit SET %s WHERE %s", joinComma(sets), where)
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *UnitRepository) Del(ctx context.Context, cond storage.UnitCond) error {
	where, args := unitWhere(cond)
	_, err := r.pool.Exec(ctx, "DELETE FROM unit WHERE "+where, args...)
	if err != nil {
		return fmt.Errorf("delete unit: %w", err)
	}
	return nil
}

func unitWhere(cond storage.UnitCond) (string, []any) {
	clauses := []string{"true"}
	var args []any
	if cond.UnitID != "" {
		args = append(args, cond.UnitID)
		clauses = append(clauses, fmt.Sprintf("unit_id = $%d", len(args)))
	}
	if cond.Code != "" {
		args = append(args, cond.Code)
		clauses = append(clauses, fmt.Sprintf("lower(code) = lower($%d)", len(args)))
	}
	return joinAnd(clauses), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*domain.Unit, error) {
	var u domain.Unit
	var info []byte
	if err := row.Scan(&u.UnitID, &u.Code, &u.OwnerUserID, &u.MemberUserIDs, &u.CreatedAt, &u.ModifiedAt, &u.Name, &info); err != nil {
		return nil, err
	}
	if len(info) > 0 {
		if err := json.Unmarshal(info, &u.Info); err != nil {
			return nil, fmt.Errorf("unmarshal unit info: %w", err)
		}
	}
	return &u, nil
}
