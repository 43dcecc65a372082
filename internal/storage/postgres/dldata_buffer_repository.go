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

type DlDataBufferRepository struct {
	pool *pgxpool.Pool
}

func NewDlDataBufferRepository(pool *pgxpool.Pool) *DlDataBufferRepository {
	return &DlDataBufferRepository{pool: pool}
}

const dlDataBufferColumns = `data_id, unit_id, unit_code, application_id, application_code,
	network_id, network_addr, device_id, created_at, expired_at`

func (r *DlDataBufferRepository) Add(ctx context.Context, b *domain.DlDataBuffer) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dldata_buffer (data_id, unit_id, unit_code, application_id, application_code,
			network_id, network_addr, device_id, created_at, expired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, b.DataID, b.UnitID, b.UnitCode, b.ApplicationID, b.ApplicationCode, b.NetworkID, b.NetworkAddr, b.DeviceID, b.CreatedAt, b.ExpiredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert dldata_buffer: %w", err)
	}
	return nil
}

func (r *DlDataBufferRepository) Get(ctx context.Context, cond storage.DlDataBufferCond) (*domain.DlDataBuffer, error) {
	where, args := dlDataBufferWhere(cond)
	row := r.pool.QueryRow(ctx, "SELECT "+dlDataBufferColumns+" FROM dldata_buffer WHERE "+where, args...)
	b, err := scanDlDataBuffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dldata_buffer: %w", err)
	}
	return b, nil
}

func (r *DlDataBufferRepository) List(ctx context.Context, cond storage.DlDataBufferCond, opts storage.ListOptions) (storage.ListResult[domain.DlDataBuffer], error) {
	where, args := dlDataBufferWhere(cond)
	limitSQL, unlimited := resolveLimit(opts.Limit)
	order := orderByClause(opts.Sort, "data_id")
	var query string
	if unlimited {
		query = fmt.Sprintf("SELECT %s FROM dldata_buffer WHERE %s %s OFFSET %d", dlDataBufferColumns, where, order, opts.Offset)
	} else {
		query = fmt.Sprintf("SELECT %s FROM dldata_buffer WHERE %s %s OFFSET %d %s", dlDataBufferColumns, where, order, opts.Offset, limitSQL)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return storage.ListResult[domain.DlDataBuffer]{}, fmt.Errorf("list dldata_buffers: %w", err)
	}
	defer rows.Close()
	var items []domain.DlDataBuffer
	for rows.Next() {
		b, err := scanDlDataBuffer(rows)
		if err != nil {
			return storage.ListResult[domain.DlDataBuffer]{}, fmt.Errorf("scan dldata_buffer: %w", err)
		}
		items = append(items, *b)
	}
	return storage.ListResult[domain.DlDataBuffer]{Items: items}, rows.Err()
}

func (r *DlDataBufferRepository) Count(ctx context.Context, cond storage.DlDataBufferCond) (int64, error) {
	where, args := dlDataBufferWhere(cond)
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT count(*) FROM dldata_buffer WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dldata_buffers: %w", err)
	}
	return n, nil
}

func (r *DlDataBufferRepository) Del(ctx context.Context, cond storage.DlDataBufferCond) error {
	where, args := dlDataBufferWhere(cond)
	_, err := r.pool.Exec(ctx, "DELETE FROM dldata_buffer WHERE "+where, args...)
	if err != nil {
		return fmt.Errorf("delete dldata_buffer: %w", err)
	}
	return nil
}

// DelExpired removes every buffer whose expired_at has passed, used by the
// janitor worker (spec.md §9 open question).
func (r *DlDataBufferRepository) DelExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, "DELETE FROM dldata_buffer WHERE expired_at < now()")
	if err != nil {
		return 0, fmt.Errorf("delete expired dldata_buffers: %w", err)
	}
	return tag.RowsAffected(), nil
}

func dlDataBufferWhere(cond storage.DlDataBufferCond) (string, []any) {
	clauses := []string{"true"}
	var args []any
	if cond.DataID != "" {
		args = append(args, cond.DataID)
		clauses = append(clauses, fmt.Sprintf("data_id = $%d", len(args)))
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
	if cond.ExpiredBefore != nil {
		args = append(args, *cond.ExpiredBefore)
		clauses = append(clauses, fmt.Sprintf("expired_at < $%d", len(args)))
	}
	return joinAnd(clauses), args
}

func scanDlDataBuffer(row rowScanner) (*domain.DlDataBuffer, error) {
	var b domain.DlDataBuffer
	if err := row.Scan(&b.DataID, &b.UnitID, &b.UnitCode, &b.ApplicationID, &b.ApplicationCode,
		&b.NetworkID, &b.NetworkAddr, &b.DeviceID, &b.CreatedAt, &b.ExpiredAt); err != nil {
		return nil, err
	}
	return &b, nil
}
