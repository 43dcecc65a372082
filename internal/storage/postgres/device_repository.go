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

type DeviceRepository struct {
	pool *pgxpool.Pool
}

func NewDeviceRepository(pool *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{pool: pool}
}

const deviceColumns = "device_id, unit_id, unit_code, network_id, network_code, network_addr, profile, name, info, created_at, modified_at"

func (r *DeviceRepository) Add(ctx context.Context, d *domain.Device) error {
	info, err := json.Marshal(d.Info)
	if err != nil {
		return fmt.Errorf("marshal device info: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO device (device_id, unit_id, unit_code, network_id, network_code, network_addr, profile, name, info, created_at, modified_at)
		VALUES ($1, $2, lower($3), $4, lower($5), lower($6), $7, $8, $9, $10, $11)
	`, d.DeviceID, d.UnitID, d.UnitCode, d.NetworkID, d.NetworkCode, d.NetworkAddr, d.Profile, d.Name, info, d.CreatedAt, d.ModifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// AddBulk inserts every device in one batch, skipping rows that collide on
// the (network_id, network_addr) natural key (spec.md §4.1: "bulk add is
// upsert-or-skip, never partial failure").
func (r *DeviceRepository) AddBulk(ctx context.Context, devices []*domain.Device) error {
	if len(devices) == 0 {
		return nil
	}
	if len(devices) > storage.BulkMax {
		return fmt.Errorf("add_bulk device: %w", domain.ErrRangeTooLarge)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin add_bulk device: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, d := range devices {
		info, err := json.Marshal(d.Info)
		if err != nil {
			return fmt.Errorf("marshal device info: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO device (device_id, unit_id, unit_code, network_id, network_code, network_addr, profile, name, info, created_at, modified_at)
			VALUES ($1, $2, lower($3), $4, lower($5), lower($6), $7, $8, $9, $10, $11)
			ON CONFLICT (network_id, network_addr) DO NOTHING
		`, d.DeviceID, d.UnitID, d.UnitCode, d.NetworkID, d.NetworkCode, d.NetworkAddr, d.Profile, d.Name, info, d.CreatedAt, d.ModifiedAt)
		if err != nil {
			return fmt.Errorf("insert device in bulk: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *DeviceRepository) Get(ctx context.Context, cond storage.DeviceCond) (*domain.Device, error) {
	where, args := deviceWhere(cond)
	row := r.pool.QueryRow(ctx, "SELECT "+deviceColumns+" FROM device WHERE "+where, args...)
	d, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

func (r *DeviceRepository) List(ctx context.Context, cond storage.DeviceCond, opts storage.ListOptions) (storage.ListResult[domain.Device], error) {
	where, args := deviceWhere(cond)
	limitSQL, unlimited := resolveLimit(opts.Limit)
	order := orderByClause(opts.Sort, "device_id")
	var query string
	if unlimited {
		query = fmt.Sprintf("SELECT %s FROM device WHERE %s %s OFFSET %d", deviceColumns, where, order, opts.Offset)
	} else {
		query = fmt.Sprintf("SELECT %s FROM device WHERE %s %s OFFSET %d %s", deviceColumns, where, order, opts.Offset, limitSQL)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return storage.ListResult[domain.Device]{}, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()
	var items []domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return storage.ListResult[domain.Device]{}, fmt.Errorf("scan device: %w", err)
		}
		items = append(items, *d)
	}
	return storage.ListResult[domain.Device]{Items: items}, rows.Err()
}

func (r *DeviceRepository) Count(ctx context.Context, cond storage.DeviceCond) (int64, error) {
	where, args := deviceWhere(cond)
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT count(*) FROM device WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return n, nil
}

func (r *DeviceRepository) Update(ctx context.Context, cond storage.DeviceCond, fields storage.DeviceUpdate) error {
	where, args := deviceWhere(cond)
	sets := []string{"modified_at = now()"}
	n := len(args)
	if fields.NetworkAddr != nil {
		n++
		sets = append(sets, fmt.Sprintf("network_addr = lower($%d)", n))
		args = append(args, *fields.NetworkAddr)
	}
	if fields.Profile != nil {
		n++
		sets = append(sets, fmt.Sprintf("profile = $%d", n))
		args = append(args, *fields.Profile)
	}
	if fields.Name != nil {
		n++
		sets = append(sets, fmt.Sprintf("name = $%d", n))
		args = append(args, *fields.Name)
	}
	if fields.Info != nil {
		info, err := json.Marshal(fields.Info)
		if err != nil {
			return fmt.Errorf("marshal device info: %w", err)
		}
		n++
		sets = append(sets, fmt.Sprintf("info = $%d", n))
		args = append(args, info)
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf("UPDATE device SET %s WHERE %s", joinComma(sets), where), args...)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *DeviceRepository) Del(ctx context.Context, cond storage.DeviceCond) error {
	where, args := deviceWhere(cond)
	_, err := r.pool.Exec(ctx, "DELETE FROM device WHERE "+where, args...)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

func (r *DeviceRepository) DelBulk(ctx context.Context, deviceIDs []string) error {
	if len(deviceIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, "DELETE FROM device WHERE device_id = ANY($1)", deviceIDs)
	if err != nil {
		return fmt.Errorf("delete devices in bulk: %w", err)
	}
	return nil
}

func deviceWhere(cond storage.DeviceCond) (string, []any) {
	clauses := []string{"true"}
	var args []any
	if cond.DeviceID != "" {
		args = append(args, cond.DeviceID)
		clauses = append(clauses, fmt.Sprintf("device_id = $%d", len(args)))
	}
	if cond.UnitID != "" {
		args = append(args, cond.UnitID)
		clauses = append(clauses, fmt.Sprintf("unit_id = $%d", len(args)))
	}
	if cond.NetworkID != "" {
		args = append(args, cond.NetworkID)
		clauses = append(clauses, fmt.Sprintf("network_id = $%d", len(args)))
	}
	if cond.NetworkAddr != "" {
		args = append(args, cond.NetworkAddr)
		clauses = append(clauses, fmt.Sprintf("network_addr = lower($%d)", len(args)))
	}
	if cond.Contains != "" {
		args = append(args, "%"+cond.Contains+"%")
		clauses = append(clauses, fmt.Sprintf("(network_addr ILIKE $%d OR name ILIKE $%d)", len(args), len(args)))
	}
	return joinAnd(clauses), args
}

func scanDevice(row rowScanner) (*domain.Device, error) {
	var d domain.Device
	var info []byte
	if err := row.Scan(&d.DeviceID, &d.UnitID, &d.UnitCode, &d.NetworkID, &d.NetworkCode, &d.NetworkAddr, &d.Profile, &d.Name, &info, &d.CreatedAt, &d.ModifiedAt); err != nil {
		return nil, err
	}
	if len(info) > 0 {
		if err := json.Unmarshal(info, &d.Info); err != nil {
			return nil, fmt.Errorf("unmarshal device info: %w", err)
		}
	}
	return &d, nil
}
