package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

const userColumns = `user_id, account, password, salt, roles, name,
	created_at, modified_at, verified_at, expired_at, disabled_at, mfa_secret`

func (r *UserRepository) Add(ctx context.Context, u *domain.User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO "user" (user_id, account, password, salt, roles, name,
			created_at, modified_at, verified_at, expired_at, disabled_at, mfa_secret)
		VALUES ($1, lower($2), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, u.UserID, u.Account, u.Password, u.Salt, rolesToPG(u.Roles), u.Name,
		u.CreatedAt, u.ModifiedAt, u.VerifiedAt, u.ExpiredAt, u.DisabledAt, u.MFASecret)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepository) Get(ctx context.Context, cond storage.UserCond) (*domain.User, error) {
	where, args := userWhere(cond)
	row := r.pool.QueryRow(ctx, "SELECT "+userColumns+` FROM "user" WHERE `+where, args...)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) List(ctx context.Context, cond storage.UserCond, opts storage.ListOptions) (storage.ListResult[domain.User], error) {
	where, args := userWhere(cond)
	limitSQL, unlimited := resolveLimit(opts.Limit)
	order := orderByClause(opts.Sort, "user_id")
	var query string
	if unlimited {
		query = fmt.Sprintf(`SELECT %s FROM "user" WHERE %s %s OFFSET %d`, userColumns, where, order, opts.Offset)
	} else {
		query = fmt.Sprintf(`SELECT %s FROM "user" WHERE %s %s OFFSET %d %s`, userColumns, where, order, opts.Offset, limitSQL)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return storage.ListResult[domain.User]{}, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var items []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return storage.ListResult[domain.User]{}, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, *u)
	}
	return storage.ListResult[domain.User]{Items: items}, rows.Err()
}

func (r *UserRepository) Count(ctx context.Context, cond storage.UserCond) (int64, error) {
	where, args := userWhere(cond)
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM "user" WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (r *UserRepository) Update(ctx context.Context, cond storage.UserCond, fields storage.UserUpdate) error {
	where, args := userWhere(cond)
	sets := []string{"modified_at = now()"}
	n := len(args)
	if fields.Password != nil {
		n++
		sets = append(sets, fmt.Sprintf("password = $%d", n))
		args = append(args, *fields.Password)
	}
	if fields.Salt != nil {
		n++
		sets = append(sets, fmt.Sprintf("salt = $%d", n))
		args = append(args, *fields.Salt)
	}
	if fields.Name != nil {
		n++
		sets = append(sets, fmt.Sprintf("name = $%d", n))
		args = append(args, *fields.Name)
	}
	if fields.Roles != nil {
		n++
		sets = append(sets, fmt.Sprintf("roles = $%d", n))
		args = append(args, rolesToPG(fields.Roles))
	}
	n = appendMillisField(&sets, &args, n, "verified_at", fields.VerifiedAt)
	n = appendMillisField(&sets, &args, n, "expired_at", fields.ExpiredAt)
	n = appendMillisField(&sets, &args, n, "disabled_at", fields.DisabledAt)
	if fields.MFASecret != nil {
		n++
		sets = append(sets, fmt.Sprintf("mfa_secret = $%d", n))
		args = append(args, *fields.MFASecret)
	}

	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`UPDATE "user" SET %s WHERE %s`, joinComma(sets), where), args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *UserRepository) Del(ctx context.Context, cond storage.UserCond) error {
	where, args := userWhere(cond)
	_, err := r.pool.Exec(ctx, `DELETE FROM "user" WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// appendMillisField resolves a **int64 field (nil outer = unset, non-nil
// outer pointing to nil = clear to NULL, non-nil outer pointing to non-nil
// = set) onto the running SET clause list and args slice, returning the
// updated placeholder counter.
func appendMillisField(sets *[]string, args *[]any, n int, column string, field **int64) int {
	if field == nil {
		return n
	}
	n++
	if *field == nil {
		*sets = append(*sets, fmt.Sprintf("%s = $%d", column, n))
		*args = append(*args, nil)
		return n
	}
	t := time.UnixMilli(**field).UTC()
	*sets = append(*sets, fmt.Sprintf("%s = $%d", column, n))
	*args = append(*args, t)
	return n
}

func userWhere(cond storage.UserCond) (string, []any) {
	clauses := []string{"true"}
	var args []any
	if cond.UserID != "" {
		args = append(args, cond.UserID)
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if cond.Account != "" {
		args = append(args, cond.Account)
		clauses = append(clauses, fmt.Sprintf("account = lower($%d)", len(args)))
	}
	if cond.Contains != "" {
		args = append(args, "%"+cond.Contains+"%")
		clauses = append(clauses, fmt.Sprintf("(account ILIKE $%d OR name ILIKE $%d)", len(args), len(args)))
	}
	return joinAnd(clauses), args
}

func rolesToPG(roles map[string]bool) map[string]bool {
	if roles == nil {
		return map[string]bool{}
	}
	return roles
}

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.UserID, &u.Account, &u.Password, &u.Salt, &u.Roles, &u.Name,
		&u.CreatedAt, &u.ModifiedAt, &u.VerifiedAt, &u.ExpiredAt, &u.DisabledAt, &u.MFASecret); err != nil {
		return nil, err
	}
	return &u, nil
}
