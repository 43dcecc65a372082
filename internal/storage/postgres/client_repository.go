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

type ClientRepository struct {
	pool *pgxpool.Pool
}

func NewClientRepository(pool *pgxpool.Pool) *ClientRepository {
	return &ClientRepository{pool: pool}
}

const clientColumns = `client_id, redirect_uris, scopes, user_id, name, image_url,
	credentials_secret, created_at, modified_at`

func (r *ClientRepository) Add(ctx context.Context, c *domain.Client) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO client (client_id, redirect_uris, scopes, user_id, name, image_url,
			credentials_secret, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ClientID, c.RedirectURIs, c.Scopes, c.UserID, c.Name, c.ImageURL, c.CredentialsSecret, c.CreatedAt, c.ModifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (r *ClientRepository) Get(ctx context.Context, cond storage.ClientCond) (*domain.Client, error) {
	where, args := clientWhere(cond)
	row := r.pool.QueryRow(ctx, "SELECT "+clientColumns+" FROM client WHERE "+where, args...)
	c, err := scanClient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

func (r *ClientRepository) List(ctx context.Context, cond storage.ClientCond, opts storage.ListOptions) (storage.ListResult[domain.Client], error) {
	where, args := clientWhere(cond)
	limitSQL, unlimited := resolveLimit(opts.Limit)
	order := orderByClause(opts.Sort, "client_id")
	var query string
	if unlimited {
		query = fmt.Sprintf("SELECT %s FROM client WHERE %s %s OFFSET %d", clientColumns, where, order, opts.Offset)
	} else {
		query = fmt.Sprintf("SELECT %s FROM client WHERE %s %s OFFSET %d %s", clientColumns, where, order, opts.Offset, limitSQL)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return storage.ListResult[domain.Client]{}, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()
	var items []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return storage.ListResult[domain.Client]{}, fmt.Errorf("scan client: %w", err)
		}
		items = append(items, *c)
	}
	return storage.ListResult[domain.Client]{Items: items}, rows.Err()
}

func (r *ClientRepository) Count(ctx context.Context, cond storage.ClientCond) (int64, error) {
	where, args := clientWhere(cond)
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT count(*) FROM client WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count clients: %w", err)
	}
	return n, nil
}

func (r *ClientRepository) Update(ctx context.Context, cond storage.ClientCond, fields storage.ClientUpdate) error {
	where, args := clientWhere(cond)
	sets := []string{"modified_at = now()"}
	n := len(args)
	if fields.RedirectURIs != nil {
		n++
		sets = append(sets, fmt.Sprintf("redirect_uris = $%d", n))
		args = append(args, *fields.RedirectURIs)
	}
	if fields.Scopes != nil {
		n++
		sets = append(sets, fmt.Sprintf("scopes = $%d", n))
		args = append(args, *fields.Scopes)
	}
	if fields.Name != nil {
		n++
		sets = append(sets, fmt.Sprintf("name = $%d", n))
		args = append(args, *fields.Name)
	}
	if fields.ImageURL != nil {
		n++
		sets = append(sets, fmt.Sprintf("image_url = $%d", n))
		args = append(args, *fields.ImageURL)
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf("UPDATE client SET %s WHERE %s", joinComma(sets), where), args...)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *ClientRepository) Del(ctx context.Context, cond storage.ClientCond) error {
	where, args := clientWhere(cond)
	_, err := r.pool.Exec(ctx, "DELETE FROM client WHERE "+where, args...)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return nil
}

func clientWhere(cond storage.ClientCond) (string, []any) {
	clauses := []string{"true"}
	var args []any
	if cond.ClientID != "" {
		args = append(args, cond.ClientID)
		clauses = append(clauses, fmt.Sprintf("client_id = $%d", len(args)))
	}
	if cond.UserID != "" {
		args = append(args, cond.UserID)
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if cond.Contains != "" {
		args = append(args, "%"+cond.Contains+"%")
		clauses = append(clauses, fmt.Sprintf("name ILIKE $%d", len(args)))
	}
	return joinAnd(clauses), args
}

func scanClient(row rowScanner) (*domain.Client, error) {
	var c domain.Client
	if err := row.Scan(&c.ClientID, &c.RedirectURIs, &c.Scopes, &c.UserID, &c.Name, &c.ImageURL,
		&c.CredentialsSecret, &c.CreatedAt, &c.ModifiedAt); err != nil {
		return nil, err
	}
	return &c, nil
}
