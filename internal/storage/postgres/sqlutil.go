package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

func joinAnd(clauses []string) string {
	return strings.Join(clauses, " AND ")
}

func joinComma(clauses []string) string {
	return strings.Join(clauses, ", ")
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the signal a natural-key conflict raises on Add /
// AddBulk (spec.md §4.1 upsert-or-skip policy, spec.md §8 invariant 1).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
