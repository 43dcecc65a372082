package postgres

import (
	"strconv"
	"strings"

	"github.com/nimbusgrid/iotbroker/internal/storage"
)

// columnNames maps the public sort-key vocabulary (spec.md §4.1) onto
// relational column names. Unknown keys are dropped rather than rejected
// here — validation of the sort grammar itself happens at the API layer
// (internal/api/helpers.ParseSort); the repository only needs to turn
// already-validated keys into SQL.
var columnNames = map[string]string{
	"ApplicationCode": "application_code",
	"NetworkCode":     "network_code",
	"NetworkAddr":     "network_addr",
	"CreatedAt":       "created_at",
	"ModifiedAt":      "modified_at",
	"ExpiredAt":       "expired_at",
	"Code":            "code",
	"Name":            "name",
	"Account":         "account",
}

// orderByClause renders ListOptions.Sort as a stable "ORDER BY" clause.
// A trailing tie-break on the primary key column keeps pagination total
// (spec.md §8 invariant 5) even when the caller's sort keys don't fully
// order the set.
func orderByClause(sort []storage.SortEntry, pkColumn string) string {
	if len(sort) == 0 {
		return "ORDER BY " + pkColumn + " ASC"
	}
	parts := make([]string, 0, len(sort)+1)
	for _, s := range sort {
		col, ok := columnNames[s.Field]
		if !ok {
			continue
		}
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		parts = append(parts, col+" "+dir)
	}
	parts = append(parts, pkColumn+" ASC")
	return "ORDER BY " + strings.Join(parts, ", ")
}

// resolveLimit turns the repository-layer ListOptions.Limit into a LIMIT
// clause. spec.md §4.1 distinguishes an unset limit (default 100) from an
// explicit zero ("no limit, stream all") — a distinction Go's int zero
// value can't carry on its own, so the API layer resolves it before the
// repository ever sees it (see internal/api/helpers.ParseListQuery):
// unset -> storage.DefaultLimit, explicit "no limit" -> storage.NoLimit
// (-1). The repository only has to handle the resolved int.
func resolveLimit(limit int) (sql string, unlimited bool) {
	if limit == storage.NoLimit {
		return "", true
	}
	if limit <= 0 {
		limit = storage.DefaultLimit
	}
	return "LIMIT " + strconv.Itoa(limit), false
}
