package helpers

import (
	"net/http"
	"strconv"

	"github.com/nimbusgrid/iotbroker/internal/storage"
)

// ListQuery bundles the filtering/paging query parameters every `list`
// and `count` endpoint accepts (spec.md §6.1: "offset, limit, sort,
// format").
type ListQuery struct {
	Offset int
	Limit  int
	Format string // "" (enveloped) or "array" (raw JSON array)
}

// ParseListQuery resolves offset/limit/format, defaulting Limit to
// storage.DefaultLimit and mapping a requested 0 to storage.NoLimit
// ("stream all") since Go's zero value can't distinguish unset from
// explicit zero at this layer (storage.ListOptions doc comment).
func ParseListQuery(r *http.Request) ListQuery {
	q := r.URL.Query()
	lim := storage.DefaultLimit
	if s := q.Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			if n == 0 {
				lim = storage.NoLimit
			} else if n > 0 {
				lim = n
			}
		}
	}
	off := 0
	if s := q.Get("offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			off = n
		}
	}
	return ListQuery{Offset: off, Limit: lim, Format: q.Get("format")}
}

// Raw reports whether the caller asked for the bare-array listing shape.
func (l ListQuery) Raw() bool { return l.Format == "array" }

// ToListOptions builds storage.ListOptions from the parsed query plus a
// previously-parsed sort.
func (l ListQuery) ToListOptions(sort []storage.SortEntry) storage.ListOptions {
	return storage.ListOptions{Offset: l.Offset, Limit: l.Limit, Sort: sort}
}
