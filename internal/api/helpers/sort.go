package helpers

import (
	"fmt"
	"strings"

	"github.com/nimbusgrid/iotbroker/internal/storage"
)

// ParseSort implements the sort-string grammar spec.md §4.6 names and
// SPEC_FULL's SUPPLEMENT section makes a reusable component: `sort =
// entry ("," entry)*` where `entry = field ":" ("asc" | "desc")`. allowed
// maps the short lowercase wire aliases list endpoints accept (e.g.
// "network", "created") to the canonical storage.SortEntry.Field value
// written into the returned entries; any other shape or alias is
// rejected with err_param (surfaced by the caller wrapping the returned
// error).
func ParseSort(raw string, allowed map[string]string) ([]storage.SortEntry, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	entries := make([]storage.SortEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		fieldDir := strings.SplitN(part, ":", 2)
		if len(fieldDir) != 2 {
			return nil, fmt.Errorf("malformed sort entry %q", part)
		}
		alias, dir := fieldDir[0], fieldDir[1]
		field, ok := allowed[alias]
		if alias == "" || !ok {
			return nil, fmt.Errorf("unknown sort field %q", alias)
		}
		var desc bool
		switch dir {
		case "asc":
			desc = false
		case "desc":
			desc = true
		default:
			return nil, fmt.Errorf("sort direction must be asc or desc, got %q", dir)
		}
		entries = append(entries, storage.SortEntry{Field: field, Desc: desc})
	}
	return entries, nil
}
