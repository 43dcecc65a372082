// Package storage defines the repository contract (C1): typed CRUD plus
// cursor-paged listing over every entity table, implemented once per
// backend (relational in storage/postgres, document in storage/document)
// so the rest of the broker is written against the interfaces here only.
package storage

import (
	"context"
	"errors"

	"github.com/nimbusgrid/iotbroker/internal/domain"
)

// ErrNotFound is returned by Get when no row matches cond.
var ErrNotFound = errors.New("entity not found")

// ErrConflict is returned by Add when a natural-key uniqueness constraint
// is violated.
var ErrConflict = errors.New("natural key conflict")

// SortEntry is one parsed element of the sort grammar in spec.md §4.6:
// `field:asc|desc`.
type SortEntry struct {
	Field string
	Desc  bool
}

// Cursor is an opaque pagination token. Neither the relational nor the
// document backend reads or returns one; both page by Offset and Limit.
type Cursor string

// ListOptions bundles the filtering, ordering and paging knobs common to
// every repository's List method (spec.md §4.1).
type ListOptions struct {
	Offset    int
	Limit     int // NoLimit means "no limit, stream all"; 0 or another negative value means DefaultLimit.
	Sort      []SortEntry
	CursorMax int // not read by either backend.
	Cursor    Cursor
}

// DefaultLimit is used when a caller leaves ListOptions.Limit unset via a
// *int distinguishing "unset" from "zero" at the API layer; repositories
// themselves just receive the resolved int.
const DefaultLimit = 100

// NoLimit is the resolved sentinel for "limit = 0" (spec.md §4.1: "limit
// = 0 means no limit, stream all"), since Go's int zero value is needed
// to mean "unset" instead. The API layer performs this resolution before
// calling into a repository.
const NoLimit = -1

// ListResult carries one page of items. Both backends return the whole
// Offset/Limit window in one call and leave NextCursor empty.
type ListResult[T any] struct {
	Items      []T
	NextCursor Cursor // empty when there is nothing more to fetch
}

// BulkMax bounds add_bulk batch sizes (spec.md §4.1).
const BulkMax = 1024

// Backend enumerates the supported storage engines (spec.md §6.5).
type Backend string

const (
	BackendDocument   Backend = "document"
	BackendRelational Backend = "relational"
)

// UnitRepository is the C1 contract for the unit entity.
type UnitRepository interface {
	Add(ctx context.Context, u *domain.Unit) error
	Get(ctx context.Context, cond UnitCond) (*domain.Unit, error)
	List(ctx context.Context, cond UnitCond, opts ListOptions) (ListResult[domain.Unit], error)
	Count(ctx context.Context, cond UnitCond) (int64, error)
	Update(ctx context.Context, cond UnitCond, fields UnitUpdate) error
	Del(ctx context.Context, cond UnitCond) error
}

// UnitCond selects units by primary key or unique code. At most one of
// these should be set by any given caller; repositories AND all set
// fields together.
type UnitCond struct {
	UnitID string
	Code   string // normalized lowercase, matched case-insensitively
}

// UnitUpdate carries the patchable fields of a unit. Nil fields are left
// unchanged.
type UnitUpdate struct {
	OwnerUserID   *string
	MemberUserIDs *[]string
	Name          *string
	Info          map[string]any
}
