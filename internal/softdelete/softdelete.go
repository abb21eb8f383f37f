// Package softdelete carries the per-query visibility rule for rows that are
// logically deleted by stamping a deletion timestamp.
//
// Repositories take a variadic list of Option on every read of a soft-deletable
// entity and apply the resolved Mode themselves. Deleted rows are hidden unless
// the call site passes WithDeleted; there is no process-wide switch.
package softdelete

import (
	"strings"
	"time"
)

// Mode selects which rows a read may return.
type Mode int

const (
	// ExcludeDeleted hides rows whose deletion marker is set. It is the zero value.
	ExcludeDeleted Mode = iota
	// IncludeDeleted returns live and deleted rows alike.
	IncludeDeleted
)

// DefaultColumn is the deletion marker column used by every soft-deletable table.
const DefaultColumn = "deleted_at"

// Option adjusts the visibility of a single query.
type Option func(*Mode)

// WithDeleted makes one query return deleted rows as well.
func WithDeleted() Option {
	return func(m *Mode) { *m = IncludeDeleted }
}

// Resolve folds opts into the Mode for one query.
func Resolve(opts ...Option) Mode {
	m := ExcludeDeleted
	for _, opt := range opts {
		if opt != nil {
			opt(&m)
		}
	}
	return m
}

// Clause returns the SQL predicate for the given column reference (for example
// "m.deleted_at"), or an empty string when no filtering is required.
func (m Mode) Clause(column string) string {
	if m == IncludeDeleted {
		return ""
	}
	column = strings.TrimSpace(column)
	if column == "" {
		column = DefaultColumn
	}
	return column + " is null"
}

// And appends the predicate to an existing where clause.
func (m Mode) And(where, column string) string {
	clause := m.Clause(column)
	if clause == "" {
		return where
	}
	if strings.TrimSpace(where) == "" {
		return clause
	}
	return where + " and " + clause
}

// Visible reports whether a row with the given deletion marker may be returned.
func (m Mode) Visible(deletedAt *time.Time) bool {
	return m == IncludeDeleted || deletedAt == nil
}

func (m Mode) String() string {
	if m == IncludeDeleted {
		return "include_deleted"
	}
	return "exclude_deleted"
}
