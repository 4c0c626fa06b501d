// Package dialect describes how each supported relational engine spells types,
// identifiers and bind parameters.
package dialect

import (
	"fmt"
	"strings"

	"github.com/feedsync/feedsync/pkg/types"
)

// Dialect is the per-engine SQL vocabulary used by statement synthesis and
// the live schema reader.
type Dialect interface {
	// Name is the short dialect name used in configuration.
	Name() string

	// DriverName is the database/sql driver name.
	DriverName() string

	// TypeName returns the native column type for a logical type.
	TypeName(k types.TypeTag) string

	// KindOf maps a native column type read from the catalog back to a logical type.
	KindOf(nativeType string) types.TypeTag

	// Stage renders a SELECT yielding one row per element of rows, with one
	// output column per entry of cols, and the arguments it binds. The number
	// of arguments depends on the columns only, never on the row count.
	Stage(cols []types.Column, rows []types.Row) (string, []any, error)

	// Quote renders an identifier, quoting it only when it is a reserved word.
	Quote(ident string) string

	// DeleteInCTE reports whether a data-modifying DELETE may appear in a WITH clause.
	DeleteInCTE() bool

	// MultiAddColumn reports whether one ALTER TABLE may add several columns.
	MultiAddColumn() bool
}

// ForName returns the dialect registered under name.
func ForName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pq":
		return Postgres{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("dialect: unknown database driver %q", name)
	}
}

// reserved lists words that must be quoted when used as table or column
// names: the PostgreSQL reserved keywords, including those allowed only as
// function or type names, plus SQLite keywords plausible as feed tags.
var reserved = map[string]struct{}{
	"all": {}, "analyse": {}, "analyze": {}, "and": {}, "any": {}, "array": {},
	"as": {}, "asc": {}, "asymmetric": {}, "authorization": {}, "binary": {},
	"both": {}, "by": {}, "case": {}, "cast": {}, "check": {}, "collate": {},
	"collation": {}, "column": {}, "concurrently": {}, "constraint": {},
	"create": {}, "cross": {}, "current_catalog": {}, "current_date": {},
	"current_role": {}, "current_schema": {}, "current_time": {},
	"current_timestamp": {}, "current_user": {}, "default": {},
	"deferrable": {}, "delete": {}, "desc": {}, "distinct": {}, "do": {},
	"drop": {}, "else": {}, "end": {}, "except": {}, "exists": {}, "false": {},
	"fetch": {}, "for": {}, "foreign": {}, "freeze": {}, "from": {}, "full": {},
	"grant": {}, "group": {}, "having": {}, "ilike": {}, "in": {}, "index": {},
	"initially": {}, "inner": {}, "insert": {}, "intersect": {}, "into": {},
	"is": {}, "isnull": {}, "join": {}, "key": {}, "lateral": {}, "leading": {},
	"left": {}, "like": {}, "limit": {}, "localtime": {}, "localtimestamp": {},
	"natural": {}, "not": {}, "notnull": {}, "null": {}, "offset": {}, "on": {},
	"only": {}, "or": {}, "order": {}, "outer": {}, "overlaps": {},
	"placing": {}, "primary": {}, "references": {}, "replace": {},
	"returning": {}, "right": {}, "select": {}, "session_user": {}, "set": {},
	"similar": {}, "some": {}, "symmetric": {}, "system_user": {}, "table": {},
	"tablesample": {}, "then": {}, "to": {}, "trailing": {}, "true": {},
	"union": {}, "unique": {}, "update": {}, "user": {}, "using": {},
	"values": {}, "variadic": {}, "verbose": {}, "when": {}, "where": {},
	"window": {}, "with": {},
}

func quoteIfReserved(ident string) string {
	if _, ok := reserved[ident]; ok {
		return `"` + ident + `"`
	}
	return ident
}
