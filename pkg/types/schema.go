// Package types provides the core relational model shared by feedsync components.
package types

import (
	"sort"
	"strings"
)

// PrimaryKeyColumn is the column that carries row identity.
const PrimaryKeyColumn = "id"

// ParamColumn is the column that aggregates all param children into one blob.
const ParamColumn = "param"

// DataColumn holds the text of records that have no children.
const DataColumn = "data"

// TypeTag is the logical type of a column. The set is closed.
type TypeTag int

const (
	// Text is any text-like value.
	Text TypeTag = iota
	// StructuredBlob is a JSON object of name -> text.
	StructuredBlob
)

// String returns the lowercase tag name.
func (t TypeTag) String() string {
	switch t {
	case Text:
		return "text"
	case StructuredBlob:
		return "structured_blob"
	default:
		return "unknown"
	}
}

// Column defines a single column of a table.
type Column struct {
	// Name is the lower-cased column name
	Name string `json:"name"`

	// Kind is the logical type
	Kind TypeTag `json:"kind"`

	// PrimaryKey indicates whether this column is the row identity
	PrimaryKey bool `json:"primary_key"`
}

// NewColumn returns the inferred column for a raw attribute or child name.
// The name is lower-cased, param becomes a blob and id becomes the primary key.
func NewColumn(raw string) Column {
	name := strings.ToLower(raw)
	kind := Text
	if name == ParamColumn {
		kind = StructuredBlob
	}
	return Column{Name: name, Kind: kind, PrimaryKey: name == PrimaryKeyColumn}
}

// Schema defines the ordered column set of one table.
type Schema struct {
	// Table is the target table name
	Table string `json:"table"`

	// Columns is sorted by name with no duplicates
	Columns []Column `json:"columns"`
}

// NewSchema builds a schema, sorting and de-duplicating the columns.
// When a name repeats, the first occurrence wins.
func NewSchema(table string, cols []Column) Schema {
	seen := make(map[string]struct{}, len(cols))
	out := make([]Column, 0, len(cols))
	for _, c := range cols {
		if _, ok := seen[c.Name]; ok {
			continue
		}
		seen[c.Name] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return Schema{Table: table, Columns: out}
}

// Equal reports structural equality: same table and same ordered columns.
func (s Schema) Equal(o Schema) bool {
	if s.Table != o.Table || len(s.Columns) != len(o.Columns) {
		return false
	}
	for i := range s.Columns {
		if s.Columns[i] != o.Columns[i] {
			return false
		}
	}
	return true
}

// ColumnNames returns the column names in schema order.
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Column looks up a column by name.
func (s Schema) Column(name string) (Column, bool) {
	i := sort.Search(len(s.Columns), func(i int) bool { return s.Columns[i].Name >= name })
	if i < len(s.Columns) && s.Columns[i].Name == name {
		return s.Columns[i], true
	}
	return Column{}, false
}

// Has reports whether the schema contains the named column.
func (s Schema) Has(name string) bool {
	_, ok := s.Column(name)
	return ok
}

// HasPrimaryKey reports whether the schema carries an id column.
func (s Schema) HasPrimaryKey() bool {
	return s.Has(PrimaryKeyColumn)
}

// IsEmpty reports whether the schema has no columns.
func (s Schema) IsEmpty() bool {
	return len(s.Columns) == 0
}
