// Package sqlgen renders DDL and the full-replace DML for a table.
// All record values are bound as parameters; only identifiers and
// placeholders appear in statement text.
package sqlgen

import (
	"fmt"
	"strings"

	"github.com/feedsync/feedsync/internal/dialect"
	"github.com/feedsync/feedsync/pkg/types"
)

// Statement is one SQL statement with its bind arguments.
type Statement struct {
	SQL  string
	Args []any
}

func columnDef(d dialect.Dialect, c types.Column) string {
	def := d.Quote(c.Name) + " " + d.TypeName(c.Kind)
	if c.PrimaryKey {
		def += " PRIMARY KEY"
	}
	return def
}

// CreateTable renders the CREATE TABLE statement for s, columns in schema order.
func CreateTable(d dialect.Dialect, s types.Schema) string {
	defs := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		defs[i] = columnDef(d, c)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n);", d.Quote(s.Table), strings.Join(defs, ",\n  "))
}

// AlterAdd renders one ALTER TABLE adding every column in cols, sorted by name.
// Added columns carry no constraint.
func AlterAdd(d dialect.Dialect, table string, cols []types.Column) string {
	clauses := make([]string, len(cols))
	for i, c := range sortedColumns(cols) {
		clauses[i] = "ADD COLUMN " + d.Quote(c.Name) + " " + d.TypeName(c.Kind)
	}
	return fmt.Sprintf("ALTER TABLE %s %s;", d.Quote(table), strings.Join(clauses, ", "))
}

// AlterAddStatements returns the executable form of AlterAdd. Dialects that
// accept a single ADD COLUMN per ALTER get one statement per column.
func AlterAddStatements(d dialect.Dialect, table string, cols []types.Column) []Statement {
	if len(cols) == 0 {
		return nil
	}
	if d.MultiAddColumn() {
		return []Statement{{SQL: AlterAdd(d, table, cols)}}
	}
	sorted := sortedColumns(cols)
	stmts := make([]Statement, len(sorted))
	for i, c := range sorted {
		stmts[i] = Statement{SQL: AlterAdd(d, table, []types.Column{c})}
	}
	return stmts
}

// DeleteAll empties a table.
func DeleteAll(d dialect.Dialect, table string) Statement {
	return Statement{SQL: fmt.Sprintf("DELETE FROM %s;", d.Quote(table))}
}

// IsUnique renders a query returning one boolean row: whether column holds no
// repeated values.
func IsUnique(d dialect.Dialect, table, column string) string {
	c := d.Quote(column)
	return fmt.Sprintf("SELECT COUNT(DISTINCT %s) = COUNT(*) AS is_unique FROM %s", c, d.Quote(table))
}

func sortedColumns(cols []types.Column) []types.Column {
	return types.NewSchema("", cols).Columns
}
