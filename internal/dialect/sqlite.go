package dialect

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/feedsync/feedsync/pkg/types"
)

// SQLite is the SQLite dialect backed by mattn/go-sqlite3.
// Blob columns are declared JSON and hold the JSON text.
type SQLite struct{}

func (SQLite) Name() string       { return "sqlite" }
func (SQLite) DriverName() string { return "sqlite3" }

func (SQLite) TypeName(k types.TypeTag) string {
	if k == types.StructuredBlob {
		return "JSON"
	}
	return "TEXT"
}

func (SQLite) KindOf(nativeType string) types.TypeTag {
	if strings.EqualFold(nativeType, "json") || strings.EqualFold(nativeType, "jsonb") {
		return types.StructuredBlob
	}
	return types.Text
}

func (SQLite) Quote(ident string) string { return quoteIfReserved(ident) }

// Stage binds all rows as a single JSON array of arrays and reads it back
// with json_each.
func (SQLite) Stage(cols []types.Column, rows []types.Row) (string, []any, error) {
	if rows == nil {
		rows = []types.Row{}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return "", nil, fmt.Errorf("dialect: encode staged rows: %w", err)
	}
	selects := make([]string, len(cols))
	for j := range cols {
		selects[j] = fmt.Sprintf("json_extract(value, '$[%d]')", j)
	}
	query := fmt.Sprintf("SELECT %s FROM json_each(?)", strings.Join(selects, ", "))
	return query, []any{string(data)}, nil
}

func (SQLite) DeleteInCTE() bool    { return false }
func (SQLite) MultiAddColumn() bool { return false }
