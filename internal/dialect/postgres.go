package dialect

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/feedsync/feedsync/pkg/types"
)

// Postgres is the PostgreSQL dialect: varchar and jsonb columns, $n parameters.
type Postgres struct{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "postgres" }

func (Postgres) TypeName(k types.TypeTag) string {
	if k == types.StructuredBlob {
		return "jsonb"
	}
	return "varchar"
}

func (Postgres) KindOf(nativeType string) types.TypeTag {
	switch strings.ToLower(nativeType) {
	case "json", "jsonb":
		return types.StructuredBlob
	default:
		return types.Text
	}
}

func (Postgres) Quote(ident string) string { return quoteIfReserved(ident) }

// Stage binds one text[] per column and zips them with unnest. Blob columns
// are cast to jsonb after unnesting.
func (Postgres) Stage(cols []types.Column, rows []types.Row) (string, []any, error) {
	arrays := make([]string, len(cols))
	names := make([]string, len(cols))
	selects := make([]string, len(cols))
	args := make([]any, len(cols))
	for j, c := range cols {
		vals := make([]sql.NullString, len(rows))
		for i, r := range rows {
			switch v := r.Value(j).(type) {
			case nil:
			case string:
				vals[i] = sql.NullString{String: v, Valid: true}
			default:
				return "", nil, fmt.Errorf("dialect: column %s row %d: unsupported value %T", c.Name, i, v)
			}
		}
		args[j] = pq.Array(vals)
		arrays[j] = "$" + strconv.Itoa(j+1) + "::text[]"
		names[j] = "c" + strconv.Itoa(j+1)
		selects[j] = names[j]
		if c.Kind == types.StructuredBlob {
			selects[j] += "::jsonb"
		}
	}
	query := fmt.Sprintf("SELECT %s FROM unnest(%s) AS u(%s)",
		strings.Join(selects, ", "), strings.Join(arrays, ", "), strings.Join(names, ", "))
	return query, args, nil
}

func (Postgres) DeleteInCTE() bool    { return true }
func (Postgres) MultiAddColumn() bool { return true }
