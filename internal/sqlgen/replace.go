package sqlgen

import (
	"fmt"
	"strings"

	"github.com/feedsync/feedsync/internal/dialect"
	fserrors "github.com/feedsync/feedsync/internal/errors"
	"github.com/feedsync/feedsync/pkg/types"
)

const stagingName = "staging"

// PrepareRows drops rows that cannot be keyed: rows with a NULL id are removed
// and for repeated ids the last row wins, kept at the first row's position.
// It returns the kept rows and how many were dropped.
func PrepareRows(s types.Schema, rows []types.Row) ([]types.Row, int) {
	idx := idIndex(s)
	if idx < 0 {
		return rows, 0
	}

	kept := make([]types.Row, 0, len(rows))
	pos := make(map[string]int, len(rows))
	for _, r := range rows {
		id, ok := r.Value(idx).(string)
		if !ok {
			continue
		}
		if i, dup := pos[id]; dup {
			kept[i] = r
			continue
		}
		pos[id] = len(kept)
		kept = append(kept, r)
	}
	return kept, len(rows) - len(kept)
}

// Replace renders the statements that make the table's rows equal to rows,
// keyed by id: stage all rows, delete rows whose id is not staged, then
// upsert every staged row. An empty row set renders a single DELETE.
// Rows are staged through the dialect, so the statements bind the same
// number of arguments whatever the size of the group.
// On dialects without data-modifying CTEs the delete and the upsert are two
// statements sharing the staging relation; callers run them in one transaction.
func Replace(d dialect.Dialect, s types.Schema, rows []types.Row) ([]Statement, error) {
	if len(rows) == 0 {
		return []Statement{DeleteAll(d, s.Table)}, nil
	}
	if !s.HasPrimaryKey() {
		return nil, fserrors.NewValidationError(fserrors.CodeMissingID,
			fmt.Sprintf("table %s has no id column to key rows by", s.Table))
	}

	source, args, err := d.Stage(s.Columns, rows)
	if err != nil {
		return nil, fserrors.Wrap(fserrors.ErrCategoryValidation, fserrors.CodeInvalidValue,
			"stage rows of "+s.Table, err)
	}
	cols := quotedColumns(d, s)
	staging := fmt.Sprintf("WITH %s (%s) AS (\n  %s\n)", stagingName, cols, source)
	table := d.Quote(s.Table)
	deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE id NOT IN (SELECT id FROM %s)", table, stagingName)

	if d.DeleteInCTE() {
		var b strings.Builder
		b.WriteString(staging)
		b.WriteString(",\ndeleted AS (\n  ")
		b.WriteString(deleteSQL)
		b.WriteString("\n)\n")
		fmt.Fprintf(&b, "INSERT INTO %s (%s)\nSELECT * FROM %s\n%s;", table, cols, stagingName, upsertClause(d, s))
		return []Statement{{SQL: b.String(), Args: args}}, nil
	}

	del := staging + "\n" + deleteSQL + ";"
	// WHERE true keeps the upsert's ON CONFLICT from parsing as a join constraint.
	ins := fmt.Sprintf("%s\nINSERT INTO %s (%s)\nSELECT * FROM %s WHERE true\n%s;",
		staging, table, cols, stagingName, upsertClause(d, s))

	insArgs := make([]any, len(args))
	copy(insArgs, args)
	return []Statement{{SQL: del, Args: args}, {SQL: ins, Args: insArgs}}, nil
}

func upsertClause(d dialect.Dialect, s types.Schema) string {
	var sets []string
	for _, c := range s.Columns {
		if c.Name == types.PrimaryKeyColumn {
			continue
		}
		q := d.Quote(c.Name)
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	if len(sets) == 0 {
		return "ON CONFLICT (id) DO NOTHING"
	}
	return "ON CONFLICT (id) DO UPDATE SET " + strings.Join(sets, ", ")
}

func quotedColumns(d dialect.Dialect, s types.Schema) string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = d.Quote(c.Name)
	}
	return strings.Join(names, ", ")
}

func idIndex(s types.Schema) int {
	for i, c := range s.Columns {
		if c.Name == types.PrimaryKeyColumn {
			return i
		}
	}
	return -1
}
