// Package schema infers table schemas from feed records, materializes records
// into rows, and classifies drift between persisted and inferred schemas.
package schema

import (
	"github.com/feedsync/feedsync/internal/document"
	"github.com/feedsync/feedsync/pkg/types"
)

// Infer derives the schema of a group from all of its current records.
// Columns are the union of attribute keys and child element names, plus
// data for records that only carry text. Names are lower-cased and sorted.
// An empty group yields a schema with no columns.
func Infer(table string, records []document.Record) types.Schema {
	seen := make(map[string]struct{})
	var cols []types.Column
	add := func(raw string) {
		c := types.NewColumn(raw)
		if _, ok := seen[c.Name]; ok {
			return
		}
		seen[c.Name] = struct{}{}
		cols = append(cols, c)
	}

	for _, rec := range records {
		for _, a := range rec.Attrs {
			add(a.Name)
		}
		for _, ch := range rec.Children {
			add(ch.Name)
		}
		if !rec.HasChildren() && rec.Text != "" {
			add(types.DataColumn)
		}
	}

	return types.NewSchema(table, cols)
}
