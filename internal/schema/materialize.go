package schema

import (
	"encoding/json"
	"strings"

	"github.com/feedsync/feedsync/internal/document"
	"github.com/feedsync/feedsync/pkg/types"
)

// Values returns the column -> value mapping of a record.
// Attributes come first, child text overrides them, and the last
// occurrence of a repeated name wins. All param children are collected
// into one JSON object keyed by their name attribute.
func Values(rec document.Record) map[string]string {
	values := make(map[string]string, len(rec.Attrs)+len(rec.Children))
	for _, a := range rec.Attrs {
		values[strings.ToLower(a.Name)] = a.Value
	}

	var params map[string]string
	for _, ch := range rec.Children {
		name := strings.ToLower(ch.Name)
		if name == types.ParamColumn {
			if params == nil {
				params = make(map[string]string)
			}
			key, _ := ch.Attr("name")
			params[key] = ch.Text
			continue
		}
		values[name] = ch.Text
	}

	if params != nil {
		values[types.ParamColumn] = encodeParams(params)
	}

	if !rec.HasChildren() && rec.Text != "" {
		values[types.DataColumn] = rec.Text
	}
	return values
}

// Materialize returns one value per schema column, nil where the record has
// no value for the column.
func Materialize(rec document.Record, s types.Schema) types.Row {
	values := Values(rec)
	row := make(types.Row, len(s.Columns))
	for i, c := range s.Columns {
		if v, ok := values[c.Name]; ok {
			row[i] = v
		}
	}
	return row
}

// MaterializeAll materializes every record of a group against s.
func MaterializeAll(records []document.Record, s types.Schema) []types.Row {
	rows := make([]types.Row, len(records))
	for i, rec := range records {
		rows[i] = Materialize(rec, s)
	}
	return rows
}

// encodeParams renders params as a JSON object with sorted keys and without
// HTML escaping, so <, > and & are stored as written.
func encodeParams(params map[string]string) string {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	// map[string]string always encodes
	_ = enc.Encode(params)
	return strings.TrimSuffix(b.String(), "\n")
}
