package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/feedsync/feedsync/internal/document"
	"github.com/feedsync/feedsync/pkg/types"
)

func offer(id string, children ...document.Child) document.Record {
	return document.Record{Attrs: []document.Attr{{Name: "id", Value: id}}, Children: children}
}

func child(name, text string) document.Child {
	return document.Child{Name: name, Text: text}
}

func param(name, text string) document.Child {
	return document.Child{Name: "param", Text: text, Attrs: []document.Attr{{Name: "name", Value: name}}}
}

func TestInfer(t *testing.T) {
	records := []document.Record{
		offer("1", child("Name", "Drill"), param("color", "red")),
		{Attrs: []document.Attr{{Name: "ID", Value: "2"}, {Name: "available", Value: "true"}}, Children: []document.Child{child("vendor", "Acme")}},
	}

	got := Infer("offers", records)
	want := types.Schema{Table: "offers", Columns: []types.Column{
		{Name: "available", Kind: types.Text},
		{Name: "id", Kind: types.Text, PrimaryKey: true},
		{Name: "name", Kind: types.Text},
		{Name: "param", Kind: types.StructuredBlob},
		{Name: "vendor", Kind: types.Text},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Infer mismatch (-want +got):\n%s", diff)
	}
}

func TestInferDataColumn(t *testing.T) {
	records := []document.Record{
		{Attrs: []document.Attr{{Name: "id", Value: "1"}}, Text: "Tools"},
		{Attrs: []document.Attr{{Name: "id", Value: "2"}, {Name: "parentId", Value: "1"}}, Text: "Drills"},
	}
	got := Infer("categories", records).ColumnNames()
	want := []string{"data", "id", "parentid"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("columns mismatch (-want +got):\n%s", diff)
	}

	// Self-closing records carry no text and get no data column.
	got = Infer("currencies", []document.Record{{Attrs: []document.Attr{{Name: "id", Value: "RUR"}, {Name: "rate", Value: "1"}}}}).ColumnNames()
	if diff := cmp.Diff([]string{"id", "rate"}, got); diff != "" {
		t.Errorf("columns mismatch (-want +got):\n%s", diff)
	}
}

func TestInferEmptyGroup(t *testing.T) {
	s := Infer("offers", nil)
	if !s.IsEmpty() || s.Table != "offers" {
		t.Errorf("expected empty schema for offers, got %+v", s)
	}
}

func TestMaterializeParamBlob(t *testing.T) {
	rec := offer("1", param("color", "red"), param("size", "L"))
	s := Infer("offers", []document.Record{rec})
	row := Materialize(rec, s)

	idx := -1
	for i, c := range s.Columns {
		if c.Name == types.ParamColumn {
			idx = i
		}
	}
	if idx < 0 {
		t.Fatal("expected param column")
	}
	blob, ok := row[idx].(string)
	if !ok {
		t.Fatalf("expected string blob, got %T", row[idx])
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(blob), &got); err != nil {
		t.Fatalf("param blob is not JSON: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"color": "red", "size": "L"}, got); diff != "" {
		t.Errorf("param mismatch (-want +got):\n%s", diff)
	}
	if blob != `{"color":"red","size":"L"}` {
		t.Errorf("expected canonical key order, got %s", blob)
	}
}

func TestParamNameAttributeIsCaseInsensitive(t *testing.T) {
	rec := offer("1", document.Child{Name: "Param", Text: "red", Attrs: []document.Attr{{Name: "NAME", Value: "color"}}})
	if got := Values(rec)[types.ParamColumn]; got != `{"color":"red"}` {
		t.Errorf("expected param keyed by its NAME attribute, got %s", got)
	}
}

func TestParamBlobKeepsMarkupCharacters(t *testing.T) {
	rec := offer("1", param("size", "<10 & >5"))
	if got := Values(rec)[types.ParamColumn]; got != `{"size":"<10 & >5"}` {
		t.Errorf("expected unescaped param text, got %s", got)
	}
}

func TestMaterializeNulls(t *testing.T) {
	a := offer("1", child("name", "Drill"))
	b := offer("2", child("vendor", "Acme"))
	s := Infer("offers", []document.Record{a, b})

	rows := MaterializeAll([]document.Record{a, b}, s)
	// columns: id, name, vendor
	want := []types.Row{
		{"1", "Drill", nil},
		{"2", nil, "Acme"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestValuesLastWins(t *testing.T) {
	rec := document.Record{
		Attrs:    []document.Attr{{Name: "id", Value: "1"}, {Name: "Name", Value: "attr"}},
		Children: []document.Child{child("name", "first"), child("NAME", "second")},
	}
	if got := Values(rec)["name"]; got != "second" {
		t.Errorf("expected last child to win, got %q", got)
	}
}

func TestDiff(t *testing.T) {
	current := types.NewSchema("offers", []types.Column{types.NewColumn("id"), types.NewColumn("name")})

	tests := []struct {
		name     string
		incoming types.Schema
		kind     DriftKind
		added    []string
		removed  []string
		changed  []string
	}{
		{"equal", types.NewSchema("offers", []types.Column{types.NewColumn("name"), types.NewColumn("id")}), DriftNone, nil, nil, nil},
		{"additive", types.NewSchema("offers", []types.Column{types.NewColumn("id"), types.NewColumn("name"), types.NewColumn("vendor")}), DriftAdditive, []string{"vendor"}, nil, nil},
		{"removed", types.NewSchema("offers", []types.Column{types.NewColumn("id")}), DriftUnsafe, nil, []string{"name"}, nil},
		{"removed and added", types.NewSchema("offers", []types.Column{types.NewColumn("id"), types.NewColumn("vendor")}), DriftUnsafe, []string{"vendor"}, []string{"name"}, nil},
		{"kind changed", types.NewSchema("offers", []types.Column{types.NewColumn("id"), {Name: "name", Kind: types.StructuredBlob}}), DriftUnsafe, nil, nil, []string{"name"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Diff(current, tt.incoming)
			if d.Kind != tt.kind {
				t.Errorf("expected %s drift, got %s", tt.kind, d.Kind)
			}
			if diff := cmp.Diff(tt.added, namesOrNil(d.Added)); diff != "" {
				t.Errorf("added mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.removed, namesOrNil(d.Removed)); diff != "" {
				t.Errorf("removed mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.changed, namesOrNil(d.Changed)); diff != "" {
				t.Errorf("changed mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func namesOrNil(cols []types.Column) []string {
	if len(cols) == 0 {
		return nil
	}
	return Names(cols)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("offers"); ok {
		t.Fatal("expected empty registry")
	}

	s := types.NewSchema("offers", []types.Column{types.NewColumn("id")})
	r.Put(s)
	got, ok := r.Get("offers")
	if !ok || !got.Equal(s) {
		t.Errorf("expected stored schema, got %+v", got)
	}

	r.Reset([]types.Schema{types.NewSchema("categories", nil)})
	if _, ok := r.Get("offers"); ok {
		t.Error("Reset should drop tables missing from the snapshot")
	}
	if diff := cmp.Diff([]string{"categories"}, r.Tables()); diff != "" {
		t.Errorf("tables mismatch (-want +got):\n%s", diff)
	}

	r.Remove("categories")
	if len(r.Tables()) != 0 {
		t.Error("expected registry to be empty after Remove")
	}
}

func TestValidIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"id", true},
		{"_private", true},
		{"country_of_origin", true},
		{"param2", true},
		{"", false},
		{"2fast", false},
		{"sales-notes", false},
		{"Name", false},
		{"drop table", false},
		{strings.Repeat("a", 64), false},
	}
	for _, tt := range tests {
		if got := ValidIdentifier(tt.name); got != tt.valid {
			t.Errorf("ValidIdentifier(%q) = %v, want %v", tt.name, got, tt.valid)
		}
	}

	bad := types.NewSchema("offers", []types.Column{types.NewColumn("sales-notes")})
	if err := ValidateSchema(bad); err == nil {
		t.Error("expected validation error for hyphenated column")
	}
}

// genRecords generates offer records with a mix of attrs, children and params.
func genRecords() gopter.Gen {
	names := gen.OneConstOf("id", "name", "vendor", "price", "url", "param", "available")
	return gen.SliceOf(gen.SliceOfN(3, names)).Map(func(sets [][]string) []document.Record {
		records := make([]document.Record, len(sets))
		for i, set := range sets {
			rec := document.Record{Attrs: []document.Attr{{Name: set[0], Value: "v"}}}
			for _, n := range set[1:] {
				rec.Children = append(rec.Children, document.Child{Name: n, Text: "t", Attrs: []document.Attr{{Name: "name", Value: n}}})
			}
			records[i] = rec
		}
		return records
	})
}

func TestProperty_InferenceDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("inferred schema does not depend on record order", prop.ForAll(
		func(records []document.Record) bool {
			reversed := make([]document.Record, len(records))
			for i, r := range records {
				reversed[len(records)-1-i] = r
			}
			return Infer("offers", records).Equal(Infer("offers", reversed))
		},
		genRecords(),
	))

	properties.Property("inference is repeatable", prop.ForAll(
		func(records []document.Record) bool {
			return Infer("offers", records).Equal(Infer("offers", records))
		},
		genRecords(),
	))

	properties.TestingRun(t)
}

func TestProperty_CaseInsensitivity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("upper-casing tag names yields the same schema", prop.ForAll(
		func(records []document.Record) bool {
			upper := make([]document.Record, len(records))
			for i, r := range records {
				u := document.Record{Text: r.Text}
				for _, a := range r.Attrs {
					u.Attrs = append(u.Attrs, document.Attr{Name: strings.ToUpper(a.Name), Value: a.Value})
				}
				for _, c := range r.Children {
					u.Children = append(u.Children, document.Child{Name: strings.ToUpper(c.Name), Text: c.Text, Attrs: c.Attrs})
				}
				upper[i] = u
			}
			return Infer("offers", records).Equal(Infer("offers", upper))
		},
		genRecords(),
	))

	properties.TestingRun(t)
}

func TestProperty_DiffClassification(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genSchema := gen.SliceOf(gen.Identifier()).Map(func(names []string) types.Schema {
		cols := make([]types.Column, len(names))
		for i, n := range names {
			cols[i] = types.NewColumn(n)
		}
		return types.NewSchema("t", cols)
	})

	properties.Property("a schema never drifts from itself", prop.ForAll(
		func(s types.Schema) bool {
			return Diff(s, s).Kind == DriftNone
		},
		genSchema,
	))

	properties.Property("adding columns is additive, dropping is unsafe", prop.ForAll(
		func(s types.Schema) bool {
			extra := append(append([]types.Column{}, s.Columns...), types.NewColumn("zz_extra_column"))
			grown := types.NewSchema("t", extra)
			if s.Has("zz_extra_column") {
				return Diff(s, grown).Kind == DriftNone
			}
			return Diff(s, grown).Kind == DriftAdditive && Diff(grown, s).Kind == DriftUnsafe
		},
		genSchema,
	))

	properties.TestingRun(t)
}
