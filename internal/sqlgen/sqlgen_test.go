package sqlgen

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/feedsync/feedsync/internal/dialect"
	fserrors "github.com/feedsync/feedsync/internal/errors"
	"github.com/feedsync/feedsync/pkg/types"
)

func offersSchema() types.Schema {
	return types.NewSchema("offers", []types.Column{
		types.NewColumn("id"),
		types.NewColumn("name"),
		types.NewColumn("param"),
	})
}

func TestCreateTable(t *testing.T) {
	got := CreateTable(dialect.Postgres{}, offersSchema())
	want := "CREATE TABLE offers (\n  id varchar PRIMARY KEY,\n  name varchar,\n  param jsonb\n);"
	if got != want {
		t.Errorf("CreateTable mismatch:\ngot:  %q\nwant: %q", got, want)
	}

	got = CreateTable(dialect.SQLite{}, offersSchema())
	want = "CREATE TABLE offers (\n  id TEXT PRIMARY KEY,\n  name TEXT,\n  param JSON\n);"
	if got != want {
		t.Errorf("CreateTable mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestCreateTableQuotesReservedWords(t *testing.T) {
	s := types.NewSchema("offers", []types.Column{types.NewColumn("id"), types.NewColumn("group")})
	got := CreateTable(dialect.Postgres{}, s)
	if !strings.Contains(got, `"group" varchar`) {
		t.Errorf("expected quoted reserved column, got %s", got)
	}
}

func TestAlterAdd(t *testing.T) {
	cols := []types.Column{types.NewColumn("vendor"), types.NewColumn("price")}
	got := AlterAdd(dialect.Postgres{}, "offers", cols)
	want := "ALTER TABLE offers ADD COLUMN price varchar, ADD COLUMN vendor varchar;"
	if got != want {
		t.Errorf("AlterAdd mismatch:\ngot:  %q\nwant: %q", got, want)
	}

	pg := AlterAddStatements(dialect.Postgres{}, "offers", cols)
	if len(pg) != 1 || pg[0].SQL != want {
		t.Errorf("expected one postgres ALTER, got %+v", pg)
	}

	lite := AlterAddStatements(dialect.SQLite{}, "offers", cols)
	wantLite := []Statement{
		{SQL: "ALTER TABLE offers ADD COLUMN price TEXT;"},
		{SQL: "ALTER TABLE offers ADD COLUMN vendor TEXT;"},
	}
	if diff := cmp.Diff(wantLite, lite); diff != "" {
		t.Errorf("sqlite ALTER mismatch (-want +got):\n%s", diff)
	}

	if AlterAddStatements(dialect.SQLite{}, "offers", nil) != nil {
		t.Error("expected no statements for no columns")
	}
}

func TestReplacePostgres(t *testing.T) {
	rows := []types.Row{
		{"1", "Drill", `{"color":"red"}`},
		{"2", nil, nil},
	}
	stmts, err := Replace(dialect.Postgres{}, offersSchema(), rows)
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if len(stmts) != 1 {
		t.Fatalf("expected a single statement, got %d", len(stmts))
	}

	want := "WITH staging (id, name, param) AS (\n" +
		"  SELECT c1, c2, c3::jsonb FROM unnest($1::text[], $2::text[], $3::text[]) AS u(c1, c2, c3)\n" +
		"),\n" +
		"deleted AS (\n" +
		"  DELETE FROM offers WHERE id NOT IN (SELECT id FROM staging)\n" +
		")\n" +
		"INSERT INTO offers (id, name, param)\n" +
		"SELECT * FROM staging\n" +
		"ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, param = EXCLUDED.param;"
	if stmts[0].SQL != want {
		t.Errorf("Replace mismatch:\ngot:\n%s\nwant:\n%s", stmts[0].SQL, want)
	}
	if len(stmts[0].Args) != 3 {
		t.Errorf("expected one array argument per column, got %d", len(stmts[0].Args))
	}
}

func TestReplaceSQLite(t *testing.T) {
	rows := []types.Row{{"1", "Drill", nil}}
	stmts, err := Replace(dialect.SQLite{}, offersSchema(), rows)
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if len(stmts) != 2 {
		t.Fatalf("expected delete and upsert statements, got %d", len(stmts))
	}
	staging := "WITH staging (id, name, param) AS (\n" +
		"  SELECT json_extract(value, '$[0]'), json_extract(value, '$[1]'), json_extract(value, '$[2]') FROM json_each(?)\n)"
	if !strings.HasPrefix(stmts[0].SQL, staging) {
		t.Errorf("unexpected staging clause: %s", stmts[0].SQL)
	}
	if !strings.HasSuffix(stmts[0].SQL, "DELETE FROM offers WHERE id NOT IN (SELECT id FROM staging);") {
		t.Errorf("unexpected delete: %s", stmts[0].SQL)
	}
	if !strings.Contains(stmts[1].SQL, "SELECT * FROM staging WHERE true\nON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, param = EXCLUDED.param;") {
		t.Errorf("unexpected upsert: %s", stmts[1].SQL)
	}
	wantArgs := []any{`[["1","Drill",null]]`}
	if diff := cmp.Diff(wantArgs, stmts[0].Args); diff != "" {
		t.Errorf("delete args mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantArgs, stmts[1].Args); diff != "" {
		t.Errorf("upsert args mismatch (-want +got):\n%s", diff)
	}
}

func TestReplaceEmpty(t *testing.T) {
	stmts, err := Replace(dialect.Postgres{}, offersSchema(), nil)
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if len(stmts) != 1 || stmts[0].SQL != "DELETE FROM offers;" {
		t.Errorf("expected delete-all, got %+v", stmts)
	}
}

func TestReplaceIDOnly(t *testing.T) {
	s := types.NewSchema("currencies", []types.Column{types.NewColumn("id")})
	stmts, err := Replace(dialect.Postgres{}, s, []types.Row{{"RUR"}})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if !strings.HasSuffix(stmts[0].SQL, "ON CONFLICT (id) DO NOTHING;") {
		t.Errorf("expected DO NOTHING for id-only table, got %s", stmts[0].SQL)
	}
}

func TestReplaceMissingID(t *testing.T) {
	s := types.NewSchema("notes", []types.Column{types.NewColumn("data")})
	_, err := Replace(dialect.Postgres{}, s, []types.Row{{"x"}})
	if fserrors.GetCode(err) != fserrors.CodeMissingID {
		t.Errorf("expected MISSING_ID, got %v", err)
	}
}

func TestReplaceLargeGroupBindCount(t *testing.T) {
	cols := []types.Column{types.NewColumn("id")}
	for i := 0; i < 20; i++ {
		cols = append(cols, types.NewColumn(fmt.Sprintf("attr%d", i)))
	}
	s := types.NewSchema("offers", cols)

	rows := make([]types.Row, 6000)
	for i := range rows {
		r := make(types.Row, len(cols))
		r[0] = fmt.Sprintf("%d", i)
		for j := 1; j < len(r); j++ {
			r[j] = "v"
		}
		rows[i] = r
	}

	for _, d := range []dialect.Dialect{dialect.Postgres{}, dialect.SQLite{}} {
		stmts, err := Replace(d, s, rows)
		if err != nil {
			t.Fatalf("%s: Replace failed: %v", d.Name(), err)
		}
		for _, st := range stmts {
			if len(st.Args) > len(cols) {
				t.Errorf("%s: statement binds %d args for %d columns", d.Name(), len(st.Args), len(cols))
			}
		}
	}
}

func TestReplaceRejectsNonTextValue(t *testing.T) {
	_, err := Replace(dialect.Postgres{}, offersSchema(), []types.Row{{"1", 42, nil}})
	if fserrors.GetCode(err) != fserrors.CodeInvalidValue {
		t.Errorf("expected INVALID_VALUE, got %v", err)
	}
}

func TestPrepareRows(t *testing.T) {
	s := offersSchema()
	rows := []types.Row{
		{"1", "old", nil},
		{nil, "orphan", nil},
		{"2", "two", nil},
		{"1", "new", nil},
	}
	kept, skipped := PrepareRows(s, rows)
	want := []types.Row{{"1", "new", nil}, {"2", "two", nil}}
	if diff := cmp.Diff(want, kept); diff != "" {
		t.Errorf("kept rows mismatch (-want +got):\n%s", diff)
	}
	if skipped != 2 {
		t.Errorf("expected 2 skipped rows, got %d", skipped)
	}
}

func TestIsUnique(t *testing.T) {
	got := IsUnique(dialect.Postgres{}, "offers", "order")
	want := `SELECT COUNT(DISTINCT "order") = COUNT(*) AS is_unique FROM offers`
	if got != want {
		t.Errorf("IsUnique mismatch:\ngot:  %s\nwant: %s", got, want)
	}
}
