package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/feedsync/feedsync/internal/catalog"
	"github.com/feedsync/feedsync/internal/dialect"
	"github.com/feedsync/feedsync/internal/document"
	fserrors "github.com/feedsync/feedsync/internal/errors"
	"github.com/feedsync/feedsync/internal/schema"
	"github.com/feedsync/feedsync/internal/store"
	"github.com/feedsync/feedsync/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, *sql.DB) {
	t.Helper()
	d := dialect.SQLite{}
	db, err := store.Open(d, ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reader, err := catalog.NewReader(d)
	if err != nil {
		t.Fatalf("failed to create catalog reader: %v", err)
	}
	return New(db, d, reader, nil), db
}

func feed(t *testing.T, groups string) *document.Document {
	t.Helper()
	doc, err := document.ParseBytes([]byte("<yml_catalog><shop>"+groups+"</shop></yml_catalog>"), document.DefaultRoot)
	if err != nil {
		t.Fatalf("failed to parse feed: %v", err)
	}
	return doc
}

func offers(items ...string) string {
	return "<offers>" + strings.Join(items, "") + "</offers>"
}

func offer(id, name string, extra ...string) string {
	return fmt.Sprintf(`<offer id="%s"><name>%s</name>%s</offer>`, id, name, strings.Join(extra, ""))
}

func mustExec(t *testing.T, db *sql.DB, query string) {
	t.Helper()
	if _, err := db.Exec(query); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// dump returns "id=name" pairs ordered by id.
func dump(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query(fmt.Sprintf(`SELECT id, COALESCE(name, '') FROM %s ORDER BY id`, table))
	if err != nil {
		t.Fatalf("dump %s: %v", table, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		out = append(out, id+"="+name)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	return out
}

func columns(t *testing.T, e *Engine, table string) []string {
	t.Helper()
	cols, err := e.ColumnsOf(context.Background(), table)
	if err != nil {
		t.Fatalf("ColumnsOf(%s) failed: %v", table, err)
	}
	return cols
}

func TestUpdateCreatesMissingTable(t *testing.T) {
	e, db := newTestEngine(t)
	e.SetDocument(feed(t, offers(offer("1", "Drill"), offer("2", "Saw"))))

	out, err := e.Update(context.Background(), "offers")
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if out.State != StateCommitted || !out.Created || out.Rows != 2 {
		t.Errorf("unexpected outcome: state=%s created=%v rows=%d", out.State, out.Created, out.Rows)
	}
	if diff := cmp.Diff([]string{"1=Drill", "2=Saw"}, dump(t, db, "offers")); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	if s, ok := e.Registry().Get("offers"); !ok || !s.Equal(out.Schema) {
		t.Errorf("expected registry to hold the applied schema, got %+v", s)
	}
}

func TestStrictRejectsAdditiveDrift(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()
	e.SetDocument(feed(t, offers(offer("1", "Drill"))))
	if _, err := e.Update(ctx, "offers"); err != nil {
		t.Fatalf("initial Update failed: %v", err)
	}
	before := e.Registry().Tables()

	e.SetDocument(feed(t, offers(offer("1", "Drill v2", "<price>10</price>"))))
	out, err := e.Update(ctx, "offers")
	if !errors.Is(err, fserrors.New(fserrors.ErrCategoryDrift, fserrors.CodeStrictDrift, "")) {
		t.Fatalf("expected STRICT_DRIFT, got %v", err)
	}
	if out.State != StateRejected || out.Drift.Kind.String() != "additive" {
		t.Errorf("unexpected outcome: state=%s drift=%s", out.State, out.Drift.Kind)
	}
	if diff := cmp.Diff([]string{"1=Drill"}, dump(t, db, "offers")); diff != "" {
		t.Errorf("strict rejection must not touch data (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"id", "name"}, columns(t, e, "offers")); diff != "" {
		t.Errorf("strict rejection must not alter the table (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(before, e.Registry().Tables()); diff != "" {
		t.Errorf("registry tables changed (-want +got):\n%s", diff)
	}
}

func TestPermissiveAppliesAdditiveDrift(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()
	e.SetDocument(feed(t, offers(offer("1", "Drill"))))
	if _, err := e.Update(ctx, "offers"); err != nil {
		t.Fatalf("initial Update failed: %v", err)
	}

	e.SetDocument(feed(t, offers(offer("1", "Drill", "<price>10</price>"))))
	delta, ok, err := e.AlterDeltaFor(ctx, "offers")
	if err != nil || !ok {
		t.Fatalf("AlterDeltaFor failed: ok=%v err=%v", ok, err)
	}
	if delta != "ALTER TABLE offers ADD COLUMN price TEXT;" {
		t.Errorf("unexpected ALTER: %s", delta)
	}

	out, err := e.UpdateWithChange(ctx, "offers")
	if err != nil {
		t.Fatalf("UpdateWithChange failed: %v", err)
	}
	if out.State != StateCommitted {
		t.Errorf("expected committed, got %s", out.State)
	}
	if diff := cmp.Diff([]string{"price"}, out.Added); diff != "" {
		t.Errorf("added columns mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"id", "name", "price"}, columns(t, e, "offers")); diff != "" {
		t.Errorf("columns mismatch (-want +got):\n%s", diff)
	}

	var price string
	if err := db.QueryRow(`SELECT price FROM offers WHERE id = '1'`).Scan(&price); err != nil {
		t.Fatalf("select price: %v", err)
	}
	if price != "10" {
		t.Errorf("expected price 10, got %q", price)
	}

	// The strict pass now sees no drift.
	if _, ok, err := e.AlterDeltaFor(ctx, "offers"); err != nil || ok {
		t.Errorf("expected no remaining delta, ok=%v err=%v", ok, err)
	}
	if _, err := e.Update(ctx, "offers"); err != nil {
		t.Errorf("strict Update after permissive pass failed: %v", err)
	}
}

func TestUnsafeDriftRejectedInBothModes(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()
	mustExec(t, db, `CREATE TABLE offers (id TEXT PRIMARY KEY, name TEXT, rate TEXT)`)
	mustExec(t, db, `INSERT INTO offers VALUES ('1', 'Drill', '5')`)

	e.SetDocument(feed(t, offers(offer("1", "Changed"), offer("2", "New"))))

	for _, run := range []func(context.Context, string) (*Outcome, error){e.Update, e.UpdateWithChange} {
		out, err := run(ctx, "offers")
		if fserrors.GetCode(err) != fserrors.CodeUnsafeDrift {
			t.Fatalf("expected UNSAFE_DRIFT, got %v", err)
		}
		if out.State != StateRejected {
			t.Errorf("expected rejected, got %s", out.State)
		}
		if diff := cmp.Diff([]string{"rate"}, schema.Names(out.Drift.Removed)); diff != "" {
			t.Errorf("removed columns mismatch (-want +got):\n%s", diff)
		}
	}

	if diff := cmp.Diff([]string{"1=Drill"}, dump(t, db, "offers")); diff != "" {
		t.Errorf("unsafe drift must not touch data (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"id", "name", "rate"}, columns(t, e, "offers")); diff != "" {
		t.Errorf("unsafe drift must not alter the table (-want +got):\n%s", diff)
	}
	if _, _, err := e.AlterDeltaFor(ctx, "offers"); fserrors.GetCode(err) != fserrors.CodeUnsafeDrift {
		t.Errorf("expected AlterDeltaFor to report unsafe drift, got %v", err)
	}
}

func TestUnsafeDriftWithAddedColumns(t *testing.T) {
	e, db := newTestEngine(t)
	mustExec(t, db, `CREATE TABLE offers (id TEXT PRIMARY KEY, name TEXT, rate TEXT)`)
	e.SetDocument(feed(t, offers(offer("1", "Drill", "<vendor>Acme</vendor>"))))

	_, err := e.UpdateWithChange(context.Background(), "offers")
	if fserrors.GetCode(err) != fserrors.CodeUnsafeDrift {
		t.Fatalf("expected UNSAFE_DRIFT, got %v", err)
	}
	if diff := cmp.Diff([]string{"id", "name", "rate"}, columns(t, e, "offers")); diff != "" {
		t.Errorf("no ALTER may run on unsafe drift (-want +got):\n%s", diff)
	}
}

func TestFullReplaceIsIdempotent(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()
	e.SetDocument(feed(t, offers(offer("1", "Drill"), offer("2", "Saw"))))

	if _, err := e.Update(ctx, "offers"); err != nil {
		t.Fatalf("first Update failed: %v", err)
	}
	first := dump(t, db, "offers")
	if _, err := e.Update(ctx, "offers"); err != nil {
		t.Fatalf("second Update failed: %v", err)
	}
	if diff := cmp.Diff(first, dump(t, db, "offers")); diff != "" {
		t.Errorf("second pass changed rows (-first +second):\n%s", diff)
	}
}

func TestDeletionSemantics(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()
	e.SetDocument(feed(t, offers(offer("1", "one"), offer("2", "two"), offer("3", "three"))))
	if _, err := e.Update(ctx, "offers"); err != nil {
		t.Fatalf("first Update failed: %v", err)
	}

	e.SetDocument(feed(t, offers(offer("2", "two v2"), offer("3", "three"), offer("4", "four"))))
	out, err := e.Update(ctx, "offers")
	if err != nil {
		t.Fatalf("second Update failed: %v", err)
	}
	if out.Rows != 3 {
		t.Errorf("expected 3 staged rows, got %d", out.Rows)
	}
	want := []string{"2=two v2", "3=three", "4=four"}
	if diff := cmp.Diff(want, dump(t, db, "offers")); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptySourceEmptiesTable(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()
	e.SetDocument(feed(t, offers(offer("1", "Drill"))))
	if _, err := e.Update(ctx, "offers"); err != nil {
		t.Fatalf("first Update failed: %v", err)
	}

	empty := document.New()
	empty.AddGroup("offers")
	e.SetDocument(empty)

	out, err := e.Update(ctx, "offers")
	if err != nil {
		t.Fatalf("Update on empty source failed: %v", err)
	}
	if out.State != StateCommitted || out.Rows != 0 {
		t.Errorf("unexpected outcome: state=%s rows=%d", out.State, out.Rows)
	}
	if rows := dump(t, db, "offers"); len(rows) != 0 {
		t.Errorf("expected empty table, got %v", rows)
	}

	// Permissive mode follows the same policy.
	if _, err := e.UpdateWithChange(ctx, "offers"); err != nil {
		t.Errorf("UpdateWithChange on empty source failed: %v", err)
	}
}

func TestParamBlobStored(t *testing.T) {
	e, db := newTestEngine(t)
	e.SetDocument(feed(t, offers(offer("1", "Shirt", `<param name="color">red</param>`, `<param name="size">L</param>`), offer("2", "Plain"))))

	if _, err := e.Update(context.Background(), "offers"); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	var blob string
	if err := db.QueryRow(`SELECT param FROM offers WHERE id = '1'`).Scan(&blob); err != nil {
		t.Fatalf("select param: %v", err)
	}
	if blob != `{"color":"red","size":"L"}` {
		t.Errorf("unexpected param blob %s", blob)
	}

	var null sql.NullString
	if err := db.QueryRow(`SELECT param FROM offers WHERE id = '2'`).Scan(&null); err != nil {
		t.Fatalf("select param: %v", err)
	}
	if null.Valid {
		t.Errorf("expected NULL param for record without params, got %q", null.String)
	}

	if _, err := e.ColumnsOf(context.Background(), "offers"); err != nil {
		t.Fatalf("ColumnsOf failed: %v", err)
	}
	s, _ := e.Registry().Get("offers")
	if c, ok := s.Column("param"); !ok || c.Kind != types.StructuredBlob {
		t.Errorf("expected live param column to read back as a blob, got %+v", s.Columns)
	}
}

func TestExecutionFailureRollsBack(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()
	e.SetDocument(feed(t, offers(offer("1", "one"), offer("2", "two"))))
	if _, err := e.Update(ctx, "offers"); err != nil {
		t.Fatalf("first Update failed: %v", err)
	}
	mustExec(t, db, `CREATE TRIGGER offers_fail BEFORE INSERT ON offers WHEN NEW.id = 'boom'
		BEGIN SELECT RAISE(ABORT, 'injected failure'); END`)

	beforeRows := dump(t, db, "offers")
	beforeSchema, _ := e.Registry().Get("offers")

	// Row 1 would be deleted and row 2 updated before the insert of boom fails.
	e.SetDocument(feed(t, offers(offer("2", "changed"), offer("boom", "x"))))
	out, err := e.Update(ctx, "offers")
	if fserrors.GetCode(err) != fserrors.CodeExecutionFailed {
		t.Fatalf("expected EXECUTION_FAILED, got %v", err)
	}
	if !fserrors.IsRetryable(err) {
		t.Error("execution failures should be retryable")
	}
	if out.State != StateRolledBack {
		t.Errorf("expected rolled back, got %s", out.State)
	}
	if diff := cmp.Diff(beforeRows, dump(t, db, "offers")); diff != "" {
		t.Errorf("rollback must restore rows (-before +after):\n%s", diff)
	}
	afterSchema, ok := e.Registry().Get("offers")
	if !ok || !afterSchema.Equal(beforeSchema) {
		t.Errorf("registry changed: before %+v after %+v", beforeSchema, afterSchema)
	}
}

func TestPermissiveAlterFailureRollsBack(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()
	e.SetDocument(feed(t, offers(offer("1", "Drill"))))
	if _, err := e.Update(ctx, "offers"); err != nil {
		t.Fatalf("first Update failed: %v", err)
	}
	// The ALTER commits in its own transaction before the replace fails.
	mustExec(t, db, `CREATE TRIGGER offers_fail BEFORE UPDATE ON offers
		BEGIN SELECT RAISE(ABORT, 'injected failure'); END`)

	e.SetDocument(feed(t, offers(offer("1", "Drill", "<price>10</price>"))))
	out, err := e.UpdateWithChange(ctx, "offers")
	if fserrors.GetCode(err) != fserrors.CodeExecutionFailed {
		t.Fatalf("expected EXECUTION_FAILED, got %v", err)
	}
	if out.State != StateRolledBack {
		t.Errorf("expected rolled back, got %s", out.State)
	}
	// The added column survives; its values stay empty until the next pass.
	if diff := cmp.Diff([]string{"id", "name", "price"}, columns(t, e, "offers")); diff != "" {
		t.Errorf("columns mismatch (-want +got):\n%s", diff)
	}
	var price sql.NullString
	if err := db.QueryRow(`SELECT price FROM offers WHERE id = '1'`).Scan(&price); err != nil {
		t.Fatalf("select price: %v", err)
	}
	if price.Valid {
		t.Errorf("expected NULL price after failed replace, got %q", price.String)
	}
}

func TestSkipsRecordsWithoutID(t *testing.T) {
	e, db := newTestEngine(t)
	e.SetDocument(feed(t, offers(offer("1", "first"), `<offer><name>orphan</name></offer>`, offer("1", "second"))))

	out, err := e.Update(context.Background(), "offers")
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if out.Rows != 1 || out.Skipped != 2 {
		t.Errorf("expected 1 row and 2 skipped, got %d and %d", out.Rows, out.Skipped)
	}
	if diff := cmp.Diff([]string{"1=second"}, dump(t, db, "offers")); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateAllPolicies(t *testing.T) {
	ctx := context.Background()
	groups := `<categories><category id="1">Tools</category></categories>` + offers(offer("1", "Drill"))

	setup := func(t *testing.T) (*Engine, *sql.DB) {
		e, db := newTestEngine(t)
		// categories has a column the feed no longer supplies.
		mustExec(t, db, `CREATE TABLE categories (id TEXT PRIMARY KEY, data TEXT, parentid TEXT)`)
		e.SetDocument(feed(t, groups))
		return e, db
	}

	t.Run("continue", func(t *testing.T) {
		e, db := setup(t)
		res, err := e.UpdateAll(ctx, Permissive, ContinueOnError)
		if fserrors.GetCode(err) != fserrors.CodeUnsafeDrift {
			t.Fatalf("expected aggregated UNSAFE_DRIFT, got %v", err)
		}
		if len(res.Outcomes) != 2 {
			t.Fatalf("expected 2 outcomes, got %d", len(res.Outcomes))
		}
		if res.Outcomes[0].Table != "categories" || res.Outcomes[0].State != StateRejected {
			t.Errorf("unexpected first outcome: %s %s", res.Outcomes[0].Table, res.Outcomes[0].State)
		}
		if res.Outcomes[1].State != StateCommitted {
			t.Errorf("expected offers to commit, got %s", res.Outcomes[1].State)
		}
		if len(res.Failed()) != 1 || res.Rows() != 1 {
			t.Errorf("expected 1 failure and 1 row, got %d and %d", len(res.Failed()), res.Rows())
		}
		if diff := cmp.Diff([]string{"1=Drill"}, dump(t, db, "offers")); diff != "" {
			t.Errorf("rows mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("stop", func(t *testing.T) {
		e, _ := setup(t)
		res, err := e.UpdateAll(ctx, Permissive, StopOnError)
		if err == nil {
			t.Fatal("expected error")
		}
		if len(res.Outcomes) != 1 {
			t.Errorf("expected batch to stop after first failure, got %d outcomes", len(res.Outcomes))
		}
		if _, err := e.ColumnsOf(ctx, "offers"); fserrors.GetCode(err) != fserrors.CodeUnknownTable {
			t.Errorf("expected offers to be untouched, got %v", err)
		}
	})
}

func TestInspectionOperations(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	e.SetDocument(feed(t, `<currencies><currency id="RUR" rate="1"/><currency id="USD" rate="1"/></currencies>`+
		offers(offer("1", "Drill", `<param name="color">red</param>`))))

	if diff := cmp.Diff([]string{"currencies", "offers"}, e.Tables()); diff != "" {
		t.Errorf("tables mismatch (-want +got):\n%s", diff)
	}

	ddl, err := e.DDLFor("offers")
	if err != nil {
		t.Fatalf("DDLFor failed: %v", err)
	}
	if ddl != "CREATE TABLE offers (\n  id TEXT PRIMARY KEY,\n  name TEXT,\n  param JSON\n);" {
		t.Errorf("unexpected DDL:\n%s", ddl)
	}
	if _, err := e.DDLFor("missing"); fserrors.GetCode(err) != fserrors.CodeUnknownTable {
		t.Errorf("expected UNKNOWN_TABLE for missing group, got %v", err)
	}

	preview, err := e.ReplaceSQL(ctx, "offers")
	if err != nil {
		t.Fatalf("ReplaceSQL failed: %v", err)
	}
	if !strings.HasPrefix(preview, "CREATE TABLE offers") || !strings.Contains(preview, "ON CONFLICT (id) DO UPDATE SET") {
		t.Errorf("unexpected preview:\n%s", preview)
	}

	if _, err := e.ColumnsOf(ctx, "offers"); fserrors.GetCode(err) != fserrors.CodeUnknownTable {
		t.Errorf("expected UNKNOWN_TABLE before first sync, got %v", err)
	}
	if _, ok, err := e.AlterDeltaFor(ctx, "offers"); err != nil || ok {
		t.Errorf("expected no delta for a missing table, ok=%v err=%v", ok, err)
	}

	if _, err := e.UpdateAll(ctx, Strict, StopOnError); err != nil {
		t.Fatalf("UpdateAll failed: %v", err)
	}
	if diff := cmp.Diff([]string{"id", "rate"}, columns(t, e, "currencies")); diff != "" {
		t.Errorf("columns mismatch (-want +got):\n%s", diff)
	}

	unique, err := e.IsColumnUnique(ctx, "currencies", "id")
	if err != nil || !unique {
		t.Errorf("expected id to be unique, got %v (err=%v)", unique, err)
	}
	unique, err = e.IsColumnUnique(ctx, "currencies", "RATE")
	if err != nil || unique {
		t.Errorf("expected rate to repeat, got %v (err=%v)", unique, err)
	}
	if _, err := e.IsColumnUnique(ctx, "currencies", "rate; DROP TABLE offers"); fserrors.GetCode(err) != fserrors.CodeInvalidIdentifier {
		t.Errorf("expected INVALID_IDENTIFIER, got %v", err)
	}
}

func TestInvalidIdentifierRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	e.SetDocument(feed(t, offers(`<offer id="1"><sales-notes>x</sales-notes></offer>`)))

	out, err := e.Update(context.Background(), "offers")
	if fserrors.GetCode(err) != fserrors.CodeInvalidIdentifier {
		t.Fatalf("expected INVALID_IDENTIFIER, got %v", err)
	}
	if out.State != StateRejected {
		t.Errorf("expected rejected, got %s", out.State)
	}
}

func TestUpdateLargeGroup(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	extra := make([]string, 20)
	for i := range extra {
		extra[i] = fmt.Sprintf("<attr%d>v%d</attr%d>", i, i, i)
	}
	items := make([]string, 6000)
	for i := range items {
		items[i] = offer(fmt.Sprintf("%05d", i), "item", extra...)
	}
	e.SetDocument(feed(t, offers(items...)))

	out, err := e.Update(ctx, "offers")
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if out.Rows != len(items) {
		t.Errorf("expected %d rows, got %d", len(items), out.Rows)
	}

	// Shrink the group: everything past the first 10 rows is deleted.
	e.SetDocument(feed(t, offers(items[:10]...)))
	if _, err := e.Update(ctx, "offers"); err != nil {
		t.Fatalf("second Update failed: %v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM offers`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 10 {
		t.Errorf("expected 10 rows after shrinking, got %d", n)
	}
}

// finishes fails the test when fn does not return within a few seconds.
func finishes(t *testing.T, name string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("%s did not return", name)
	}
}

func TestPassesReturn(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	e.SetDocument(feed(t, offers(offer("1", "Drill"))))

	finishes(t, "Update", func() { e.Update(ctx, "offers") })
	finishes(t, "UpdateWithChange", func() { e.UpdateWithChange(ctx, "offers") })
	finishes(t, "UpdateAll", func() { e.UpdateAll(ctx, Strict, ContinueOnError) })
}

func TestConcurrentUpdateAllAndSetDocument(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	small := feed(t, offers(offer("1", "a"), offer("2", "b")))
	large := feed(t, offers(offer("1", "a"), offer("2", "b"), offer("3", "c")))
	e.SetDocument(small)

	finishes(t, "concurrent passes", func() {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			doc, want := small, 2
			if i%2 == 1 {
				doc, want = large, 3
			}
			wg.Add(2)
			go func() {
				defer wg.Done()
				for j := 0; j < 5; j++ {
					e.SetDocument(large)
					e.SetDocument(small)
				}
			}()
			go func() {
				defer wg.Done()
				res, err := e.ApplyDocument(ctx, doc, Strict, ContinueOnError)
				if err != nil {
					t.Errorf("ApplyDocument failed: %v", err)
					return
				}
				if res.Rows() != want {
					t.Errorf("batch applied %d rows, want %d from its own document", res.Rows(), want)
				}
			}()
		}
		wg.Wait()
	})

	// A plain UpdateAll uses whatever document is current; either is a
	// complete row set.
	if _, err := e.UpdateAll(ctx, Strict, ContinueOnError); err != nil {
		t.Fatalf("UpdateAll failed: %v", err)
	}
	got := dump(t, db, "offers")
	if !cmp.Equal(got, []string{"1=a", "2=b"}) && !cmp.Equal(got, []string{"1=a", "2=b", "3=c"}) {
		t.Errorf("table holds a mix of documents: %v", got)
	}
}
