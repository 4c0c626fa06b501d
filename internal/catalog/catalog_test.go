package catalog

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/feedsync/feedsync/internal/dialect"
	"github.com/feedsync/feedsync/internal/store"
	"github.com/feedsync/feedsync/pkg/types"
)

func newTestDB(t *testing.T, d dialect.Dialect, dsn string) *sql.DB {
	t.Helper()
	db, err := store.Open(d, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteReader(t *testing.T) {
	db := newTestDB(t, dialect.SQLite{}, ":memory:")
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `CREATE TABLE offers (id TEXT PRIMARY KEY, Name TEXT, param JSON)`); err != nil {
		t.Fatalf("create offers: %v", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE categories (data TEXT, id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create categories: %v", err)
	}

	r, err := NewReader(dialect.SQLite{})
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}

	s, ok, err := r.CurrentSchema(ctx, db, "offers")
	if err != nil || !ok {
		t.Fatalf("CurrentSchema failed: ok=%v err=%v", ok, err)
	}
	want := types.Schema{Table: "offers", Columns: []types.Column{
		{Name: "id", Kind: types.Text, PrimaryKey: true},
		{Name: "name", Kind: types.Text},
		{Name: "param", Kind: types.StructuredBlob},
	}}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("schema mismatch (-want +got):\n%s", diff)
	}

	_, ok, err = r.CurrentSchema(ctx, db, "missing")
	if err != nil {
		t.Fatalf("CurrentSchema on missing table failed: %v", err)
	}
	if ok {
		t.Error("expected missing table to be absent")
	}

	all, err := r.Snapshot(ctx, db)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(all) != 2 || all[0].Table != "categories" || all[1].Table != "offers" {
		t.Errorf("unexpected snapshot: %+v", all)
	}
}

func TestSQLiteReaderInsideTransaction(t *testing.T) {
	db := newTestDB(t, dialect.SQLite{}, ":memory:")
	ctx := context.Background()
	r := &SQLiteReader{dialect: dialect.SQLite{}}

	err := store.WithTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TABLE currencies (id TEXT PRIMARY KEY, rate TEXT)`); err != nil {
			return err
		}
		s, ok, err := r.CurrentSchema(ctx, tx, "currencies")
		if err != nil {
			return err
		}
		if !ok || len(s.Columns) != 2 {
			t.Errorf("expected table visible inside its transaction, got %+v", s)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}
}

// TestPostgresReader runs against a live server when FEEDSYNC_TEST_POSTGRES_DSN is set.
func TestPostgresReader(t *testing.T) {
	dsn := os.Getenv("FEEDSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FEEDSYNC_TEST_POSTGRES_DSN not set")
	}

	db := newTestDB(t, dialect.Postgres{}, dsn)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS feedsync_catalog_offers`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE feedsync_catalog_offers (id varchar PRIMARY KEY, name varchar, param jsonb)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { db.ExecContext(context.Background(), `DROP TABLE IF EXISTS feedsync_catalog_offers`) })

	r, err := NewReader(dialect.Postgres{})
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	s, ok, err := r.CurrentSchema(ctx, db, "feedsync_catalog_offers")
	if err != nil || !ok {
		t.Fatalf("CurrentSchema failed: ok=%v err=%v", ok, err)
	}
	want := types.Schema{Table: "feedsync_catalog_offers", Columns: []types.Column{
		{Name: "id", Kind: types.Text, PrimaryKey: true},
		{Name: "name", Kind: types.Text},
		{Name: "param", Kind: types.StructuredBlob},
	}}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("schema mismatch (-want +got):\n%s", diff)
	}
}
