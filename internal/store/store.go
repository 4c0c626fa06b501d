// Package store opens target databases and runs all-or-nothing transactions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"

	"github.com/feedsync/feedsync/internal/dialect"
	"github.com/feedsync/feedsync/internal/sqlgen"
)

// Querier is the subset of *sql.DB and *sql.Tx used by catalog reads and
// statement execution, so the same code runs inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Beginner starts transactions. *sql.DB implements it.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Open opens the target database for a dialect.
// SQLite gets WAL journaling, a busy timeout and a single connection so that
// an in-memory database is shared by every caller.
func Open(d dialect.Dialect, dsn string) (*sql.DB, error) {
	if d.Name() == "sqlite" {
		dsn = withSQLiteOptions(dsn)
	}

	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open %s database: %w", d.Name(), err)
	}

	if d.Name() == "sqlite" {
		db.SetMaxOpenConns(1) // Single writer
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}
	return db, nil
}

// OpenContext opens the database and verifies connectivity.
func OpenContext(ctx context.Context, d dialect.Dialect, dsn string) (*sql.DB, error) {
	db, err := Open(d, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errs.Combine(fmt.Errorf("store: failed to connect to %s database: %w", d.Name(), err), db.Close())
	}
	return db, nil
}

func withSQLiteOptions(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	opts := []string{}
	if !strings.Contains(dsn, "_journal_mode") {
		opts = append(opts, "_journal_mode=WAL")
	}
	if !strings.Contains(dsn, "_busy_timeout") {
		opts = append(opts, "_busy_timeout=5000")
	}
	if len(opts) == 0 {
		return dsn
	}
	return dsn + sep + strings.Join(opts, "&")
}

// WithTx runs fn inside one transaction. The transaction commits when fn
// returns nil and rolls back otherwise; a rollback failure is combined with
// the original error.
func WithTx(ctx context.Context, db Beginner, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err == nil {
			if cerr := tx.Commit(); cerr != nil {
				err = fmt.Errorf("store: commit: %w", cerr)
			}
			return
		}
		if rerr := tx.Rollback(); rerr != nil {
			err = errs.Combine(err, fmt.Errorf("store: rollback: %w", rerr))
		}
	}()

	return fn(ctx, tx)
}

// Exec runs statements in order on q, stopping at the first failure.
func Exec(ctx context.Context, q Querier, stmts ...sqlgen.Statement) error {
	for i, st := range stmts {
		if _, err := q.ExecContext(ctx, st.SQL, st.Args...); err != nil {
			return fmt.Errorf("statement %d of %d: %w", i+1, len(stmts), err)
		}
	}
	return nil
}
