package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"

	fserrors "github.com/feedsync/feedsync/internal/errors"
)

// ErrRunNotFound is returned by GetRun for unknown run IDs.
var ErrRunNotFound = errors.New("manifest: run not found")

// RunRecord is one table pass in the run log.
type RunRecord struct {
	RunID         string    `json:"run_id"`
	BatchID       string    `json:"batch_id"`
	Table         string    `json:"table"`
	Mode          string    `json:"mode"`
	State         string    `json:"state"`
	Rows          int       `json:"rows"`
	Skipped       int       `json:"skipped"`
	AddedColumns  []string  `json:"added_columns,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	Error         string    `json:"error,omitempty"`
	Fingerprint   string    `json:"fingerprint"`
	ArchivePath   string    `json:"archive_path,omitempty"`
	SchemaVersion int       `json:"schema_version"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Committed reports whether the pass committed.
func (r *RunRecord) Committed() bool {
	return r.State == "committed"
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Table   string
	BatchID string
	Limit   int
}

// NewRunID returns a time-ordered run identifier.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Catalog is the manifest store.
type Catalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool
	dbPath string
	mu     sync.Mutex // Write-only lock
}

// NewCatalog opens (creating if needed) the manifest database at dbPath.
func NewCatalog(dbPath string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	c := &Catalog{db: db, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: failed to initialize schema: %w", err)
	}

	// Opened after initSchema so the read-only pool sees an existing file.
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	c.readDB = readDB

	return c, nil
}

func (c *Catalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Path returns the manifest database path.
func (c *Catalog) Path() string {
	return c.dbPath
}

// RecordRun appends a pass to the run log. A run ID that is already recorded
// is a WRITE_CONFLICT.
func (c *Catalog) RecordRun(ctx context.Context, r *RunRecord) error {
	if r.RunID == "" {
		r.RunID = NewRunID()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sync_runs (
			run_id, batch_id, table_name, mode, state, rows, skipped,
			added_columns, error_code, error, fingerprint, archive_path,
			schema_version, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.BatchID, r.Table, r.Mode, r.State, r.Rows, r.Skipped,
		nullString(strings.Join(r.AddedColumns, ",")), nullString(r.ErrorCode), nullString(r.Error),
		nullString(r.Fingerprint), nullString(r.ArchivePath),
		r.SchemaVersion, r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fserrors.NewManifestError(fserrors.CodeWriteConflict,
				fmt.Sprintf("run %s already recorded", r.RunID), err)
		}
		return fmt.Errorf("manifest: failed to record run %s: %w", r.RunID, err)
	}
	return nil
}

const runColumns = `run_id, batch_id, table_name, mode, state, rows, skipped,
	added_columns, error_code, error, fingerprint, archive_path,
	schema_version, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*RunRecord, error) {
	var r RunRecord
	var added, code, msg, fp, archive sql.NullString
	var started, finished int64
	if err := s.Scan(&r.RunID, &r.BatchID, &r.Table, &r.Mode, &r.State, &r.Rows, &r.Skipped,
		&added, &code, &msg, &fp, &archive, &r.SchemaVersion, &started, &finished); err != nil {
		return nil, err
	}
	if added.String != "" {
		r.AddedColumns = strings.Split(added.String, ",")
	}
	r.ErrorCode, r.Error = code.String, msg.String
	r.Fingerprint, r.ArchivePath = fp.String, archive.String
	r.StartedAt, r.FinishedAt = time.UnixMilli(started), time.UnixMilli(finished)
	return &r, nil
}

// GetRun retrieves a single run by ID.
func (c *Catalog) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := c.readDB.QueryRowContext(ctx, "SELECT "+runColumns+" FROM sync_runs WHERE run_id = ?", runID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("manifest: failed to get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns runs newest first.
func (c *Catalog) ListRuns(ctx context.Context, f RunFilter) (_ []*RunRecord, err error) {
	var where []string
	var args []any
	if f.Table != "" {
		where = append(where, "table_name = ?")
		args = append(args, f.Table)
	}
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}

	query := "SELECT " + runColumns + " FROM sync_runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// run_id is a v7 UUID, so it breaks ties in start time by creation order.
	query += " ORDER BY started_at DESC, run_id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := c.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list runs: %w", err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []*RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("manifest: failed to scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("manifest: error iterating runs: %w", err)
	}
	return out, nil
}

// LatestRun returns the most recent run of a table, or nil when it has none.
func (c *Catalog) LatestRun(ctx context.Context, table string) (*RunRecord, error) {
	runs, err := c.ListRuns(ctx, RunFilter{Table: table, Limit: 1})
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// Fingerprints returns the set of feed fingerprints referenced by the run log.
func (c *Catalog) Fingerprints(ctx context.Context) (_ map[string]bool, err error) {
	rows, err := c.readDB.QueryContext(ctx, "SELECT DISTINCT fingerprint FROM sync_runs WHERE fingerprint IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list fingerprints: %w", err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	out := make(map[string]bool)
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("manifest: failed to scan fingerprint: %w", err)
		}
		out[fp] = true
	}
	return out, rows.Err()
}

// DeleteRunsBefore removes run log entries older than ttl and returns how
// many were removed. Schema versions are kept.
func (c *Catalog) DeleteRunsBefore(ctx context.Context, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-ttl).UnixMilli()
	res, err := c.db.ExecContext(ctx, "DELETE FROM sync_runs WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("manifest: failed to delete expired runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("manifest: failed to delete expired runs: %w", err)
	}
	if n > 0 {
		log.Printf("manifest: pruned %d runs older than %v", n, ttl)
	}
	return n, nil
}

// Close closes the manifest database connections.
func (c *Catalog) Close() error {
	// Read pool first, then the writer
	return errs.Combine(c.readDB.Close(), c.db.Close())
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
