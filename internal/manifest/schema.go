// Package manifest records what feedsync has applied: a version history of
// each table's schema and a log of every table pass.
package manifest

// The manifest is a SQLite database (manifest.db) in the data directory,
// separate from the target database.

// CreateSchemaVersionsTableSQL creates the per-table schema history.
// A new version is written whenever a committed pass applies a schema that
// differs from the table's latest version.
const CreateSchemaVersionsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_versions (
    table_name TEXT NOT NULL,
    version INTEGER NOT NULL,
    schema_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (table_name, version)
)`

// CreateSyncRunsTableSQL creates the run log. One row per table pass.
const CreateSyncRunsTableSQL = `
CREATE TABLE IF NOT EXISTS sync_runs (
    run_id TEXT PRIMARY KEY,
    batch_id TEXT NOT NULL,
    table_name TEXT NOT NULL,
    mode TEXT NOT NULL,
    state TEXT NOT NULL,
    rows INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    added_columns TEXT,
    error_code TEXT,
    error TEXT,
    fingerprint TEXT,
    archive_path TEXT,
    schema_version INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
)`

// CreateSyncRunsIndexesSQL creates indexes for the run listing queries.
var CreateSyncRunsIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_sync_runs_table ON sync_runs(table_name, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_runs_batch ON sync_runs(batch_id)`,
	// Retention pruning
	`CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at)`,
}

// AllSchemaSQL returns all SQL statements needed to initialize the manifest.
func AllSchemaSQL() []string {
	statements := []string{
		CreateSchemaVersionsTableSQL,
		CreateSyncRunsTableSQL,
	}
	return append(statements, CreateSyncRunsIndexesSQL...)
}
