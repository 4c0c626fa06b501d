package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/errs"

	"github.com/feedsync/feedsync/internal/schema"
	"github.com/feedsync/feedsync/pkg/types"
)

// SchemaVersionManager tracks the applied schema history of each table.
type SchemaVersionManager struct {
	catalog *Catalog
}

// NewSchemaVersionManager creates a schema version manager on the catalog's database.
func NewSchemaVersionManager(catalog *Catalog) *SchemaVersionManager {
	return &SchemaVersionManager{catalog: catalog}
}

// SchemaVersionRecord is a stored schema version.
type SchemaVersionRecord struct {
	Table     string       `json:"table"`
	Version   int          `json:"version"`
	Schema    types.Schema `json:"schema"`
	CreatedAt time.Time    `json:"created_at"`
}

// GetCurrentVersion returns the latest version number of a table.
// Returns 0 if the table has no registered schema.
func (m *SchemaVersionManager) GetCurrentVersion(ctx context.Context, table string) (int, error) {
	return currentVersion(ctx, m.catalog.readDB, table)
}

func currentVersion(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, table string) (int, error) {
	var version int
	err := q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_versions WHERE table_name = ?", table,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("schema_version: failed to get current version of %s: %w", table, err)
	}
	return version, nil
}

// GetSchemaVersion retrieves a specific schema version of a table.
func (m *SchemaVersionManager) GetSchemaVersion(ctx context.Context, table string, version int) (*SchemaVersionRecord, error) {
	return getVersion(ctx, m.catalog.readDB, table, version)
}

func getVersion(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, table string, version int) (*SchemaVersionRecord, error) {
	var schemaJSON string
	var createdAt int64
	err := q.QueryRowContext(ctx,
		"SELECT schema_json, created_at FROM schema_versions WHERE table_name = ? AND version = ?",
		table, version,
	).Scan(&schemaJSON, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schema_version: %s version %d not found", table, version)
		}
		return nil, fmt.Errorf("schema_version: failed to get %s version %d: %w", table, version, err)
	}

	var s types.Schema
	if err := json.Unmarshal([]byte(schemaJSON), &s); err != nil {
		return nil, fmt.Errorf("schema_version: failed to unmarshal %s version %d: %w", table, version, err)
	}
	return &SchemaVersionRecord{Table: table, Version: version, Schema: s, CreatedAt: time.UnixMilli(createdAt)}, nil
}

// RegisterSchema records s as the table's applied schema. If it equals the
// current version that version is returned; otherwise a new version is created.
func (m *SchemaVersionManager) RegisterSchema(ctx context.Context, s types.Schema) (version int, err error) {
	m.catalog.mu.Lock()
	defer m.catalog.mu.Unlock()

	tx, err := m.catalog.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("schema_version: failed to begin: %w", err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
			return
		}
		err = tx.Commit()
	}()

	current, err := currentVersion(ctx, tx, s.Table)
	if err != nil {
		return 0, err
	}
	if current > 0 {
		rec, err := getVersion(ctx, tx, s.Table, current)
		if err != nil {
			return 0, err
		}
		if rec.Schema.Equal(s) {
			return current, nil
		}
	}

	schemaJSON, err := json.Marshal(s)
	if err != nil {
		return 0, fmt.Errorf("schema_version: failed to marshal schema: %w", err)
	}
	next := current + 1
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_versions (table_name, version, schema_json, created_at) VALUES (?, ?, ?, ?)",
		s.Table, next, string(schemaJSON), time.Now().UnixMilli(),
	); err != nil {
		return 0, fmt.Errorf("schema_version: failed to insert %s version %d: %w", s.Table, next, err)
	}
	return next, nil
}

// ListVersions returns every version of a table in ascending order.
func (m *SchemaVersionManager) ListVersions(ctx context.Context, table string) (_ []SchemaVersionRecord, err error) {
	rows, err := m.catalog.readDB.QueryContext(ctx,
		"SELECT version, schema_json, created_at FROM schema_versions WHERE table_name = ? ORDER BY version ASC",
		table,
	)
	if err != nil {
		return nil, fmt.Errorf("schema_version: failed to list versions of %s: %w", table, err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var records []SchemaVersionRecord
	for rows.Next() {
		var version int
		var schemaJSON string
		var createdAt int64
		if err := rows.Scan(&version, &schemaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("schema_version: failed to scan version: %w", err)
		}

		var s types.Schema
		if err := json.Unmarshal([]byte(schemaJSON), &s); err != nil {
			return nil, fmt.Errorf("schema_version: failed to unmarshal schema: %w", err)
		}
		records = append(records, SchemaVersionRecord{
			Table: table, Version: version, Schema: s, CreatedAt: time.UnixMilli(createdAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema_version: error iterating versions: %w", err)
	}
	return records, nil
}

// GetColumnDiff classifies the change between two versions of a table.
func (m *SchemaVersionManager) GetColumnDiff(ctx context.Context, table string, oldVersion, newVersion int) (schema.Drift, error) {
	oldRec, err := m.GetSchemaVersion(ctx, table, oldVersion)
	if err != nil {
		return schema.Drift{}, err
	}
	newRec, err := m.GetSchemaVersion(ctx, table, newVersion)
	if err != nil {
		return schema.Drift{}, err
	}
	return schema.Diff(oldRec.Schema, newRec.Schema), nil
}
