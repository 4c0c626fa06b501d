package catalog

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"github.com/zeebo/errs"

	"github.com/feedsync/feedsync/internal/dialect"
	"github.com/feedsync/feedsync/internal/store"
	"github.com/feedsync/feedsync/pkg/types"
)

// PostgresReader reads information_schema and pg_constraint for the current schema.
type PostgresReader struct {
	dialect dialect.Dialect
}

const pgColumnsSQL = `
	SELECT c.table_name, c.column_name, c.data_type
	FROM information_schema.columns c
	JOIN information_schema.tables t
		ON t.table_schema = c.table_schema AND t.table_name = c.table_name
	WHERE c.table_schema = CURRENT_SCHEMA
		AND t.table_type = 'BASE TABLE'
		AND ($1::text = '' OR c.table_name::text = $1::text)
	ORDER BY c.table_name, c.column_name`

const pgPrimaryKeysSQL = `
	SELECT pg_class.relname,
		ARRAY_AGG(pg_attribute.attname ORDER BY u.attposition)
	FROM pg_constraint, UNNEST(pg_constraint.conkey) WITH ORDINALITY AS u(attnum, attposition),
		pg_class,
		pg_namespace,
		pg_attribute
	WHERE pg_namespace.nspname = CURRENT_SCHEMA
		AND pg_constraint.contype = 'p'
		AND pg_class.oid = pg_constraint.conrelid
		AND pg_namespace.oid = pg_class.relnamespace
		AND pg_attribute.attrelid = pg_class.oid
		AND pg_attribute.attnum = u.attnum
		AND ($1::text = '' OR pg_class.relname::text = $1::text)
	GROUP BY pg_constraint.conname, pg_class.relname`

// CurrentSchema reads one table.
func (r *PostgresReader) CurrentSchema(ctx context.Context, q store.Querier, table string) (types.Schema, bool, error) {
	schemas, err := r.query(ctx, q, table)
	if err != nil {
		return types.Schema{}, false, err
	}
	for _, s := range schemas {
		if s.Table == table {
			return s, true, nil
		}
	}
	return types.Schema{}, false, nil
}

// Snapshot reads every base table of the current schema.
func (r *PostgresReader) Snapshot(ctx context.Context, q store.Querier) ([]types.Schema, error) {
	return r.query(ctx, q, "")
}

func (r *PostgresReader) query(ctx context.Context, q store.Querier, table string) ([]types.Schema, error) {
	b := newTableBuilder(r.dialect.KindOf)

	err := func() (err error) {
		rows, err := q.QueryContext(ctx, pgColumnsSQL, table)
		if err != nil {
			return err
		}
		defer func() { err = errs.Combine(err, rows.Close()) }()

		for rows.Next() {
			var tableName, columnName, dataType string
			if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
				return err
			}
			b.addColumn(tableName, columnName, dataType)
		}
		return rows.Err()
	}()
	if err != nil {
		return nil, fmt.Errorf("catalog: read columns: %w", err)
	}

	err = func() (err error) {
		rows, err := q.QueryContext(ctx, pgPrimaryKeysSQL, table)
		if err != nil {
			return err
		}
		defer func() { err = errs.Combine(err, rows.Close()) }()

		for rows.Next() {
			var tableName string
			var columns pq.StringArray
			if err := rows.Scan(&tableName, &columns); err != nil {
				return err
			}
			b.addPrimaryKey(tableName, columns)
		}
		return rows.Err()
	}()
	if err != nil {
		return nil, fmt.Errorf("catalog: read primary keys: %w", err)
	}

	return b.schemas(), nil
}
