package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/zeebo/errs"

	"github.com/feedsync/feedsync/internal/dialect"
	"github.com/feedsync/feedsync/internal/store"
	"github.com/feedsync/feedsync/pkg/types"
)

// SQLiteReader reads sqlite_master and pragma_table_info.
type SQLiteReader struct {
	dialect dialect.Dialect
}

// CurrentSchema reads one table.
func (r *SQLiteReader) CurrentSchema(ctx context.Context, q store.Querier, table string) (types.Schema, bool, error) {
	var name string
	err := q.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Schema{}, false, nil
		}
		return types.Schema{}, false, fmt.Errorf("catalog: lookup table %s: %w", table, err)
	}

	s, err := r.tableSchema(ctx, q, name)
	if err != nil {
		return types.Schema{}, false, err
	}
	return s, true, nil
}

// Snapshot reads every user table.
func (r *SQLiteReader) Snapshot(ctx context.Context, q store.Querier) (_ []types.Schema, err error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list tables: %w", err)
	}

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errs.Combine(fmt.Errorf("catalog: list tables: %w", err), rows.Close())
		}
		names = append(names, n)
	}
	if err := errs.Combine(rows.Err(), rows.Close()); err != nil {
		return nil, fmt.Errorf("catalog: list tables: %w", err)
	}

	out := make([]types.Schema, 0, len(names))
	for _, n := range names {
		s, err := r.tableSchema(ctx, q, n)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *SQLiteReader) tableSchema(ctx context.Context, q store.Querier, table string) (_ types.Schema, err error) {
	b := newTableBuilder(r.dialect.KindOf)
	b.ensure(table)

	rows, err := q.QueryContext(ctx, `SELECT name, type, pk FROM pragma_table_info(?)`, table)
	if err != nil {
		return types.Schema{}, fmt.Errorf("catalog: read columns of %s: %w", table, err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var pk []string
	for rows.Next() {
		var name, nativeType string
		var pkPos int
		if err := rows.Scan(&name, &nativeType, &pkPos); err != nil {
			return types.Schema{}, fmt.Errorf("catalog: read columns of %s: %w", table, err)
		}
		b.addColumn(table, name, nativeType)
		if pkPos > 0 {
			pk = append(pk, name)
		}
	}
	if err := rows.Err(); err != nil {
		return types.Schema{}, fmt.Errorf("catalog: read columns of %s: %w", table, err)
	}
	b.addPrimaryKey(table, pk)

	return b.schemas()[0], nil
}
