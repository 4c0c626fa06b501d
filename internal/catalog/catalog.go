// Package catalog reads the live schema of target tables from the database catalog.
package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/feedsync/feedsync/internal/dialect"
	"github.com/feedsync/feedsync/internal/store"
	"github.com/feedsync/feedsync/pkg/types"
)

// Reader reads table schemas from the engine's catalog.
type Reader interface {
	// CurrentSchema returns the persisted schema of table, or ok=false when
	// the table does not exist.
	CurrentSchema(ctx context.Context, q store.Querier, table string) (s types.Schema, ok bool, err error)

	// Snapshot returns the schemas of all user tables.
	Snapshot(ctx context.Context, q store.Querier) ([]types.Schema, error)
}

// NewReader returns the catalog reader for a dialect.
func NewReader(d dialect.Dialect) (Reader, error) {
	switch d.Name() {
	case "postgres":
		return &PostgresReader{dialect: d}, nil
	case "sqlite":
		return &SQLiteReader{dialect: d}, nil
	default:
		return nil, fmt.Errorf("catalog: no reader for dialect %q", d.Name())
	}
}

// tableBuilder accumulates catalog rows into schemas in first-seen table order.
type tableBuilder struct {
	order  []string
	cols   map[string][]types.Column
	pks    map[string]map[string]bool
	kindOf func(string) types.TypeTag
}

func newTableBuilder(kindOf func(string) types.TypeTag) *tableBuilder {
	return &tableBuilder{
		cols:   make(map[string][]types.Column),
		pks:    make(map[string]map[string]bool),
		kindOf: kindOf,
	}
}

func (b *tableBuilder) ensure(table string) {
	if _, ok := b.cols[table]; !ok {
		b.order = append(b.order, table)
		b.cols[table] = nil
	}
}

func (b *tableBuilder) addColumn(table, name, nativeType string) {
	b.ensure(table)
	b.cols[table] = append(b.cols[table], types.Column{
		Name: strings.ToLower(name),
		Kind: b.kindOf(nativeType),
	})
}

func (b *tableBuilder) addPrimaryKey(table string, columns []string) {
	b.ensure(table)
	set := b.pks[table]
	if set == nil {
		set = make(map[string]bool)
		b.pks[table] = set
	}
	for _, c := range columns {
		set[strings.ToLower(c)] = true
	}
}

func (b *tableBuilder) schemas() []types.Schema {
	out := make([]types.Schema, 0, len(b.order))
	for _, t := range b.order {
		cols := b.cols[t]
		for i := range cols {
			cols[i].PrimaryKey = b.pks[t][cols[i].Name]
		}
		out = append(out, types.NewSchema(t, cols))
	}
	return out
}
