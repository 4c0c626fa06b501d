// Package engine implements the apply protocol: refresh the live schema,
// classify drift against the feed, then create, alter and replace table
// contents inside transactions.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/feedsync/feedsync/internal/catalog"
	"github.com/feedsync/feedsync/internal/dialect"
	"github.com/feedsync/feedsync/internal/document"
	fserrors "github.com/feedsync/feedsync/internal/errors"
	"github.com/feedsync/feedsync/internal/schema"
	"github.com/feedsync/feedsync/internal/sqlgen"
	"github.com/feedsync/feedsync/internal/store"
	"github.com/feedsync/feedsync/pkg/types"
)

// Engine synchronizes the tables of one database with a feed document.
// Passes are serialized. SetDocument may be called at any time; a pass
// already running keeps the document it started with.
type Engine struct {
	db       *sql.DB
	dialect  dialect.Dialect
	reader   catalog.Reader
	registry *schema.Registry

	pass sync.Mutex // held for the duration of a pass or batch

	mu   sync.Mutex // guards view
	view docView
}

// docView is the document a pass reads. It is replaced as a whole and never
// mutated, so a copy taken under mu stays consistent without the lock.
type docView struct {
	doc    *document.Document
	groups map[string]string // table -> group
}

func (f docView) records(table string) []document.Record {
	return f.doc.Records(f.groups[table])
}

func (f docView) tables() []string {
	return TableNames(f.doc)
}

func newDocView(doc *document.Document) docView {
	if doc == nil {
		doc = document.New()
	}
	groups := make(map[string]string)
	for _, g := range doc.Groups() {
		groups[tableName(g)] = g
	}
	return docView{doc: doc, groups: groups}
}

// TableNames returns the table names of doc's groups in document order.
func TableNames(doc *document.Document) []string {
	groups := doc.Groups()
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = tableName(g)
	}
	return out
}

// New creates an engine. doc may be nil until SetDocument is called.
func New(db *sql.DB, d dialect.Dialect, reader catalog.Reader, doc *document.Document) *Engine {
	e := &Engine{
		db:       db,
		dialect:  d,
		reader:   reader,
		registry: schema.NewRegistry(),
	}
	e.SetDocument(doc)
	return e
}

// SetDocument replaces the feed document used by subsequent passes.
func (e *Engine) SetDocument(doc *document.Document) {
	e.setView(newDocView(doc))
}

func (e *Engine) setView(v docView) {
	e.mu.Lock()
	e.view = v
	e.mu.Unlock()
}

func (e *Engine) current() docView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// Registry exposes the last applied schema per table.
func (e *Engine) Registry() *schema.Registry {
	return e.registry
}

// Dialect returns the target dialect.
func (e *Engine) Dialect() dialect.Dialect {
	return e.dialect
}

func tableName(group string) string {
	return strings.ToLower(group)
}

// Tables returns the table names of the document's groups in document order.
func (e *Engine) Tables() []string {
	return e.current().tables()
}

// InferSchema returns the schema the document implies for a table.
// Tables the document does not contain infer to an empty schema.
func (e *Engine) InferSchema(table string) types.Schema {
	return schema.Infer(table, e.current().records(table))
}

// refresh reads the live schema of a table and records it in the registry.
func (e *Engine) refresh(ctx context.Context, q store.Querier, table string) (types.Schema, bool, error) {
	current, ok, err := e.reader.CurrentSchema(ctx, q, table)
	if err != nil {
		return types.Schema{}, false, fserrors.Wrap(fserrors.ErrCategoryExecution, fserrors.CodeCatalogFailed,
			"read live schema of "+table, err)
	}
	if ok {
		e.registry.Put(current)
	} else {
		e.registry.Remove(table)
	}
	return current, ok, nil
}

// DDLFor renders the CREATE TABLE statement for the inferred schema.
func (e *Engine) DDLFor(table string) (string, error) {
	s := e.InferSchema(table)
	if s.IsEmpty() {
		return "", fserrors.NewValidationError(fserrors.CodeUnknownTable,
			fmt.Sprintf("table %s has no inferable columns", table))
	}
	if err := schema.ValidateSchema(s); err != nil {
		return "", err
	}
	return sqlgen.CreateTable(e.dialect, s), nil
}

// AlterDeltaFor renders the ALTER statement that would bring the live table
// up to the inferred schema. ok is false when there is nothing to add,
// including when the table does not exist yet. Unsafe drift is an error.
func (e *Engine) AlterDeltaFor(ctx context.Context, table string) (string, bool, error) {
	current, exists, err := e.refresh(ctx, e.db, table)
	if err != nil || !exists {
		return "", false, err
	}
	incoming := e.InferSchema(table)
	if incoming.IsEmpty() {
		return "", false, nil
	}

	d := schema.Diff(current, incoming)
	switch d.Kind {
	case schema.DriftUnsafe:
		return "", false, fserrors.NewUnsafeDriftError(table, schema.Names(d.Removed), schema.Names(d.Changed))
	case schema.DriftAdditive:
		if err := schema.ValidateSchema(incoming); err != nil {
			return "", false, err
		}
		return sqlgen.AlterAdd(e.dialect, table, d.Added), true, nil
	default:
		return "", false, nil
	}
}

// ColumnsOf returns the column names of the live table in sorted order.
func (e *Engine) ColumnsOf(ctx context.Context, table string) ([]string, error) {
	current, ok, err := e.refresh(ctx, e.db, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fserrors.NewValidationError(fserrors.CodeUnknownTable, "table "+table+" does not exist")
	}
	return current.ColumnNames(), nil
}

// IsColumnUnique reports whether a live column holds no repeated values.
func (e *Engine) IsColumnUnique(ctx context.Context, table, column string) (bool, error) {
	column = strings.ToLower(column)
	if !schema.ValidIdentifier(table) || !schema.ValidIdentifier(column) {
		return false, fserrors.NewValidationError(fserrors.CodeInvalidIdentifier,
			fmt.Sprintf("invalid identifier %s.%s", table, column))
	}

	current, ok, err := e.refresh(ctx, e.db, table)
	if err != nil {
		return false, err
	}
	if !ok || !current.Has(column) {
		return false, fserrors.NewValidationError(fserrors.CodeUnknownTable,
			fmt.Sprintf("column %s.%s does not exist", table, column))
	}

	var unique bool
	if err := e.db.QueryRowContext(ctx, sqlgen.IsUnique(e.dialect, table, column)).Scan(&unique); err != nil {
		return false, fserrors.NewExecutionError("check uniqueness of "+table+"."+column, err)
	}
	return unique, nil
}

// ReplaceSQL renders the statements a strict pass would run, without values.
// CREATE TABLE is included when the table does not exist.
func (e *Engine) ReplaceSQL(ctx context.Context, table string) (string, error) {
	_, exists, err := e.refresh(ctx, e.db, table)
	if err != nil {
		return "", err
	}
	f := e.current()
	stmts, _, _, err := e.plan(f, table, schema.Infer(table, f.records(table)), !exists)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(stmts))
	for i, st := range stmts {
		parts[i] = st.SQL
	}
	return strings.Join(parts, "\n"), nil
}

// plan builds the statements of a replace pass. Empty sources render a
// delete-all; create prepends CREATE TABLE.
func (e *Engine) plan(f docView, table string, incoming types.Schema, create bool) (stmts []sqlgen.Statement, rows, skipped int, err error) {
	if incoming.IsEmpty() {
		if create {
			return nil, 0, 0, nil
		}
		return []sqlgen.Statement{sqlgen.DeleteAll(e.dialect, table)}, 0, 0, nil
	}
	if err := schema.ValidateSchema(incoming); err != nil {
		return nil, 0, 0, err
	}

	all := schema.MaterializeAll(f.records(table), incoming)
	kept, skipped := sqlgen.PrepareRows(incoming, all)

	replace, err := sqlgen.Replace(e.dialect, incoming, kept)
	if err != nil {
		return nil, 0, 0, err
	}
	if create {
		stmts = append(stmts, sqlgen.Statement{SQL: sqlgen.CreateTable(e.dialect, incoming)})
	}
	return append(stmts, replace...), len(kept), skipped, nil
}

// Update runs a strict pass: any drift between the live table and the feed
// rejects the pass before anything is written. A missing table is created
// in the same transaction as its first replace.
func (e *Engine) Update(ctx context.Context, table string) (*Outcome, error) {
	e.pass.Lock()
	defer e.pass.Unlock()
	out := newOutcome(table, Strict)
	err := e.update(ctx, e.current(), out)
	return out, err
}

// UpdateWithChange runs a permissive pass: additive drift is applied with
// ALTER TABLE in its own transaction, then the strict pass runs. Unsafe
// drift is rejected like in strict mode.
func (e *Engine) UpdateWithChange(ctx context.Context, table string) (*Outcome, error) {
	e.pass.Lock()
	defer e.pass.Unlock()
	out := newOutcome(table, Permissive)
	err := e.updateWithChange(ctx, e.current(), out)
	return out, err
}

func newOutcome(table string, mode Mode) *Outcome {
	return &Outcome{Table: table, Mode: mode, State: StateIdle, Started: time.Now()}
}

func (e *Engine) fail(out *Outcome, state State, err error) error {
	out.Err = err
	out.transition(state)
	log.Printf("engine: %s pass on %s %s: %v", out.Mode, out.Table, state, err)
	return err
}

// finish maps a failed pass to its terminal state. Drift and validation
// failures are rejections; everything else happened inside a transaction
// that was rolled back.
func (e *Engine) finish(out *Outcome, err error) error {
	switch fserrors.GetCategory(err) {
	case fserrors.ErrCategoryDrift, fserrors.ErrCategoryValidation:
		return e.fail(out, StateRejected, err)
	case "":
		err = fserrors.NewExecutionError(out.Mode.String()+" pass on "+out.Table, err)
	}
	return e.fail(out, StateRolledBack, err)
}

func (e *Engine) updateWithChange(ctx context.Context, f docView, out *Outcome) error {
	table := out.Table
	incoming := schema.Infer(table, f.records(table))
	out.Schema = incoming

	var added []types.Column
	err := store.WithTx(ctx, e.db, func(ctx context.Context, tx *sql.Tx) error {
		current, exists, err := e.refresh(ctx, tx, table)
		if err != nil {
			return err
		}
		if !exists || incoming.IsEmpty() {
			return nil
		}

		d := schema.Diff(current, incoming)
		out.Drift = d
		out.transition(StateSchemaChecked)
		switch d.Kind {
		case schema.DriftUnsafe:
			return fserrors.NewUnsafeDriftError(table, schema.Names(d.Removed), schema.Names(d.Changed))
		case schema.DriftAdditive:
			if err := schema.ValidateSchema(incoming); err != nil {
				return err
			}
			out.transition(StateApplying)
			if err := store.Exec(ctx, tx, sqlgen.AlterAddStatements(e.dialect, table, d.Added)...); err != nil {
				return fserrors.NewExecutionError("alter "+table, err)
			}
			added = d.Added
		}
		return nil
	})
	if err != nil {
		return e.finish(out, err)
	}

	if len(added) > 0 {
		e.registry.Put(incoming)
		out.Added = schema.Names(added)
		log.Printf("engine: %s: added columns %s", table, strings.Join(out.Added, ", "))
	}

	return e.update(ctx, f, out)
}

func (e *Engine) update(ctx context.Context, f docView, out *Outcome) error {
	table := out.Table
	incoming := schema.Infer(table, f.records(table))
	out.Schema = incoming
	out.State = StateIdle

	var rows, skipped int
	var created bool
	err := store.WithTx(ctx, e.db, func(ctx context.Context, tx *sql.Tx) error {
		current, exists, err := e.refresh(ctx, tx, table)
		if err != nil {
			return err
		}

		if exists && !incoming.IsEmpty() {
			d := schema.Diff(current, incoming)
			if out.Mode == Strict || d.Kind != schema.DriftNone {
				out.Drift = d
			}
			switch d.Kind {
			case schema.DriftUnsafe:
				return fserrors.NewUnsafeDriftError(table, schema.Names(d.Removed), schema.Names(d.Changed))
			case schema.DriftAdditive:
				return fserrors.NewStrictDriftError(table, schema.Names(d.Added))
			}
		}
		out.transition(StateSchemaChecked)

		stmts, n, s, err := e.plan(f, table, incoming, !exists)
		if err != nil {
			return err
		}
		out.transition(StateApplying)
		if err := store.Exec(ctx, tx, stmts...); err != nil {
			return fserrors.NewExecutionError("replace "+table, err)
		}
		rows, skipped, created = n, s, !exists && len(stmts) > 0
		return nil
	})
	if err != nil {
		return e.finish(out, err)
	}

	out.Rows, out.Skipped, out.Created = rows, skipped, created
	if !incoming.IsEmpty() {
		e.registry.Put(incoming)
	}
	out.transition(StateCommitted)

	if skipped > 0 {
		log.Printf("engine: [WARN] %s: skipped %d records without a usable id", table, skipped)
	}
	log.Printf("engine: %s pass on %s committed: %d rows (created=%v)", out.Mode, table, rows, created)
	return nil
}
