package schema

import (
	"github.com/feedsync/feedsync/pkg/types"
)

// DriftKind classifies the difference between a persisted and an inferred schema.
type DriftKind int

const (
	// DriftNone means the schemas are equal.
	DriftNone DriftKind = iota
	// DriftAdditive means the inferred schema only adds columns.
	DriftAdditive
	// DriftUnsafe means persisted columns are missing or incompatible.
	DriftUnsafe
)

func (k DriftKind) String() string {
	switch k {
	case DriftNone:
		return "none"
	case DriftAdditive:
		return "additive"
	case DriftUnsafe:
		return "unsafe"
	default:
		return "unknown"
	}
}

// Drift is the result of comparing two schemas. Column lists are sorted by name.
type Drift struct {
	Kind DriftKind

	// Added are columns present only in the incoming schema
	Added []types.Column

	// Removed are columns present only in the current schema
	Removed []types.Column

	// Changed are incoming columns whose kind or key flag differs from current
	Changed []types.Column
}

// HasChanges reports whether any drift was found.
func (d Drift) HasChanges() bool {
	return d.Kind != DriftNone
}

// Diff compares the persisted schema against the inferred one.
// Removed or changed columns make the drift unsafe even when columns were
// also added.
func Diff(current, incoming types.Schema) Drift {
	if current.Equal(incoming) {
		return Drift{Kind: DriftNone}
	}

	var d Drift
	for _, c := range incoming.Columns {
		old, ok := current.Column(c.Name)
		switch {
		case !ok:
			d.Added = append(d.Added, c)
		case old != c:
			d.Changed = append(d.Changed, c)
		}
	}
	for _, c := range current.Columns {
		if !incoming.Has(c.Name) {
			d.Removed = append(d.Removed, c)
		}
	}

	switch {
	case len(d.Removed) > 0 || len(d.Changed) > 0:
		d.Kind = DriftUnsafe
	case len(d.Added) > 0:
		d.Kind = DriftAdditive
	default:
		// Only the table name differs; nothing to migrate.
		d.Kind = DriftNone
	}
	return d
}

// Names returns the names of cols in order.
func Names(cols []types.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}
