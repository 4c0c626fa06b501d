package engine

import (
	"time"

	"github.com/feedsync/feedsync/internal/schema"
	"github.com/feedsync/feedsync/pkg/types"
)

// Mode selects how drift is handled.
type Mode int

const (
	// Strict rejects any drift.
	Strict Mode = iota
	// Permissive applies additive drift before syncing.
	Permissive
)

func (m Mode) String() string {
	if m == Permissive {
		return "permissive"
	}
	return "strict"
}

// ParseMode parses "strict" or "permissive".
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "strict":
		return Strict, true
	case "permissive", "":
		return Permissive, true
	default:
		return Strict, false
	}
}

// State is the position of one table pass in the apply protocol.
type State int

const (
	StateIdle State = iota
	StateSchemaChecked
	StateRejected
	StateApplying
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSchemaChecked:
		return "schema_checked"
	case StateRejected:
		return "rejected"
	case StateApplying:
		return "applying"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Terminal reports whether the pass has finished.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateCommitted || s == StateRolledBack
}

// Outcome describes one table pass.
type Outcome struct {
	Table string
	Mode  Mode
	State State

	// Drift is the classification observed at the schema check
	Drift schema.Drift

	// Schema is the inferred schema the pass worked against
	Schema types.Schema

	// Created is set when the table did not exist and was created
	Created bool

	// Added lists the columns added by a permissive pass
	Added []string

	// Rows is the number of staged rows written
	Rows int

	// Skipped counts records dropped for a missing or repeated id
	Skipped int

	Err      error
	Started  time.Time
	Finished time.Time
}

// Duration returns how long the pass took.
func (o *Outcome) Duration() time.Duration {
	return o.Finished.Sub(o.Started)
}

func (o *Outcome) transition(to State) {
	o.State = to
	if to.Terminal() {
		o.Finished = time.Now()
	}
}
