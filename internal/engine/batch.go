package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zeebo/errs"

	"github.com/feedsync/feedsync/internal/document"
)

// BatchPolicy decides what a whole-document pass does after a table fails.
type BatchPolicy int

const (
	// ContinueOnError attempts every table and reports all failures at the end.
	ContinueOnError BatchPolicy = iota
	// StopOnError stops at the first failed table.
	StopOnError
)

func (p BatchPolicy) String() string {
	if p == StopOnError {
		return "stop"
	}
	return "continue"
}

// ParseBatchPolicy parses "continue" or "stop".
func ParseBatchPolicy(s string) (BatchPolicy, bool) {
	switch s {
	case "continue", "":
		return ContinueOnError, true
	case "stop", "abort":
		return StopOnError, true
	default:
		return ContinueOnError, false
	}
}

// BatchResult holds the per-table outcomes of a whole-document pass,
// in the order the tables were attempted.
type BatchResult struct {
	Mode     Mode
	Policy   BatchPolicy
	Outcomes []*Outcome
	Started  time.Time
	Finished time.Time
}

// Failed returns the outcomes that did not commit.
func (r *BatchResult) Failed() []*Outcome {
	var out []*Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Rows returns the total rows written across committed tables.
func (r *BatchResult) Rows() int {
	n := 0
	for _, o := range r.Outcomes {
		n += o.Rows
	}
	return n
}

// UpdateAll runs one pass per table in document order, each in its own
// transactions. When tables is empty every group of the document is synced.
// Every table reads the document that was current when the batch started.
// The returned error combines every table failure; outcomes are always returned.
func (e *Engine) UpdateAll(ctx context.Context, mode Mode, policy BatchPolicy, tables ...string) (*BatchResult, error) {
	e.pass.Lock()
	defer e.pass.Unlock()
	return e.updateAll(ctx, e.current(), mode, policy, tables)
}

// ApplyDocument installs doc and runs UpdateAll on it in one step: no other
// SetDocument can take effect between the two.
func (e *Engine) ApplyDocument(ctx context.Context, doc *document.Document, mode Mode, policy BatchPolicy, tables ...string) (*BatchResult, error) {
	e.pass.Lock()
	defer e.pass.Unlock()
	v := newDocView(doc)
	e.setView(v)
	return e.updateAll(ctx, v, mode, policy, tables)
}

func (e *Engine) updateAll(ctx context.Context, f docView, mode Mode, policy BatchPolicy, tables []string) (*BatchResult, error) {
	if len(tables) == 0 {
		tables = f.tables()
	}

	res := &BatchResult{Mode: mode, Policy: policy, Started: time.Now()}
	var group errs.Group
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			group.Add(err)
			break
		}

		out := newOutcome(table, mode)
		var err error
		if mode == Permissive {
			err = e.updateWithChange(ctx, f, out)
		} else {
			err = e.update(ctx, f, out)
		}
		res.Outcomes = append(res.Outcomes, out)

		if err != nil {
			group.Add(fmt.Errorf("%s: %w", table, err))
			if policy == StopOnError {
				break
			}
		}
	}
	res.Finished = time.Now()

	log.Printf("engine: %s batch finished: %d tables, %d failed, %d rows in %v",
		mode, len(res.Outcomes), len(res.Failed()), res.Rows(), res.Finished.Sub(res.Started))
	return res, group.Err()
}
