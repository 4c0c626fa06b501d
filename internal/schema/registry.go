package schema

import (
	"sort"
	"sync"

	"github.com/feedsync/feedsync/pkg/types"
)

// Registry is the process-local view of the last applied schema per table.
// It is refreshed from the live catalog before every drift decision.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]types.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]types.Schema)}
}

// Get returns the recorded schema of a table.
func (r *Registry) Get(table string) (types.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[table]
	return s, ok
}

// Put records the schema of a table after a successful commit.
func (r *Registry) Put(s types.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Table] = s
}

// Remove forgets a table.
func (r *Registry) Remove(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schemas, table)
}

// Reset replaces the full content with a fresh catalog snapshot.
func (r *Registry) Reset(schemas []types.Schema) {
	fresh := make(map[string]types.Schema, len(schemas))
	for _, s := range schemas {
		fresh[s.Table] = s
	}
	r.mu.Lock()
	r.schemas = fresh
	r.mu.Unlock()
}

// Tables returns the known table names, sorted.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
