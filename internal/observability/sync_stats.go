// Package observability tracks per-table sync statistics for the status API.
package observability

import (
	"sort"
	"sync"
	"time"
)

// SyncStats tracks pass counts and outcomes per table.
type SyncStats struct {
	mu     sync.RWMutex
	tables map[string]*TableStats
	window time.Duration
}

// TableStats holds statistics for one table.
type TableStats struct {
	Table     string         `json:"table"`
	Passes    int64          `json:"passes"`
	Rows      int64          `json:"rows"`
	States    map[string]int `json:"states"` // terminal state -> count
	LastState string         `json:"last_state"`
	LastError string         `json:"last_error,omitempty"`
	LastSeen  time.Time      `json:"last_seen"`
}

// Failures returns the number of passes that did not commit.
func (s TableStats) Failures() int64 {
	return s.Passes - int64(s.States["committed"])
}

// NewSyncStats creates a new tracker.
// window: entries not seen for this long are dropped by Prune
func NewSyncStats(window time.Duration) *SyncStats {
	return &SyncStats{
		tables: make(map[string]*TableStats),
		window: window,
	}
}

// Record records one finished pass. rows counts only toward committed passes.
func (s *SyncStats) Record(table, state string, rows int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, exists := s.tables[table]
	if !exists {
		stats = &TableStats{Table: table, States: make(map[string]int)}
		s.tables[table] = stats
	}

	stats.Passes++
	stats.States[state]++
	stats.LastState = state
	stats.LastSeen = time.Now()
	if err != nil {
		stats.LastError = err.Error()
	} else {
		stats.LastError = ""
		stats.Rows += int64(rows)
	}
}

// Get returns a copy of one table's statistics.
func (s *SyncStats) Get(table string) (TableStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.tables[table]
	if !ok {
		return TableStats{}, false
	}
	return copyStats(stats), true
}

// Snapshot returns copies of all table statistics sorted by table name.
func (s *SyncStats) Snapshot() []TableStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TableStats, 0, len(s.tables))
	for _, stats := range s.tables {
		out = append(out, copyStats(stats))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

// TopFailing returns up to n tables with the most failed passes, most first.
// Tables without failures are omitted.
func (s *SyncStats) TopFailing(n int) []TableStats {
	all := s.Snapshot()
	var failing []TableStats
	for _, st := range all {
		if st.Failures() > 0 {
			failing = append(failing, st)
		}
	}
	sort.SliceStable(failing, func(i, j int) bool {
		return failing[i].Failures() > failing[j].Failures()
	})
	if n >= 0 && n < len(failing) {
		failing = failing[:n]
	}
	return failing
}

// Prune removes tables not seen within the window.
func (s *SyncStats) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-s.window)
	for table, stats := range s.tables {
		if stats.LastSeen.Before(threshold) {
			delete(s.tables, table)
		}
	}
}

func copyStats(s *TableStats) TableStats {
	cp := *s
	cp.States = make(map[string]int, len(s.States))
	for k, v := range s.States {
		cp.States[k] = v
	}
	return cp
}
