// Package events provides an in-process bus for sync pass notifications.
package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of event.
type Type string

const (
	TableCommitted  Type = "committed"
	TableRejected   Type = "rejected"
	TableRolledBack Type = "rolled_back"
	// RevisionUnchanged is published once for a pass skipped because the
	// feed did not change. It carries no table.
	RevisionUnchanged Type = "unchanged"
)

// Event describes the end of one table pass.
type Event struct {
	Type        Type      `json:"type"`
	Table       string    `json:"table,omitempty"`
	BatchID     string    `json:"batch_id"`
	RunID       string    `json:"run_id,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Rows        int       `json:"rows"`
	Added       []string  `json:"added,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Subscriber receives events on C until it unsubscribes.
type Subscriber struct {
	ID      string
	Filters []string
	C       chan Event
}

// matches reports whether the event's table has one of the subscriber's
// prefixes. Events without a table reach every subscriber.
func (s *Subscriber) matches(table string) bool {
	if len(s.Filters) == 0 || table == "" {
		return true
	}
	for _, f := range s.Filters {
		if f == "" || strings.HasPrefix(table, f) {
			return true
		}
	}
	return false
}

// Bus fans events out to subscribers. Publish never blocks; events for a
// subscriber whose buffer is full are dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	bufferSize  int
	dropped     atomic.Int64
}

// NewBus creates a bus with per-subscriber buffers of bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to every matching subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if !sub.matches(ev.Table) {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber for tables with the given prefixes. No
// filters subscribes to everything.
func (b *Bus) Subscribe(filters ...string) *Subscriber {
	sub := &Subscriber{
		ID:      uuid.NewString(),
		Filters: filters,
		C:       make(chan Event, b.bufferSize),
	}
	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.C)
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many events were dropped for slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
