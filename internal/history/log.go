package history

import (
	"sync"

	"notivox/internal/eventbus"
)

// Limit caps the log at the twenty most recent notifications.
const Limit = 20

// Log is the bounded notification history.
//
// It behaves as a monitor: Add, Update and Snapshot are mutually exclusive,
// so a speech status write-back racing a new arrival stays consistent.
// Ordering is strictly by insertion, not timestamp, so clock skew between
// sources cannot reorder entries.
//
// The log is owned by the pipeline and injected where needed; there is no
// process-wide instance.
type Log struct {
	mu sync.Mutex
	// Fixed ring: slots fill forward from 0, next wraps and overwrites the
	// oldest once full, so an insert is constant work at any fill level.
	ring  [Limit]*Entry
	next  int
	count int

	bus eventbus.Bus
}

func NewLog(bus eventbus.Bus) *Log {
	return &Log{bus: orNewBus(bus)}
}

func orNewBus(bus eventbus.Bus) eventbus.Bus {
	if bus == nil {
		return eventbus.New()
	}
	return bus
}

// Add inserts the entry as most recent, evicting the oldest once the log
// is full.
func (l *Log) Add(e *Entry) {
	l.mu.Lock()
	l.ring[l.next] = e
	l.next = (l.next + 1) % Limit
	if l.count < Limit {
		l.count++
	}
	l.mu.Unlock()

	l.bus.Publish(eventbus.Event{Type: eventbus.TypeHistoryAdded, Data: e})
}

// Update publishes a change signal for an entry already in the log, keeping
// its position. Observers must refresh on the signal rather than compare
// values: the entry's identity does not change.
//
// Updating an entry that was already evicted is a silent no-op.
func (l *Log) Update(e *Entry) {
	l.mu.Lock()
	found := l.contains(e)
	l.mu.Unlock()

	if !found {
		return
	}
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeHistoryUpdated, Data: e})
}

// MarkInterrupted flags a spoken entry as cut off and signals the change.
// Evicted entries are ignored.
func (l *Log) MarkInterrupted(e *Entry) {
	l.mu.Lock()
	found := l.contains(e)
	if found && e.Spoken() {
		e.IsInterrupted = true
	}
	l.mu.Unlock()

	if !found {
		return
	}
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeHistoryUpdated, Data: e})
}

// contains reports whether e still occupies a slot. Caller holds l.mu.
func (l *Log) contains(e *Entry) bool {
	for i := 0; i < l.count; i++ {
		if l.ring[i] == e {
			return true
		}
	}
	return false
}

// Snapshot returns a point-in-time copy, most recent first.
func (l *Log) Snapshot() []*Entry {
	l.mu.Lock()
	out := make([]*Entry, l.count)
	idx := l.next
	for i := range out {
		idx--
		if idx < 0 {
			idx = Limit - 1
		}
		out[i] = l.ring[idx]
	}
	l.mu.Unlock()
	return out
}

// Len returns the current size.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
