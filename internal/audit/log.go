// Package audit keeps a bounded in-memory trail of search requests for
// operator inspection.
package audit

import (
	"sync"
	"time"
)

// DefaultMaxEntries bounds the trail when no explicit limit is configured.
const DefaultMaxEntries = 1000

// Entry records a single search request.
type Entry struct {
	Time        time.Time `json:"time"`
	ClientID    string    `json:"client_id"`
	Term        string    `json:"term"`
	ResultCount int       `json:"result_count"`
}

// Log is a bounded FIFO of search request entries. When the bound is
// reached the oldest entry is evicted. Safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	max     int

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewLog creates a Log bounded at max entries. A non-positive max falls
// back to DefaultMaxEntries.
func NewLog(max int) *Log {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Log{
		entries: make([]Entry, 0, max),
		max:     max,
		now:     time.Now,
	}
}

// Record appends an entry, evicting the oldest when the log is full.
func (l *Log) Record(clientID, term string, resultCount int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Time:        l.now(),
		ClientID:    clientID,
		Term:        term,
		ResultCount: resultCount,
	}

	if len(l.entries) >= l.max {
		drop := len(l.entries) - l.max + 1
		l.entries = append(l.entries[:0], l.entries[drop:]...)
	}
	l.entries = append(l.entries, e)
}

// Entries returns up to limit entries, most recent last. A non-positive
// limit returns everything. The returned slice is a copy.
func (l *Log) Entries(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// Len reports the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// SetMaxEntries changes the bound at runtime, evicting oldest entries if
// the log already exceeds the new bound. Non-positive values fall back to
// DefaultMaxEntries.
func (l *Log) SetMaxEntries(max int) {
	if max <= 0 {
		max = DefaultMaxEntries
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.max = max
	if len(l.entries) > max {
		drop := len(l.entries) - max
		l.entries = append(l.entries[:0], l.entries[drop:]...)
	}
}
