// Package logbuf keeps a window of recent log output in memory so the status
// API can serve it without touching the daemon's stdout stream. Entries carry
// the issue key they were logged under, which lets an operator pull the log
// trail of a single reconciliation.
package logbuf

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"message"`
	Issue   string         `json:"issue,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries out of the buffer. The zero Since and Issue match
// everything; pass slog.LevelDebug as MinLevel to match all levels. A Limit
// of zero returns all matches.
type Filter struct {
	Since    time.Time
	MinLevel slog.Level
	Issue    string
	Limit    int
}

func (f Filter) matches(e Entry) bool {
	if e.Level < f.MinLevel {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if f.Issue != "" && e.Issue != f.Issue {
		return false
	}
	return true
}

// Buffer holds the most recent entries, oldest first.
type Buffer struct {
	mu      sync.RWMutex
	max     int
	entries []Entry
}

// New creates a buffer that retains up to max entries.
func New(max int) *Buffer {
	return &Buffer{max: max}
}

// Write appends an entry, evicting the oldest when the window is full.
func (b *Buffer) Write(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == b.max {
		copy(b.entries, b.entries[1:])
		b.entries[len(b.entries)-1] = e
		return
	}
	b.entries = append(b.entries, e)
}

// Query returns the entries matching the filter, oldest first. When Limit
// trims the result, the newest matches are kept.
func (b *Buffer) Query(f Filter) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Entry
	for _, e := range b.entries {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}
