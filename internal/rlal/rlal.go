// Package rlal implements the Rate-Limited Action Log: a per-key record
// of recent action timestamps used to detect and suppress echo actions —
// a peer's notification of the very change this daemon just induced on
// the other control plane.
//
// The structure is deliberately simple (sync.Mutex + map), the same
// shape as a local in-memory fallback rate limiter: a single lock
// guards a map of per-key state, and staleness is handled by clearing
// the whole per-key slice rather than tracking individual expirations.
package rlal

import (
	"sync"
	"time"
)

// Log is a Rate-Limited Action Log. The zero value is not usable; use
// New. A Log is safe for concurrent use.
type Log struct {
	mu        sync.Mutex
	threshold time.Duration
	maxLength time.Duration
	now       func() time.Time // overridable for tests
	entries   map[string][]time.Time
}

// New creates a Log that flags an action as violating if the two most
// recent records for a key are within threshold of each other, and
// clears a key's history once maxLength has elapsed since its last
// record (bounding memory for keys that go quiet).
func New(threshold, maxLength time.Duration) *Log {
	return &Log{
		threshold: threshold,
		maxLength: maxLength,
		now:       time.Now,
		entries:   make(map[string][]time.Time),
	}
}

// Record appends "now" to key's history, first clearing the history if
// more than maxLength has elapsed since the last record.
func (l *Log) Record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked(key)
}

func (l *Log) recordLocked(key string) {
	now := l.now()
	hist := l.entries[key]
	if n := len(hist); n > 0 && now.Sub(hist[n-1]) > l.maxLength {
		hist = nil
	}
	l.entries[key] = append(hist, now)
}

// Violated records "now" for key and reports whether the two most
// recent records (the one just made, and the one before it) are
// separated by no more than threshold. It is false the first time a key
// is ever seen, since there is no previous record to compare against.
func (l *Log) Violated(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked(key)
	hist := l.entries[key]
	if len(hist) < 2 {
		return false
	}
	last, prev := hist[len(hist)-1], hist[len(hist)-2]
	return last.Sub(prev) <= l.threshold
}

// Last returns the most recent recorded timestamp for key, or the zero
// Time if key has never been recorded.
func (l *Log) Last(key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	hist := l.entries[key]
	if len(hist) == 0 {
		return time.Time{}
	}
	return hist[len(hist)-1]
}

// Prev returns the second-most-recent recorded timestamp for key, or
// the zero Time if fewer than two records exist.
func (l *Log) Prev(key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	hist := l.entries[key]
	if len(hist) < 2 {
		return time.Time{}
	}
	return hist[len(hist)-2]
}
