// Package usage keeps a bounded in-memory log of tool call outcomes for the
// admin usage endpoints. It is a ring: old events fall off the back.
package usage

import (
	"sync"
	"time"
)

// Event records one admission decision, allowed or not.
type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	APIKey         string    `json:"apiKey"`
	KeyName        string    `json:"keyName,omitempty"`
	Namespace      string    `json:"namespace,omitempty"`
	Tool           string    `json:"tool"`
	CreditsCharged int64     `json:"creditsCharged"`
	Allowed        bool      `json:"allowed"`
	DenyReason     string    `json:"denyReason,omitempty"`
	DurationMs     int64     `json:"durationMs"`
}

const DefaultCapacity = 10000

// Log is a fixed-capacity ring buffer of events.
type Log struct {
	mu     sync.RWMutex
	events []Event
	head   int
	full   bool
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{events: make([]Event, capacity)}
}

// Record appends an event, overwriting the oldest when full.
func (l *Log) Record(e Event) {
	l.mu.Lock()
	l.events[l.head] = e
	l.head++
	if l.head == len(l.events) {
		l.head = 0
		l.full = true
	}
	l.mu.Unlock()
}

// Recent returns up to n events, newest first. A Filter narrows the result;
// the zero filter matches everything.
func (l *Log) Recent(n int, f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.head
	if l.full {
		size = len(l.events)
	}

	out := make([]Event, 0, min(n, size))
	for i := 0; i < size && len(out) < n; i++ {
		// Walk backwards from the newest slot.
		idx := (l.head - 1 - i + len(l.events)) % len(l.events)
		if f.matches(&l.events[idx]) {
			out = append(out, l.events[idx])
		}
	}
	return out
}

// Filter narrows Recent results. Empty fields match everything.
type Filter struct {
	APIKey     string
	Tool       string
	Namespace  string
	OnlyDenied bool
	Since      time.Time
}

func (f Filter) matches(e *Event) bool {
	if f.APIKey != "" && e.APIKey != f.APIKey {
		return false
	}
	if f.Tool != "" && e.Tool != f.Tool {
		return false
	}
	if f.Namespace != "" && e.Namespace != f.Namespace {
		return false
	}
	if f.OnlyDenied && e.Allowed {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Summary aggregates the retained window per tool.
type Summary struct {
	Calls          int64 `json:"calls"`
	Denied         int64 `json:"denied"`
	CreditsCharged int64 `json:"creditsCharged"`
}

// Summarize rolls the retained events up by tool name.
func (l *Log) Summarize() map[string]Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.head
	if l.full {
		size = len(l.events)
	}

	out := make(map[string]Summary)
	for i := 0; i < size; i++ {
		e := &l.events[i]
		s := out[e.Tool]
		s.Calls++
		if !e.Allowed {
			s.Denied++
		}
		s.CreditsCharged += e.CreditsCharged
		out[e.Tool] = s
	}
	return out
}
