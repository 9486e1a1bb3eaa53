// Package audit records administrative actions: key lifecycle changes,
// credit adjustments, token revocations, config flips. The trail is bounded
// by both count and age, and live subscribers receive events as they happen.
package audit

import (
	"sync"
	"time"
)

// Action names. Kept flat and greppable.
const (
	ActionKeyCreated     = "key.created"
	ActionKeyRevoked     = "key.revoked"
	ActionKeySuspended   = "key.suspended"
	ActionKeyResumed     = "key.resumed"
	ActionKeyRotated     = "key.rotated"
	ActionKeyUpdated     = "key.updated"
	ActionCreditsAdded   = "credits.added"
	ActionCreditsMoved   = "credits.transferred"
	ActionTokenIssued    = "token.issued"
	ActionTokenRevoked   = "token.revoked"
	ActionOAuthClientReg = "oauth.client_registered"
	ActionMaintenance    = "maintenance.toggled"
)

// Event is one audit record.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`  // admin identity when known
	Subject   string         `json:"subject"`          // key, token fingerprint, client id
	Detail    map[string]any `json:"detail,omitempty"`
}

const (
	DefaultCapacity = 5000
	DefaultMaxAge   = 7 * 24 * time.Hour
)

// Trail is the bounded audit log.
type Trail struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	maxAge   time.Duration
	subs     map[chan Event]struct{}

	now func() time.Time // test hook
}

func NewTrail(capacity int, maxAge time.Duration) *Trail {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Trail{
		capacity: capacity,
		maxAge:   maxAge,
		subs:     make(map[chan Event]struct{}),
		now:      time.Now,
	}
}

// Record appends an event, trims the trail, and notifies subscribers.
// Stamps the event if the caller did not.
func (t *Trail) Record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now()
	}

	t.mu.Lock()
	t.events = append(t.events, e)
	t.trimLocked()
	for ch := range t.subs {
		select {
		case ch <- e:
		default: // slow subscriber loses events, never blocks Record
		}
	}
	t.mu.Unlock()
}

func (t *Trail) trimLocked() {
	if over := len(t.events) - t.capacity; over > 0 {
		t.events = append(t.events[:0:0], t.events[over:]...)
	}
	cutoff := t.now().Add(-t.maxAge)
	firstLive := 0
	for firstLive < len(t.events) && t.events[firstLive].Timestamp.Before(cutoff) {
		firstLive++
	}
	if firstLive > 0 {
		t.events = append(t.events[:0:0], t.events[firstLive:]...)
	}
}

// Recent returns up to n events, newest first, optionally filtered by action.
func (t *Trail) Recent(n int, action string) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Event, 0, n)
	for i := len(t.events) - 1; i >= 0 && len(out) < n; i-- {
		if action != "" && t.events[i].Action != action {
			continue
		}
		out = append(out, t.events[i])
	}
	return out
}

// Subscribe returns a channel receiving future events and a cancel func.
// The channel is buffered; a subscriber that falls behind misses events
// rather than stalling writers.
func (t *Trail) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 128)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, ch)
			t.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Len reports the retained event count.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}
