// Package ratelimit implements a sliding-window rate limiter keyed by
// arbitrary composite strings (api key, "apiKey:tool:T", "ip:...").
package ratelimit

import (
	"sync"
	"time"
)

// Window is the default sliding window.
const Window = time.Minute

// Result is the outcome of a limiter check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetInMs int64 // ms until the oldest recorded hit falls out of the window
}

// Limiter tracks hit timestamps per composite key. Exactly the hits within
// the trailing window count against the limit; the request at count == limit
// is denied (strict less-than admits).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	stop    chan struct{}
	once    sync.Once

	now func() time.Time // test hook
}

// New creates a new rate limiter and starts its bucket janitor.
func New() *Limiter {
	l := &Limiter{
		buckets: make(map[string][]time.Time),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

// cleanup evicts buckets with no live timestamps.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(Window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-Window)
			for key, ts := range l.buckets {
				if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the janitor goroutine.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Check prunes expired hits for key, then admits and records the call if
// fewer than limit hits remain in the window.
func (l *Limiter) Check(key string, limit int) Result {
	return l.check(key, limit, Window, true)
}

// CheckWindow is Check with an explicit window, used by tests and callers
// with non-default windows.
func (l *Limiter) CheckWindow(key string, limit int, window time.Duration) Result {
	return l.check(key, limit, window, true)
}

// Peek computes the same result as Check without recording a hit.
func (l *Limiter) Peek(key string, limit int) Result {
	return l.check(key, limit, Window, false)
}

func (l *Limiter) check(key string, limit int, window time.Duration, record bool) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	ts := l.buckets[key]
	// Timestamps are append-only, so the live suffix starts at the first
	// entry after the cutoff.
	start := 0
	for start < len(ts) && !ts[start].After(cutoff) {
		start++
	}
	if start > 0 {
		ts = append(ts[:0:0], ts[start:]...)
	}

	count := len(ts)

	resetIn := func(ts []time.Time) int64 {
		if len(ts) == 0 {
			return 0
		}
		ms := ts[0].Add(window).Sub(now).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		return ms
	}

	if count < limit {
		if record {
			ts = append(ts, now)
		}
		l.buckets[key] = ts
		remaining := limit - count
		if record {
			remaining--
		}
		return Result{Allowed: true, Remaining: remaining, ResetInMs: resetIn(ts)}
	}

	l.buckets[key] = ts
	return Result{Allowed: false, Remaining: 0, ResetInMs: resetIn(ts)}
}
