package ratelimit

import (
	"sync"
	"testing"
	"time"
)

// newTestLimiter returns a limiter with a controllable clock.
func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	now := start
	l := &Limiter{
		buckets: make(map[string][]time.Time),
		stop:    make(chan struct{}),
		now:     func() time.Time { return now },
	}
	return l, &now
}

func TestCheckBoundary(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))

	// The L-th call is allowed, the (L+1)-th denied.
	for i := 0; i < 3; i++ {
		res := l.Check("k", 3)
		if !res.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	res := l.Check("k", 3)
	if res.Allowed {
		t.Fatal("4th call should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
	if res.ResetInMs <= 0 || res.ResetInMs > 60000 {
		t.Errorf("resetInMs = %d, want (0, 60000]", res.ResetInMs)
	}
}

func TestOldestFallsOff(t *testing.T) {
	l, now := newTestLimiter(time.Unix(1000, 0))

	l.Check("k", 2)
	*now = now.Add(30 * time.Second)
	l.Check("k", 2)

	if l.Check("k", 2).Allowed {
		t.Fatal("third call inside window should be denied")
	}

	// 60s + epsilon after the first hit, it falls off.
	*now = now.Add(30*time.Second + time.Millisecond)
	if !l.Check("k", 2).Allowed {
		t.Fatal("call after oldest expired should be allowed")
	}
}

func TestRemainingSequence(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))

	want := []int{1, 0, 0, 0}
	for i, w := range want {
		res := l.Check("k", 2)
		if res.Remaining != w {
			t.Errorf("call %d: remaining = %d, want %d", i+1, res.Remaining, w)
		}
	}
}

func TestPeekDoesNotRecord(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))

	for i := 0; i < 10; i++ {
		res := l.Peek("k", 1)
		if !res.Allowed {
			t.Fatal("peek must not consume the limit")
		}
	}
	if !l.Check("k", 1).Allowed {
		t.Fatal("first real check should be allowed")
	}
	if res := l.Peek("k", 1); res.Allowed {
		t.Fatal("peek after limit reached should report denied")
	}
}

func TestIndependentBuckets(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))

	l.Check("a", 1)
	if l.Check("a", 1).Allowed {
		t.Fatal("bucket a should be exhausted")
	}
	if !l.Check("b", 1).Allowed {
		t.Fatal("bucket b should be untouched")
	}
}

func TestSlidingWindowProperty(t *testing.T) {
	// In any 60s window, allowed outcomes never exceed the limit.
	l, now := newTestLimiter(time.Unix(1000, 0))
	const limit = 5

	allowedTimes := []time.Time{}
	for i := 0; i < 300; i++ {
		if l.Check("k", limit).Allowed {
			allowedTimes = append(allowedTimes, *now)
		}
		*now = now.Add(700 * time.Millisecond)
	}

	for i := range allowedTimes {
		count := 0
		for j := i; j < len(allowedTimes); j++ {
			if allowedTimes[j].Sub(allowedTimes[i]) < Window {
				count++
			}
		}
		if count > limit {
			t.Fatalf("window starting at %v admitted %d > %d", allowedTimes[i], count, limit)
		}
	}
}

func TestConcurrentChecks(t *testing.T) {
	l := New()
	defer l.Stop()

	const limit = 50
	var wg sync.WaitGroup
	allowed := make(chan struct{}, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("k", limit).Allowed {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	n := 0
	for range allowed {
		n++
	}
	if n != limit {
		t.Errorf("allowed %d concurrent calls, want exactly %d", n, limit)
	}
}
