package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	d := NewDispatcher(store, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d, store
}

func subscribe(t *testing.T, store *MemoryStore, url, secret string, events ...EventType) *Subscription {
	t.Helper()
	sub := &Subscription{
		ID:        "wh_test",
		URL:       url,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Create(sub))
	return sub
}

func TestDeliveryWithSignature(t *testing.T) {
	var gotSig, gotEvent string
	var body []byte
	received := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-PayGate-Signature")
		gotEvent = r.Header.Get("X-PayGate-Event")
		body, _ = io.ReadAll(r.Body)
		close(received)
	}))
	defer srv.Close()

	d, store := newTestDispatcher(t)
	subscribe(t, store, srv.URL, "s3cret", EventKeyRevoked)

	NewEmitter(d).EmitKeyRevoked("team1", "pg_abc")

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never arrived")
	}

	assert.Equal(t, "key.revoked", gotEvent)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		close(done)
	}))
	defer srv.Close()

	d, store := newTestDispatcher(t)
	subscribe(t, store, srv.URL, "", EventKeyCreated)
	NewEmitter(d).EmitKeyCreated("", "pg_abc", "ci")

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("delivery never succeeded")
	}
	assert.EqualValues(t, 3, calls.Load())
	assert.Empty(t, d.DeadLetters())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d, store := newTestDispatcher(t)
	subscribe(t, store, srv.URL, "", EventCallDenied)
	NewEmitter(d).EmitCallDenied("", "pg_abc", "search", "rate_limited")

	require.Eventually(t, func() bool {
		return len(d.DeadLetters()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load(), "4xx is terminal")
}

func TestDeadLetterReplay(t *testing.T) {
	var healthy atomic.Bool
	delivered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		delivered <- struct{}{}
	}))
	defer srv.Close()

	d, store := newTestDispatcher(t)
	subscribe(t, store, srv.URL, "", EventCreditsLow)
	NewEmitter(d).EmitCreditsLow("", "pg_abc", 3)

	require.Eventually(t, func() bool {
		return len(d.DeadLetters()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	healthy.Store(true)
	assert.Equal(t, 1, d.ReplayDeadLetters())

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("replay never delivered")
	}
	assert.Empty(t, d.DeadLetters())
}

func TestNamespaceScoping(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	d, store := newTestDispatcher(t)
	sub := subscribe(t, store, srv.URL, "", EventKeyCreated)
	sub.Namespace = "team1"
	require.NoError(t, store.Update(sub))

	em := NewEmitter(d)
	em.EmitKeyCreated("team2", "pg_other", "x") // filtered out
	em.EmitKeyCreated("team1", "pg_mine", "y")

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestNilEmitterIsSafe(t *testing.T) {
	var e *Emitter
	e.EmitKeyCreated("ns", "pg_x", "name")
	e.EmitTokenRevoked("ns", "fp")
}

func TestInactiveSubscriptionSkipped(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	d, store := newTestDispatcher(t)
	sub := subscribe(t, store, srv.URL, "", EventKeyCreated)
	sub.Active = false
	require.NoError(t, store.Update(sub))

	NewEmitter(d).EmitKeyCreated("", "pg_x", "name")
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestNewSubscriptionRejectsInternalEndpoints(t *testing.T) {
	_, err := NewSubscription("", "http://127.0.0.1/hook", "s", []EventType{EventKeyCreated})
	require.Error(t, err)

	_, err = NewSubscription("", "http://169.254.169.254/latest", "s", []EventType{EventKeyCreated})
	require.Error(t, err)

	sub, err := NewSubscription("team-a", "https://93.184.216.34/hook", "s", []EventType{EventKeyCreated})
	require.NoError(t, err)
	assert.True(t, sub.Active)
	assert.Contains(t, sub.ID, "whk_")
}
