package session

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(maxSessions int) *Manager {
	return NewManager(slog.New(slog.NewTextHandler(testWriter{}, nil)), maxSessions, time.Hour)
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestCreateAndTouch(t *testing.T) {
	m := newTestManager(10)
	sess := m.Create("pg_abc")

	assert.True(t, strings.HasPrefix(sess.ID, "mcp_sess_"))
	assert.True(t, m.Touch(sess.ID))
	assert.False(t, m.Touch("mcp_sess_bogus"))

	got, ok := m.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "pg_abc", got.APIKey)
}

func TestLRUEviction(t *testing.T) {
	m := newTestManager(2)

	base := time.Now()
	clock := base
	m.now = func() time.Time { return clock }

	a := m.Create("k")
	clock = base.Add(time.Second)
	b := m.Create("k")

	// Touching a makes b the eviction candidate.
	clock = base.Add(2 * time.Second)
	m.Touch(a.ID)

	clock = base.Add(3 * time.Second)
	c := m.Create("k")

	_, ok := m.Get(b.ID)
	assert.False(t, ok, "least recently active session evicted")
	_, ok = m.Get(a.ID)
	assert.True(t, ok)
	_, ok = m.Get(c.ID)
	assert.True(t, ok)
	assert.Equal(t, 2, m.Count())
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	m := newTestManager(10)

	base := time.Now()
	clock := base
	m.now = func() time.Time { return clock }

	sess := m.Create("k")
	fresh := m.Create("k")

	// Timeout is one hour: at +90m, sess has been idle 90m and fresh 45m.
	clock = base.Add(45 * time.Minute)
	m.Touch(fresh.ID)
	clock = base.Add(90 * time.Minute)
	m.sweep()

	_, ok := m.Get(sess.ID)
	assert.False(t, ok)
	_, ok = m.Get(fresh.ID)
	assert.True(t, ok)
}

func TestNotifyFanOut(t *testing.T) {
	m := newTestManager(10)
	sess := m.Create("k")

	c1, err := m.Attach(sess.ID)
	require.NoError(t, err)
	c2, err := m.Attach(sess.ID)
	require.NoError(t, err)

	require.NoError(t, m.Notify(sess.ID, []byte(`{"method":"ping"}`)))
	assert.Equal(t, `{"method":"ping"}`, string(<-c1.send))
	assert.Equal(t, `{"method":"ping"}`, string(<-c2.send))

	assert.ErrorIs(t, m.Notify("mcp_sess_bogus", nil), ErrNotFound)
}

func TestNotifyDropsStalledStream(t *testing.T) {
	m := newTestManager(10)
	sess := m.Create("k")

	stalled, err := m.Attach(sess.ID)
	require.NoError(t, err)
	live, err := m.Attach(sess.ID)
	require.NoError(t, err)

	// Fill the stalled stream's buffer; nobody reads it.
	for i := 0; i <= sendBuffer; i++ {
		require.NoError(t, m.Notify(sess.ID, []byte("x")))
		// Drain the live one so it never stalls.
		<-live.send
	}

	// The stalled stream was closed and detached.
	_, open := <-stalled.send
	for open {
		_, open = <-stalled.send
	}
	require.NoError(t, m.Notify(sess.ID, []byte("after")))
	assert.Equal(t, "after", string(<-live.send))
}

func TestConnectionCap(t *testing.T) {
	m := newTestManager(10)
	sess := m.Create("k")

	for i := 0; i < defaultMaxConnsPerSession; i++ {
		_, err := m.Attach(sess.ID)
		require.NoError(t, err)
	}
	_, err := m.Attach(sess.ID)
	assert.ErrorIs(t, err, ErrTooManyConns)
}

func TestDestroyClosesStreams(t *testing.T) {
	m := newTestManager(10)
	sess := m.Create("k")
	conn, err := m.Attach(sess.ID)
	require.NoError(t, err)

	m.Destroy(sess.ID)
	_, open := <-conn.send
	assert.False(t, open, "stream channel closed on destroy")

	_, ok := m.Get(sess.ID)
	assert.False(t, ok)

	// Idempotent.
	m.Destroy(sess.ID)
}

func TestServeSSE(t *testing.T) {
	m := newTestManager(10)
	m.keepAlive = 10 * time.Millisecond
	sess := m.Create("k")
	conn, err := m.Attach(sess.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/mcp", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.ServeSSE(rec, req, conn)
	}()

	require.NoError(t, m.Notify(sess.ID, []byte(`{"jsonrpc":"2.0"}`)))
	time.Sleep(50 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-transform", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: message\ndata: {\"jsonrpc\":\"2.0\"}\n\n")
	assert.Contains(t, body, ": keep-alive")
}
