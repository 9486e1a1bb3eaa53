// Package session tracks MCP client sessions and their SSE streams.
//
// A session is created on initialize, carried by the Mcp-Session-Id header,
// and expires after a period of inactivity. Each session can hold a bounded
// number of live SSE connections; server-initiated notifications fan out to
// all of them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/paygate/internal/idgen"
	"github.com/mbd888/paygate/internal/metrics"
)

var (
	ErrNotFound     = errors.New("session: unknown or expired session")
	ErrTooManyConns = errors.New("session: connection limit reached for session")
)

// Defaults. Timeout and max sessions come from config; these cover the rest.
const (
	defaultMaxConnsPerSession = 8
	sweepInterval             = 60 * time.Second
	keepAliveInterval         = 30 * time.Second
	sendBuffer                = 64
)

// Conn is one live SSE stream attached to a session.
type Conn struct {
	session *Session
	send    chan []byte
	closed  bool // guarded by the manager mutex
}

// Session is a logical MCP client connection.
type Session struct {
	ID             string
	APIKey         string
	CreatedAt      time.Time
	LastActivityAt time.Time
	conns          map[*Conn]struct{}
}

// Manager owns all sessions.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	maxSessions int
	maxConns    int
	timeout     time.Duration
	logger      *slog.Logger

	keepAlive time.Duration
	now       func() time.Time // test hook
}

// NewManager creates a session manager. maxSessions caps concurrent
// sessions; the least recently active one is evicted when full.
func NewManager(logger *slog.Logger, maxSessions int, timeout time.Duration) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		maxConns:    defaultMaxConnsPerSession,
		timeout:     timeout,
		logger:      logger,
		keepAlive:   keepAliveInterval,
		now:         time.Now,
	}
}

// Run sweeps idle sessions until ctx is done. Call in a goroutine.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for id := range m.sessions {
				m.destroyLocked(id)
			}
			m.mu.Unlock()
			metrics.ActiveSessions.Set(0)
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := m.now().Add(-m.timeout)
	m.mu.Lock()
	var expired []string
	for id, sess := range m.sessions {
		if sess.LastActivityAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.destroyLocked(id)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if len(expired) > 0 {
		m.logger.Info("expired idle sessions", "count", len(expired), "remaining", n)
	}
	metrics.ActiveSessions.Set(float64(n))
}

// Create starts a session bound to the calling API key. When the manager is
// full the least recently active session is evicted to make room.
func (m *Manager) Create(apiKey string) *Session {
	now := m.now()
	sess := &Session{
		ID:             idgen.WithPrefix("mcp_sess_"),
		APIKey:         apiKey,
		CreatedAt:      now,
		LastActivityAt: now,
		conns:          make(map[*Conn]struct{}),
	}

	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		var oldest *Session
		for _, s := range m.sessions {
			if oldest == nil || s.LastActivityAt.Before(oldest.LastActivityAt) {
				oldest = s
			}
		}
		if oldest != nil {
			m.logger.Warn("session limit reached, evicting least recently active",
				"evicted", oldest.ID, "idle", now.Sub(oldest.LastActivityAt).String())
			m.destroyLocked(oldest.ID)
		}
	}
	m.sessions[sess.ID] = sess
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	return sess
}

// Touch marks the session active and returns whether it exists. Every
// request carrying a session id passes through here.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return false
	}
	sess.LastActivityAt = m.now()
	return true
}

// Get returns a point-in-time copy of the session without touching it.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return Session{
		ID:             sess.ID,
		APIKey:         sess.APIKey,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
	}, true
}

// Destroy terminates a session and closes its streams. Idempotent.
func (m *Manager) Destroy(id string) {
	m.mu.Lock()
	m.destroyLocked(id)
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
}

func (m *Manager) destroyLocked(id string) {
	sess, ok := m.sessions[id]
	if !ok {
		return
	}
	for conn := range sess.conns {
		if !conn.closed {
			conn.closed = true
			close(conn.send)
		}
	}
	delete(m.sessions, id)
}

// Attach opens an SSE stream on the session.
func (m *Manager) Attach(id string) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if len(sess.conns) >= m.maxConns {
		return nil, ErrTooManyConns
	}

	conn := &Conn{session: sess, send: make(chan []byte, sendBuffer)}
	sess.conns[conn] = struct{}{}
	sess.LastActivityAt = m.now()
	return conn, nil
}

// Detach removes a stream, typically when the client disconnects.
func (m *Manager) Detach(conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn.session == nil {
		return
	}
	delete(conn.session.conns, conn)
	if !conn.closed {
		conn.closed = true
		close(conn.send)
	}
}

// Notify fans a payload out to every stream on the session. A stream whose
// buffer is full is considered dead and dropped; one stalled reader must not
// block the rest.
func (m *Manager) Notify(id string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	for conn := range sess.conns {
		select {
		case conn.send <- payload:
		default:
			delete(sess.conns, conn)
			conn.closed = true
			close(conn.send)
			m.logger.Warn("dropping stalled sse stream", "session", id)
		}
	}
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ServeSSE streams the connection's messages until the client goes away or
// the stream is closed. Headers include X-Accel-Buffering so reverse proxies
// do not buffer the stream.
func (m *Manager) ServeSSE(w http.ResponseWriter, r *http.Request, conn *Conn) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		m.Detach(conn)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(m.keepAlive)
	defer ticker.Stop()
	defer m.Detach(conn)

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-conn.send:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			// Comment line keeps intermediaries from timing out the stream.
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
