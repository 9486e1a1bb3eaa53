package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/mbd888/paygate/internal/mcp"
)

// Multi routes tool calls across several backends. The routing table is
// built from each backend's tools/list; a tool served by two backends goes
// to whichever comes first in configuration order. Tools can also be
// addressed explicitly as "backendId.toolName".
type Multi struct {
	backends map[string]Backend
	order    []string // configuration order, drives collision precedence
	logger   *slog.Logger

	mu     sync.RWMutex
	routes map[string]string // tool name → backend id
}

// NewMulti creates a router over the given backends.
func NewMulti(backends map[string]Backend, order []string, logger *slog.Logger) *Multi {
	return &Multi{
		backends: backends,
		order:    order,
		logger:   logger,
		routes:   make(map[string]string),
	}
}

// Start starts every backend and builds the initial routing table. A
// backend that fails to start is logged and skipped; the rest still serve.
func (m *Multi) Start(ctx context.Context) error {
	var started int
	for _, id := range m.order {
		if err := m.backends[id].Start(ctx); err != nil {
			m.logger.Error("backend failed to start", "backend", id, "error", err)
			continue
		}
		started++
	}
	if started == 0 {
		return errors.New("proxy: no backend started")
	}
	m.refreshRoutes(ctx)
	return nil
}

// Stop stops every backend, returning the first error.
func (m *Multi) Stop() error {
	var firstErr error
	for _, id := range m.order {
		if err := m.backends[id].Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Running reports whether any backend is up.
func (m *Multi) Running() bool {
	for _, b := range m.backends {
		if b.Running() {
			return true
		}
	}
	return false
}

// Forward dispatches by method: initialize fans out to all backends,
// tools/list merges, tools/call routes by tool name, everything else goes
// to the first running backend.
func (m *Multi) Forward(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	switch req.Method {
	case mcp.MethodInitialize:
		return m.initializeAll(ctx, req)
	case mcp.MethodToolsList:
		return m.mergedToolsList(ctx, req)
	case mcp.MethodToolsCall:
		return m.routeCall(ctx, req)
	default:
		for _, id := range m.order {
			if b := m.backends[id]; b.Running() {
				return b.Forward(ctx, req)
			}
		}
		return nil, ErrBackendDown
	}
}

// initializeAll sends initialize to every running backend so each sets up
// its session. The first successful response is what the client sees.
func (m *Multi) initializeAll(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	var first *mcp.Response
	var firstErr error
	for _, id := range m.order {
		b := m.backends[id]
		if !b.Running() {
			continue
		}
		resp, err := b.Forward(ctx, req)
		if err != nil {
			m.logger.Warn("initialize failed on backend", "backend", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if first == nil {
			first = resp
		}
	}
	if first == nil {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, ErrBackendDown
	}
	return first, nil
}

// toolsListResult is the slice of the tools/list result the router needs.
// Tool definitions stay raw so backend-specific fields survive the merge.
type toolsListResult struct {
	Tools []json.RawMessage `json:"tools"`
}

type toolName struct {
	Name string `json:"name"`
}

// mergedToolsList concatenates every backend's tool list and rebuilds the
// routing table as a side effect. Duplicate names keep the first backend's
// definition.
func (m *Multi) mergedToolsList(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	merged := toolsListResult{Tools: []json.RawMessage{}}
	routes := make(map[string]string)

	for _, id := range m.order {
		b := m.backends[id]
		if !b.Running() {
			continue
		}
		resp, err := b.Forward(ctx, req)
		if err != nil || resp == nil || resp.Error != nil {
			m.logger.Warn("tools/list failed on backend", "backend", id, "error", err)
			continue
		}
		var result toolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			m.logger.Warn("tools/list unparseable on backend", "backend", id, "error", err)
			continue
		}
		for _, raw := range result.Tools {
			var tn toolName
			if err := json.Unmarshal(raw, &tn); err != nil || tn.Name == "" {
				continue
			}
			if owner, taken := routes[tn.Name]; taken {
				m.logger.Warn("tool name collision, keeping first",
					"tool", tn.Name, "kept", owner, "shadowed", id)
				continue
			}
			routes[tn.Name] = id
			merged.Tools = append(merged.Tools, raw)
		}
	}

	m.mu.Lock()
	m.routes = routes
	m.mu.Unlock()

	return mcp.NewResultResponse(req.ID, merged), nil
}

// refreshRoutes primes the routing table without a client request.
func (m *Multi) refreshRoutes(ctx context.Context) {
	req := &mcp.Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`"paygate-route-refresh"`),
		Method:  mcp.MethodToolsList,
	}
	if _, err := m.mergedToolsList(ctx, req); err != nil {
		m.logger.Warn("initial route refresh failed", "error", err)
	}
}

// routeCall resolves the target backend for a tools/call. "backendId.tool"
// addresses a backend directly; bare names go through the routing table.
func (m *Multi) routeCall(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidParams, "invalid tools/call params", nil), nil
	}

	if prefix, rest, found := strings.Cut(params.Name, "."); found {
		if b, ok := m.backends[prefix]; ok {
			stripped, err := rewriteToolName(req, rest)
			if err != nil {
				return nil, err
			}
			return b.Forward(ctx, stripped)
		}
	}

	m.mu.RLock()
	id, ok := m.routes[params.Name]
	m.mu.RUnlock()
	if !ok {
		// The table may be stale; rebuild once before giving up.
		m.refreshRoutes(ctx)
		m.mu.RLock()
		id, ok = m.routes[params.Name]
		m.mu.RUnlock()
	}
	if !ok {
		return nil, ErrUnknownTool
	}
	return m.backends[id].Forward(ctx, req)
}

// rewriteToolName clones the request with the tool name replaced, leaving
// arguments untouched.
func rewriteToolName(req *mcp.Request, name string) (*mcp.Request, error) {
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, err
	}
	params.Name = name
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	out := *req
	out.Params = raw
	return &out, nil
}

// Route exposes the resolved backend for a tool, for status endpoints.
func (m *Multi) Route(tool string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.routes[tool]
	return id, ok
}
