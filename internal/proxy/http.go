package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mbd888/paygate/internal/mcp"
	"github.com/mbd888/paygate/internal/traces"
)

// HTTP forwards requests to a remote MCP endpoint. A circuit breaker sits
// in front so a dead backend fails fast instead of tying up the forward
// timeout on every call.
type HTTP struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	running atomic.Bool
}

// NewHTTP creates an HTTP backend against the given base URL.
func NewHTTP(url string, timeout time.Duration, logger *slog.Logger) *HTTP {
	h := &HTTP{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
	h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mcp-backend",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("backend circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return h
}

func (h *HTTP) Start(ctx context.Context) error {
	h.running.Store(true)
	return nil
}

func (h *HTTP) Stop() error {
	h.running.Store(false)
	h.client.CloseIdleConnections()
	return nil
}

func (h *HTTP) Running() bool { return h.running.Load() }

// Forward POSTs the request and decodes the response. The outgoing request
// is built from scratch: nothing from the caller's HTTP request, in
// particular X-API-Key, ever reaches the backend.
func (h *HTTP) Forward(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	if !h.running.Load() {
		return nil, ErrBackendDown
	}

	ctx, span := traces.StartSpan(ctx, "proxy.forward", traces.Method(req.Method))
	defer span.End()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("proxy: marshal request: %w", err)
	}

	out, err := h.breaker.Execute(func() (interface{}, error) {
		return h.post(ctx, payload)
	})
	if err != nil {
		return nil, err
	}

	if req.IsNotification() {
		return nil, nil
	}
	return out.(*mcp.Response), nil
}

func (h *HTTP) post(ctx context.Context, payload []byte) (*mcp.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("proxy: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("proxy: backend request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("proxy: backend returned status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusAccepted {
		// Notification accepted; nothing to decode.
		return nil, nil
	}

	var rpcResp mcp.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("proxy: decode backend response: %w", err)
	}
	return &rpcResp, nil
}
