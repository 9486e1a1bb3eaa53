package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/gate"
	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/mcp"
	"github.com/mbd888/paygate/internal/scopedtoken"
	"github.com/mbd888/paygate/internal/session"
)

const sessionHeader = "Mcp-Session-Id"

// handleMCPPost is the main JSON-RPC endpoint. Policy denials come back as
// HTTP 200 with a JSON-RPC error; only transport-level problems (oversized
// body, malformed HTTP) use HTTP status codes.
func (s *Server) handleMCPPost(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit),
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "read_error", "message": "Could not read request body"})
		return
	}

	var req mcp.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.respond(c, mcp.NewErrorResponse(nil, mcp.CodeParseError, "parse error", nil))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.respond(c, mcp.NewErrorResponse(req.ID, mcp.CodeInvalidRequest, "invalid request", nil))
		return
	}

	auth, denied := s.resolveAuth(c, req.ID)
	if denied != nil {
		s.applyCustomHeaders(c)
		s.respond(c, denied)
		return
	}

	s.correlateSession(c, auth.APIKey)

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.ForwardTimeout)
	defer cancel()

	res := s.gate.Handle(ctx, &req, auth)

	s.applyCustomHeaders(c)
	s.applyRateHeaders(c, res)

	if res.Response == nil {
		// Notification: accepted, nothing to say.
		c.Status(http.StatusAccepted)
		return
	}
	s.respond(c, res.Response)
}

// handleMCPGet opens a long-lived SSE stream for server-initiated
// notifications under an existing session.
func (s *Server) handleMCPGet(c *gin.Context) {
	id := c.GetHeader(sessionHeader)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_session",
			"message": "Mcp-Session-Id header is required for the notification stream",
		})
		return
	}

	conn, err := s.sessions.Attach(id)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_session"})
		case errors.Is(err, session.ErrTooManyConns):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_streams"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	c.Header(sessionHeader, id)
	s.sessions.ServeSSE(c.Writer, c.Request, conn)
}

// handleMCPDelete terminates a session, closing its SSE streams.
func (s *Server) handleMCPDelete(c *gin.Context) {
	id := c.GetHeader(sessionHeader)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_session"})
		return
	}
	s.sessions.Destroy(id)
	c.Status(http.StatusNoContent)
}

// resolveAuth unifies the three caller credentials: X-API-Key, scoped
// bearer tokens, and OAuth bearer tokens. A syntactically present but
// invalid token is rejected here; a missing credential flows through and is
// denied by the gate as invalid_api_key.
func (s *Server) resolveAuth(c *gin.Context, id json.RawMessage) (gate.Auth, *mcp.Response) {
	auth := gate.Auth{ClientIP: s.clientIP(c)}

	if key := c.GetHeader("X-API-Key"); key != "" {
		auth.APIKey = key
		return auth, nil
	}

	header := c.GetHeader("Authorization")
	if header == "" {
		return auth, nil
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

	switch {
	case strings.HasPrefix(token, scopedtoken.Prefix):
		claims, err := s.tokens.Validate(token)
		if err != nil {
			reason := "token_invalid"
			var verr *scopedtoken.ValidationError
			if errors.As(err, &verr) {
				reason = verr.Code
			}
			return auth, mcp.NewErrorResponse(id, mcp.CodePolicyDenied, reason, nil)
		}
		auth.APIKey = claims.APIKey
		auth.TokenScoped = true
		auth.TokenTools = claims.AllowedTools

	case strings.HasPrefix(token, "oat_"):
		apiKey, _, err := s.oauth.Validate(token)
		if err != nil {
			return auth, mcp.NewErrorResponse(id, mcp.CodePolicyDenied, "token_invalid", nil)
		}
		auth.APIKey = apiKey

	default:
		// Plain API key sent as a bearer credential.
		auth.APIKey = token
	}
	return auth, nil
}

// correlateSession binds the request to a session, creating one on first
// contact. The session id always comes back in the response headers.
func (s *Server) correlateSession(c *gin.Context, apiKey string) {
	id := c.GetHeader(sessionHeader)
	if id == "" || !s.sessions.Touch(id) {
		sess := s.sessions.Create(apiKey)
		id = sess.ID
	}
	c.Header(sessionHeader, id)
}

func (s *Server) applyCustomHeaders(c *gin.Context) {
	for name, value := range s.customHeaders {
		c.Header(name, value)
	}
}

// applyRateHeaders exposes the admission verdict's metering state.
func (s *Server) applyRateHeaders(c *gin.Context, res *gate.Result) {
	if res.Rate != nil {
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", res.RateLimit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Rate.Remaining))
		resetSec := (res.Rate.ResetInMs + 999) / 1000
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", resetSec))
	}
	if res.CreditsRemaining >= 0 {
		c.Header("X-Credits-Remaining", fmt.Sprintf("%d", res.CreditsRemaining))
	}
}

// respond negotiates the response framing: a one-event SSE stream when the
// client asked for text/event-stream, plain JSON otherwise.
func (s *Server) respond(c *gin.Context, resp *mcp.Response) {
	if !wantsSSE(c) {
		c.JSON(http.StatusOK, resp)
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		logging.L(c.Request.Context()).Error("response encode failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	fmt.Fprintf(c.Writer, "event: message\ndata: %s\n\n", payload)
	c.Writer.Flush()
}

func wantsSSE(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}
