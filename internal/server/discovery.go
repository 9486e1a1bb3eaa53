package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/mcp"
)

// metadata is the shared body of the payment discovery documents.
func (s *Server) metadata(toolCount int) gin.H {
	return gin.H{
		"specVersion":      "1.0",
		"billingModel":     "credits",
		"defaultPrice":     s.cfg.DefaultPrice,
		"perKbRate":        s.cfg.PerKBRate,
		"authMethods":      []string{"api_key", "scoped_token", "oauth2"},
		"paymentErrorCode": mcp.CodePaymentRequired,
		"pricingEndpoint":  "/pricing",
		"rateLimitPerMin":  s.cfg.GlobalRateLimitPerMin,
		"toolCount":        toolCount,
	}
}

// wellKnownHandler serves the payment discovery document. Public.
func (s *Server) wellKnownHandler(c *gin.Context) {
	tools := s.listTools(c.Request.Context())
	c.JSON(http.StatusOK, s.metadata(len(tools)))
}

// pricingHandler serves the metadata plus the per-tool price list. Public.
func (s *Server) pricingHandler(c *gin.Context) {
	tools := s.listTools(c.Request.Context())

	type toolPrice struct {
		Name    string `json:"name"`
		Credits int64  `json:"credits"`
	}
	prices := make([]toolPrice, 0, len(tools))
	for _, name := range tools {
		price := s.cfg.DefaultPrice
		if override, ok := s.cfg.ToolPrices[name]; ok {
			price = override
		}
		prices = append(prices, toolPrice{Name: name, Credits: price})
	}

	doc := s.metadata(len(tools))
	doc["tools"] = prices
	c.JSON(http.StatusOK, doc)
}

// listTools asks the backend for its tool names. Best effort: an unreachable
// backend yields an empty list, not an error, because discovery is public
// and must not leak backend health.
func (s *Server) listTools(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req := &mcp.Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`"pricing"`),
		Method:  mcp.MethodToolsList,
	}
	resp, err := s.backend.Forward(ctx, req)
	if err != nil || resp == nil || resp.Error != nil {
		return nil
	}

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil
	}
	names := make([]string, 0, len(result.Tools))
	for _, t := range result.Tools {
		names = append(names, t.Name)
	}
	return names
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.backend.Running() {
		checks["backend"] = "healthy"
	} else {
		checks["backend"] = "unhealthy"
	}

	// Redis degradation is reported but not fatal: admission falls back to
	// local state.
	if s.sync != nil {
		if s.sync.Healthy() {
			checks["redis"] = "healthy"
		} else {
			checks["redis"] = "degraded"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if checks["backend"] == "unhealthy" {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else if checks["redis"] == "degraded" {
		status = "degraded"
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"sessions":  s.sessions.Count(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() || s.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
