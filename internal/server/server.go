// Package server is the HTTP front door: endpoint dispatch, auth extraction,
// session correlation, SSE framing, and response headers. All admission and
// billing decisions live in the gate; the server only translates between
// HTTP and the pipeline.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/audit"
	"github.com/mbd888/paygate/internal/config"
	"github.com/mbd888/paygate/internal/gate"
	"github.com/mbd888/paygate/internal/idgen"
	"github.com/mbd888/paygate/internal/keystore"
	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/metrics"
	"github.com/mbd888/paygate/internal/oauth"
	"github.com/mbd888/paygate/internal/proxy"
	"github.com/mbd888/paygate/internal/quota"
	"github.com/mbd888/paygate/internal/ratelimit"
	"github.com/mbd888/paygate/internal/redissync"
	"github.com/mbd888/paygate/internal/scopedtoken"
	"github.com/mbd888/paygate/internal/security"
	"github.com/mbd888/paygate/internal/session"
	"github.com/mbd888/paygate/internal/usage"
	"github.com/mbd888/paygate/internal/validation"
	"github.com/mbd888/paygate/internal/webhooks"
)

// lowCreditsThreshold is the balance at or below which a credits.low webhook
// fires after a charge.
const lowCreditsThreshold = 10

// Server wraps the HTTP server and the gateway's long-lived components.
type Server struct {
	cfg      *config.Config
	keys     *keystore.Store
	tokens   *scopedtoken.Manager
	oauth    *oauth.Provider
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	backend  proxy.Backend
	gate     *gate.Gate
	usageLog *usage.Log
	audit    *audit.Trail
	hooks    *webhooks.Dispatcher
	emitter  *webhooks.Emitter
	sync     *redissync.Sync

	customHeaders map[string]string
	trusted       []trustedEntry

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	// Health state
	ready       atomic.Bool
	healthy     atomic.Bool
	draining    atomic.Bool
	maintenance atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBackend injects a backend, bypassing proxy construction (for testing).
func WithBackend(b proxy.Backend) Option {
	return func(s *Server) {
		s.backend = b
	}
}

// New creates a server instance with all components wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	tracker := quota.NewTracker(quota.Limits{
		DailyCalls:     cfg.QuotaDailyCalls,
		MonthlyCalls:   cfg.QuotaMonthlyCalls,
		DailyCredits:   cfg.QuotaDailyCredits,
		MonthlyCredits: cfg.QuotaMonthlyCredits,
	})
	s.keys = keystore.New(tracker)
	if cfg.SnapshotPath != "" {
		if err := s.keys.Load(cfg.SnapshotPath); err != nil {
			return nil, fmt.Errorf("failed to load key snapshot: %w", err)
		}
		s.logger.Info("key snapshot loaded", "path", cfg.SnapshotPath)
	}

	s.tokens = scopedtoken.NewManager(cfg.TokenSecret)

	s.oauth = oauth.NewProvider()
	if path := s.oauthSnapshotPath(); path != "" {
		if err := s.oauth.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load oauth snapshot: %w", err)
		}
	}

	s.limiter = ratelimit.New()
	s.sessions = session.NewManager(s.logger, cfg.MaxSessions, cfg.SessionTimeout)
	s.usageLog = usage.NewLog(usage.DefaultCapacity)
	s.audit = audit.NewTrail(5000, 7*24*time.Hour)

	s.hooks = webhooks.NewDispatcher(webhooks.NewMemoryStore(), s.logger)
	s.emitter = webhooks.NewEmitter(s.hooks)

	if s.backend == nil {
		backend, err := proxy.New(cfg, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build backend proxy: %w", err)
		}
		s.backend = backend
	}

	gateOpts := []gate.Option{gate.WithEmitter(s.emitter)}
	if cfg.RedisURL != "" {
		sync, err := redissync.New(cfg.RedisURL, s.keys, s.tokens, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to configure redis sync: %w", err)
		}
		s.sync = sync
		gateOpts = append(gateOpts, gate.WithCreditSyncer(sync))
	}

	s.gate = gate.New(cfg, s.keys, s.limiter, s.backend, s.usageLog, s.logger, gateOpts...)
	s.gate.OnCharge = s.onCharge
	s.gate.OnDeny = s.onDeny
	s.keys.OnAutoTopup = s.onAutoTopup

	headers, rejected := validation.FilterHeaders(cfg.CustomHeaders)
	for _, name := range rejected {
		s.logger.Warn("dropping invalid custom header", "name", name)
	}
	s.customHeaders = headers

	s.trusted = parseTrusted(cfg.TrustedProxies)
	s.maintenance.Store(cfg.MaintenanceMode)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// onCharge fires the low-balance webhook once the balance crosses the
// threshold.
func (s *Server) onCharge(apiKey, tool string, credits int64) {
	rec := s.keys.GetRaw(apiKey)
	if rec != nil && rec.Credits <= lowCreditsThreshold {
		s.emitter.EmitCreditsLow(rec.Namespace, apiKey, rec.Credits)
	}
}

// onAutoTopup pushes an automatic refill into the shared Redis balance and
// announces it. Without the INCRBY the shared counter would stay exhausted
// while the local record shows credits.
func (s *Server) onAutoTopup(key string, amount, newBalance int64) {
	if s.sync != nil {
		if err := s.sync.AddCredits(context.Background(), key, amount); err != nil {
			s.logger.Warn("auto-topup not mirrored to redis", "key", key, "error", err)
		}
	}
	ns := ""
	if rec := s.keys.GetRaw(key); rec != nil {
		ns = rec.Namespace
	}
	s.emitter.EmitTopup(ns, key, amount, newBalance, true)
}

// onDeny surfaces quota exhaustion as its own webhook type; other denials
// are already emitted as call.denied by the gate.
func (s *Server) onDeny(apiKey, tool, reason string) {
	switch reason {
	case quota.ReasonDailyCalls, quota.ReasonMonthlyCalls,
		quota.ReasonDailyCredits, quota.ReasonMonthlyCredits:
		ns := ""
		if rec := s.keys.GetRaw(apiKey); rec != nil {
			ns = rec.Namespace
		}
		s.emitter.EmitQuotaExceeded(ns, apiKey, reason)
	}
}

func (s *Server) oauthSnapshotPath() string {
	if s.cfg.SnapshotPath == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(s.cfg.SnapshotPath), "paygate-oauth.json")
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-Id", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", s.clientIP(c),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// mcpGuard rejects traffic while draining or in maintenance mode.
func (s *Server) mcpGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.draining.Load() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "draining",
				"message": "Server is shutting down",
			})
			return
		}
		if s.maintenance.Load() {
			c.String(http.StatusServiceUnavailable, s.cfg.MaintenanceBody)
			c.Abort()
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/livez", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/.well-known/mcp-payment", s.wellKnownHandler)
	s.router.GET("/pricing", s.pricingHandler)

	mcpRoutes := s.router.Group("/mcp")
	mcpRoutes.Use(s.mcpGuard())
	{
		mcpRoutes.POST("", s.handleMCPPost)
		mcpRoutes.GET("", s.handleMCPGet)
		mcpRoutes.DELETE("", s.handleMCPDelete)
	}
}

// -----------------------------------------------------------------------------
// Client IP resolution
// -----------------------------------------------------------------------------

type trustedEntry struct {
	ip   net.IP
	cidr *net.IPNet
}

func parseTrusted(entries []string) []trustedEntry {
	var out []trustedEntry
	for _, e := range entries {
		if _, cidr, err := net.ParseCIDR(e); err == nil {
			out = append(out, trustedEntry{cidr: cidr})
			continue
		}
		if ip := net.ParseIP(e); ip != nil {
			out = append(out, trustedEntry{ip: ip})
		}
	}
	return out
}

func (s *Server) isTrusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, t := range s.trusted {
		if t.cidr != nil && t.cidr.Contains(ip) {
			return true
		}
		if t.ip != nil && t.ip.Equal(ip) {
			return true
		}
	}
	return false
}

// clientIP resolves the caller address. When the direct peer is a trusted
// proxy, X-Forwarded-For is walked right to left and the first untrusted hop
// wins; otherwise the socket address is authoritative and the header is
// ignored (it is client-controlled).
func (s *Server) clientIP(c *gin.Context) string {
	remote := c.Request.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if len(s.trusted) == 0 || !s.isTrusted(remote) {
		return remote
	}

	xff := c.GetHeader("X-Forwarded-For")
	if xff == "" {
		return remote
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !s.isTrusted(hop) {
			return hop
		}
	}
	return remote
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and all background tasks, blocking until a
// shutdown signal or a fatal server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if err := s.backend.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start backend: %w", err)
	}

	if s.sync != nil {
		if err := s.sync.Start(runCtx); err != nil {
			s.logger.Warn("redis sync unavailable, continuing with local state", "error", err)
		}
	}

	go s.sessions.Run(runCtx)
	go s.hooks.Run(runCtx)
	go s.statsLoop(runCtx)
	if s.cfg.SnapshotPath != "" {
		go s.keys.StartFlusher(runCtx, s.cfg.SnapshotPath, s.cfg.SnapshotFlush, func(err error) {
			s.logger.Error("snapshot flush failed", "error", err)
		})
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      0, // SSE streams stay open indefinitely
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "backend", s.cfg.BackendMode)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown drains in-flight requests, then stops background tasks in
// deterministic order: HTTP drain, sweeper and flusher, final snapshots,
// redis subscriber, backend proxies.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.draining.Store(true)
	s.logger.Info("starting graceful shutdown")

	var firstErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http drain error", "error", err)
			firstErr = err
		}
	}

	// Stops the session sweeper (destroying live sessions and their SSE
	// streams), the webhook queue, and the snapshot flusher's final write.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.cfg.SnapshotPath != "" {
		if err := s.keys.Save(s.cfg.SnapshotPath); err != nil {
			s.logger.Error("final snapshot failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := s.oauth.Save(s.oauthSnapshotPath()); err != nil {
			s.logger.Error("oauth snapshot failed", "error", err)
		}
	}

	if s.sync != nil {
		if err := s.sync.Stop(); err != nil {
			s.logger.Warn("redis sync stop", "error", err)
		}
	}
	if err := s.backend.Stop(); err != nil {
		s.logger.Warn("backend stop", "error", err)
	}
	s.limiter.Stop()

	s.logger.Info("shutdown complete")
	return firstErr
}

// statsLoop refreshes the key and credit gauges.
func (s *Server) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, active, credits := s.keys.Stats()
			metrics.ActiveKeys.Set(float64(active))
			metrics.TotalCreditsAvailable.Set(float64(credits))
		}
	}
}

// SetMaintenance toggles maintenance mode at runtime and records the change.
func (s *Server) SetMaintenance(on bool, actor string) {
	s.maintenance.Store(on)
	s.audit.Record(audit.Event{
		Action:  audit.ActionMaintenance,
		Actor:   actor,
		Subject: "gateway",
		Detail:  map[string]any{"enabled": on},
	})
	s.logger.Info("maintenance mode toggled", "enabled", on, "actor", actor)
}
