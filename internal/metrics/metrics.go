// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxLabelSets bounds the number of distinct label combinations recorded per
// counter. Combinations beyond the cap are dropped silently so a caller
// cycling tool names cannot blow up the scrape payload.
const maxLabelSets = 10000

var (
	// ToolCallsTotal counts tool calls by tool and outcome.
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "tool_calls_total",
			Help:      "Total tool calls by tool and status.",
		},
		[]string{"tool", "status"},
	)

	// CreditsChargedTotal counts credits charged by tool.
	CreditsChargedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "credits_charged_total",
			Help:      "Total credits charged by tool.",
		},
		[]string{"tool"},
	)

	// DenialsTotal counts admission denials by reason.
	DenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "denials_total",
			Help:      "Total denied tool calls by reason.",
		},
		[]string{"reason"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paygate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RateLimitHitsTotal counts rate-limit denials by tool.
	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "rate_limit_hits_total",
			Help:      "Total rate-limited tool calls by tool.",
		},
		[]string{"tool"},
	)

	// RefundsTotal counts refunded credits by tool.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "refunds_total",
			Help:      "Total refunded tool calls by tool.",
		},
		[]string{"tool"},
	)

	// ActiveKeys tracks the number of usable API keys.
	ActiveKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paygate", Name: "active_keys_total",
		Help: "Number of active (usable) API keys.",
	})

	// ActiveSessions tracks live sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paygate", Name: "active_sessions_total",
		Help: "Number of live sessions.",
	})

	// TotalCreditsAvailable tracks the sum of credits across all keys.
	TotalCreditsAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paygate", Name: "total_credits_available",
		Help: "Sum of credits available across all keys.",
	})
)

var startTime = time.Now()

// UptimeSeconds reports seconds since process start.
var UptimeSeconds = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
	Namespace: "paygate", Name: "uptime_seconds",
	Help: "Seconds since the gateway started.",
}, func() float64 {
	return time.Since(startTime).Seconds()
})

func init() {
	prometheus.MustRegister(
		ToolCallsTotal,
		CreditsChargedTotal,
		DenialsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimitHitsTotal,
		RefundsTotal,
		ActiveKeys,
		ActiveSessions,
		TotalCreditsAvailable,
		UptimeSeconds,
	)
}

// labelGuard tracks distinct label sets per counter family.
var labelGuard = struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}{seen: make(map[string]map[string]struct{})}

// admitLabels returns false once a counter family has hit the cardinality cap
// and the combination is new.
func admitLabels(family, combo string) bool {
	labelGuard.mu.Lock()
	defer labelGuard.mu.Unlock()
	set, ok := labelGuard.seen[family]
	if !ok {
		set = make(map[string]struct{})
		labelGuard.seen[family] = set
	}
	if _, ok := set[combo]; ok {
		return true
	}
	if len(set) >= maxLabelSets {
		return false
	}
	set[combo] = struct{}{}
	return true
}

// ToolCall records a tool call outcome.
func ToolCall(tool, status string) {
	if !admitLabels("tool_calls", tool+"\x00"+status) {
		return
	}
	ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

// ChargeCredits records credits charged for a tool.
func ChargeCredits(tool string, credits int64) {
	if !admitLabels("credits_charged", tool) {
		return
	}
	CreditsChargedTotal.WithLabelValues(tool).Add(float64(credits))
}

// Denial records an admission denial.
func Denial(reason string) {
	DenialsTotal.WithLabelValues(reason).Inc()
}

// RateLimitHit records a rate-limit denial for a tool.
func RateLimitHit(tool string) {
	if !admitLabels("rate_limit_hits", tool) {
		return
	}
	RateLimitHitsTotal.WithLabelValues(tool).Inc()
}

// Refund records a refunded tool call.
func Refund(tool string) {
	if !admitLabels("refunds", tool) {
		return
	}
	RefundsTotal.WithLabelValues(tool).Inc()
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not raw path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
