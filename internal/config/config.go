// Package config handles gateway configuration from environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Backend settings
	BackendMode    string   // "stdio", "http", or "multi"
	BackendCommand string   // stdio: executable to spawn
	BackendArgs    []string // stdio: arguments
	BackendURL     string   // http: base URL
	Backends       string   // multi: JSON list of {id, mode, command/url}

	// Pricing
	DefaultPrice int64            // credits per call
	PerKBRate    int64            // extra credits per KiB of arguments
	ToolPrices   map[string]int64 // per-tool base price overrides

	// Policy
	GlobalRateLimitPerMin int
	ToolRateLimits        map[string]int // per-tool per-minute limits
	QuotaDailyCalls       int64
	QuotaMonthlyCalls     int64
	QuotaDailyCredits     int64
	QuotaMonthlyCredits   int64
	RefundOnFailure       bool
	ShadowMode            bool
	FreeMethods           []string

	// Security
	TokenSecret    string // HMAC secret for scoped tokens
	TrustedProxies []string
	AllowedOrigins []string
	CustomHeaders  map[string]string // extra response headers on /mcp

	// Sessions
	SessionTimeout time.Duration
	MaxSessions    int

	// Persistence
	SnapshotPath  string
	SnapshotFlush time.Duration

	// Redis (optional distributed state mirror)
	RedisURL string

	// Timeouts
	ForwardTimeout  time.Duration
	DrainTimeout    time.Duration
	MaintenanceMode bool
	MaintenanceBody string

	// Tracing
	OTLPEndpoint string
}

// Defaults.
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultPriceCredits   = 1
	DefaultRateLimit      = 60
	DefaultSessionTimeout = 5 * time.Minute
	DefaultMaxSessions    = 1000
	DefaultSnapshotFlush  = 5 * time.Second
	DefaultForwardTimeout = 30 * time.Second
	DefaultDrainTimeout   = 15 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		BackendMode:           getEnv("BACKEND_MODE", "http"),
		BackendCommand:        os.Getenv("BACKEND_COMMAND"),
		BackendArgs:           splitList(os.Getenv("BACKEND_ARGS")),
		BackendURL:            os.Getenv("BACKEND_URL"),
		Backends:              os.Getenv("BACKENDS"),
		DefaultPrice:          getEnvInt64("DEFAULT_PRICE", DefaultPriceCredits),
		PerKBRate:             getEnvInt64("PER_KB_RATE", 0),
		ToolPrices:            getEnvJSONInt64("TOOL_PRICES"),
		GlobalRateLimitPerMin: int(getEnvInt64("RATE_LIMIT_PER_MIN", DefaultRateLimit)),
		ToolRateLimits:        getEnvJSONInt("TOOL_RATE_LIMITS"),
		QuotaDailyCalls:       getEnvInt64("QUOTA_DAILY_CALLS", 0),
		QuotaMonthlyCalls:     getEnvInt64("QUOTA_MONTHLY_CALLS", 0),
		QuotaDailyCredits:     getEnvInt64("QUOTA_DAILY_CREDITS", 0),
		QuotaMonthlyCredits:   getEnvInt64("QUOTA_MONTHLY_CREDITS", 0),
		RefundOnFailure:       getEnvBool("REFUND_ON_FAILURE", true),
		ShadowMode:            getEnvBool("SHADOW_MODE", false),
		FreeMethods:           splitList(os.Getenv("FREE_METHODS")),
		TokenSecret:           os.Getenv("TOKEN_SECRET"),
		TrustedProxies:        splitList(os.Getenv("TRUSTED_PROXIES")),
		AllowedOrigins:        splitList(os.Getenv("ALLOWED_ORIGINS")),
		CustomHeaders:         getEnvJSONString("CUSTOM_HEADERS"),
		SessionTimeout:        getEnvDuration("SESSION_TIMEOUT", DefaultSessionTimeout),
		MaxSessions:           int(getEnvInt64("MAX_SESSIONS", DefaultMaxSessions)),
		SnapshotPath:          getEnv("SNAPSHOT_PATH", "paygate-keys.json"),
		SnapshotFlush:         getEnvDuration("SNAPSHOT_FLUSH", DefaultSnapshotFlush),
		RedisURL:              os.Getenv("REDIS_URL"),
		ForwardTimeout:        getEnvDuration("FORWARD_TIMEOUT", DefaultForwardTimeout),
		DrainTimeout:          getEnvDuration("DRAIN_TIMEOUT", DefaultDrainTimeout),
		MaintenanceMode:       getEnvBool("MAINTENANCE_MODE", false),
		MaintenanceBody:       getEnv("MAINTENANCE_BODY", "gateway is down for maintenance"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	switch c.BackendMode {
	case "stdio":
		if c.BackendCommand == "" {
			return fmt.Errorf("BACKEND_COMMAND is required for stdio mode")
		}
	case "http":
		if c.BackendURL == "" {
			return fmt.Errorf("BACKEND_URL is required for http mode")
		}
	case "multi":
		if c.Backends == "" {
			return fmt.Errorf("BACKENDS is required for multi mode")
		}
	default:
		return fmt.Errorf("BACKEND_MODE must be stdio, http, or multi (got %q)", c.BackendMode)
	}

	if c.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}
	if c.DefaultPrice < 0 {
		return fmt.Errorf("DEFAULT_PRICE must not be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvJSONInt64(key string) map[string]int64 {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var m map[string]int64
	if err := json.Unmarshal([]byte(value), &m); err != nil {
		return nil
	}
	return m
}

func getEnvJSONString(key string) map[string]string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(value), &m); err != nil {
		return nil
	}
	return m
}

func getEnvJSONInt(key string) map[string]int {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var m map[string]int
	if err := json.Unmarshal([]byte(value), &m); err != nil {
		return nil
	}
	return m
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
