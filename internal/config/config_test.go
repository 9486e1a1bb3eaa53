package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "BACKEND_MODE", "http")
	setEnv(t, "BACKEND_URL", "http://localhost:3000")
	setEnv(t, "TOKEN_SECRET", "test-secret")
	setEnv(t, "PORT", "9090")
	setEnv(t, "TOOL_PRICES", `{"expensive_tool": 50}`)
	setEnv(t, "FREE_METHODS", "ping, echo")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(DefaultPriceCredits), cfg.DefaultPrice)
	assert.Equal(t, DefaultRateLimit, cfg.GlobalRateLimitPerMin)
	assert.Equal(t, int64(50), cfg.ToolPrices["expensive_tool"])
	assert.Equal(t, []string{"ping", "echo"}, cfg.FreeMethods)
	assert.Equal(t, DefaultForwardTimeout, cfg.ForwardTimeout)
}

func TestLoad_MissingTokenSecret(t *testing.T) {
	setEnv(t, "BACKEND_MODE", "http")
	setEnv(t, "BACKEND_URL", "http://localhost:3000")
	setEnv(t, "TOKEN_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid http config",
			config: Config{
				BackendMode: "http",
				BackendURL:  "http://localhost:3000",
				TokenSecret: "secret",
			},
			wantErr: "",
		},
		{
			name: "stdio without command",
			config: Config{
				BackendMode: "stdio",
				TokenSecret: "secret",
			},
			wantErr: "BACKEND_COMMAND is required",
		},
		{
			name: "http without url",
			config: Config{
				BackendMode: "http",
				TokenSecret: "secret",
			},
			wantErr: "BACKEND_URL is required",
		},
		{
			name: "multi without backends",
			config: Config{
				BackendMode: "multi",
				TokenSecret: "secret",
			},
			wantErr: "BACKENDS is required",
		},
		{
			name: "unknown backend mode",
			config: Config{
				BackendMode: "grpc",
				TokenSecret: "secret",
			},
			wantErr: "BACKEND_MODE must be",
		},
		{
			name: "negative default price",
			config: Config{
				BackendMode:  "http",
				BackendURL:   "http://localhost:3000",
				TokenSecret:  "secret",
				DefaultPrice: -1,
			},
			wantErr: "DEFAULT_PRICE must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DUR", time.Minute))
}

func TestGetEnvJSONString(t *testing.T) {
	setEnv(t, "TEST_HEADERS", `{"X-Env": "prod"}`)
	setEnv(t, "TEST_BAD_JSON", "{not json")

	assert.Equal(t, map[string]string{"X-Env": "prod"}, getEnvJSONString("TEST_HEADERS"))
	assert.Nil(t, getEnvJSONString("TEST_BAD_JSON"))
	assert.Nil(t, getEnvJSONString("NONEXISTENT_VAR"))
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList("a, b"))
	assert.Equal(t, []string{"a"}, splitList("a,,  ,"))
}
