package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	if New("", "text") == nil {
		t.Fatal("Expected non-nil logger")
	}

	debug := New("debug", "text")
	if !debug.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}

	errOnly := New("error", "json")
	if errOnly.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req_abc")
	if id := RequestID(ctx); id != "req_abc" {
		t.Errorf("Expected req_abc, got %q", id)
	}

	ctx = WithRequestID(ctx, "req_def")
	if id := RequestID(ctx); id != "req_def" {
		t.Errorf("Expected req_def, got %q", id)
	}
}

func TestLoggerFromContext(t *testing.T) {
	ctx := context.Background()

	if FromContext(ctx) == nil {
		t.Fatal("Expected default logger")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	if FromContext(ctx) != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))

	if L(ctx) == nil {
		t.Fatal("Expected non-nil logger from L()")
	}
	if L(WithRequestID(ctx, "req_1")) == nil {
		t.Fatal("Expected non-nil logger with request id")
	}
}
