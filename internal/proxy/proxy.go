// Package proxy forwards JSON-RPC requests to the MCP backend(s) the
// gateway fronts. Three shapes are supported: a child process speaking
// newline-delimited JSON-RPC over stdio, a remote HTTP endpoint, and a
// multi-backend router that dispatches per tool.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/paygate/internal/config"
	"github.com/mbd888/paygate/internal/mcp"
)

var (
	ErrBackendDown    = errors.New("proxy: backend is not running")
	ErrUnknownTool    = errors.New("proxy: no backend serves this tool")
	ErrUnknownBackend = errors.New("proxy: unknown backend id")
)

// Backend is the forwarding contract. Forward returns (nil, nil) for
// notifications, which have no response.
type Backend interface {
	Start(ctx context.Context) error
	Stop() error
	Forward(ctx context.Context, req *mcp.Request) (*mcp.Response, error)
	Running() bool
}

// backendSpec is one entry in the BACKENDS JSON for multi mode.
type backendSpec struct {
	ID      string   `json:"id"`
	Mode    string   `json:"mode"` // "stdio" or "http"
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// New builds the backend described by the config.
func New(cfg *config.Config, logger *slog.Logger) (Backend, error) {
	switch cfg.BackendMode {
	case "stdio":
		return NewStdio(cfg.BackendCommand, cfg.BackendArgs, logger), nil
	case "http":
		return NewHTTP(cfg.BackendURL, cfg.ForwardTimeout, logger), nil
	case "multi":
		var specs []backendSpec
		if err := json.Unmarshal([]byte(cfg.Backends), &specs); err != nil {
			return nil, fmt.Errorf("proxy: parse BACKENDS: %w", err)
		}
		backends := make(map[string]Backend, len(specs))
		order := make([]string, 0, len(specs))
		for _, spec := range specs {
			if spec.ID == "" {
				return nil, fmt.Errorf("proxy: backend spec missing id")
			}
			if _, dup := backends[spec.ID]; dup {
				return nil, fmt.Errorf("proxy: duplicate backend id %q", spec.ID)
			}
			switch spec.Mode {
			case "stdio":
				if spec.Command == "" {
					return nil, fmt.Errorf("proxy: backend %q missing command", spec.ID)
				}
				backends[spec.ID] = NewStdio(spec.Command, spec.Args, logger.With("backend", spec.ID))
			case "http":
				if spec.URL == "" {
					return nil, fmt.Errorf("proxy: backend %q missing url", spec.ID)
				}
				backends[spec.ID] = NewHTTP(spec.URL, cfg.ForwardTimeout, logger.With("backend", spec.ID))
			default:
				return nil, fmt.Errorf("proxy: backend %q has unsupported mode %q", spec.ID, spec.Mode)
			}
			order = append(order, spec.ID)
		}
		return NewMulti(backends, order, logger), nil
	default:
		return nil, fmt.Errorf("proxy: unsupported backend mode %q", cfg.BackendMode)
	}
}
