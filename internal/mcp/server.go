// Package mcp exposes the pipeline to model-driven clients over the
// Model Context Protocol. Tools call the engine directly; there is no
// network hop between the MCP surface and the pipeline.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/unifyd/internal/engine"
	"github.com/fyrsmithlabs/unifyd/internal/logging"
)

// Server bridges MCP tool calls onto one engine.
type Server struct {
	mcp     *mcp.Server
	engine  *engine.Engine
	metrics *Metrics
	logger  *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "unifyd").
	Name string
	// Version is the server version (default: "1.0.0").
	Version string
	// Logger for structured logging.
	Logger *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "unifyd",
		Version: "1.0.0",
		Logger:  logging.NewNop(),
	}
}

// NewServer creates an MCP server over the given engine.
func NewServer(cfg *Config, eng *engine.Engine) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:     mcpServer,
		engine:  eng,
		metrics: NewMetrics(cfg.Logger),
		logger:  cfg.Logger.Named("mcp"),
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP on the stdio transport until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Close shuts down the engine behind the server.
func (s *Server) Close() error {
	s.logger.Info(context.Background(), "closing MCP server")
	if err := s.engine.Close(); err != nil {
		return fmt.Errorf("engine close: %w", err)
	}
	return nil
}
