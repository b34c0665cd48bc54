package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fyrsmithlabs/unifyd/internal/engine"
	"github.com/fyrsmithlabs/unifyd/internal/logging"
	"github.com/fyrsmithlabs/unifyd/internal/mcp"
)

// serveStdio runs the pipeline as MCP tools over stdio. Logs go to the
// structured logger and startup notices to stderr; stdout carries the
// MCP protocol.
func serveStdio(ctx context.Context, eng *engine.Engine, logger *logging.Logger) error {
	logger.Info(ctx, "starting unifyd in MCP stdio mode")

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "unifyd",
		Version: version,
		Logger:  logger,
	}, eng)
	if err != nil {
		return fmt.Errorf("create mcp server: %w", err)
	}

	fmt.Fprintln(os.Stderr, "unifyd stdio mode started")

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("stdio server error: %w", err)
	}

	logger.Info(ctx, "stdio server shutdown complete")
	return nil
}
