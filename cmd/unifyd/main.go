// Unifyd is the artifact unification daemon.
//
// It exposes the merge/analyze/fix pipeline over an HTTP API with SSE
// event streaming, publishes run lifecycle events to NATS (optionally
// embedded), and persists a reversible audit ledger per run.
//
// Configuration is loaded from an optional YAML file plus UNIFYD_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	unifyd
//
//	# Start with a config file
//	unifyd --config /etc/unifyd/config.yaml
//
//	# Serve the pipeline as MCP tools over stdio instead of HTTP
//	unifyd --stdio
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/unifyd/internal/config"
	"github.com/fyrsmithlabs/unifyd/internal/engine"
	"github.com/fyrsmithlabs/unifyd/internal/events"
	"github.com/fyrsmithlabs/unifyd/internal/httpapi"
	"github.com/fyrsmithlabs/unifyd/internal/logging"
	"github.com/fyrsmithlabs/unifyd/internal/run"
	"github.com/fyrsmithlabs/unifyd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	stdio := flag.Bool("stdio", false, "serve MCP tools over stdio instead of HTTP")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  unifyd            Start the unifyd daemon\n")
			fmt.Fprintf(os.Stderr, "  unifyd --stdio    Serve MCP tools over stdio\n")
			fmt.Fprintf(os.Stderr, "  unifyd version    Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx, *configPath, *stdio); err != nil {
		log.Fatalf("unifyd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("unifyd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// runDaemon wires configuration, telemetry, logging, the event bus,
// and the pipeline engine, then serves until the context is cancelled.
func runDaemon(ctx context.Context, configPath string, stdio bool) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting unifyd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("stdio", stdio),
		zap.String("ledger_dir", cfg.Ledger.Dir))

	bus, err := events.Connect(ctx, cfg.Events, logger)
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer bus.Close()

	eng, err := engine.NewEngine(cfg, run.NewStore(), bus.Publisher, logger)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer func() {
		_ = eng.Close()
	}()

	if stdio {
		return serveStdio(ctx, eng, logger)
	}
	return serveHTTP(ctx, cfg, eng, bus, logger)
}

// serveHTTP runs the HTTP API until the context is cancelled, then
// drains in-flight requests within the configured shutdown timeout.
func serveHTTP(ctx context.Context, cfg *config.Config, eng *engine.Engine, bus *events.Bus, logger *logging.Logger) error {
	srv, err := httpapi.NewServer(eng, bus.Conn(), cfg.Events.SubjectPrefix, cfg.Server, logger)
	if err != nil {
		return fmt.Errorf("init http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	timeout := cfg.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info(context.Background(), "shutdown complete")
	return nil
}

// initLogger builds the structured logger from the operator-facing
// logging section, routing to OTEL when both telemetry and the otel
// output are enabled.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	if cfg.Logging.Level != "" {
		level, err := logging.LevelFromString(cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		logCfg.Level = level
	}
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	logCfg.Output.OTEL = cfg.Logging.OTEL && tel.IsEnabled()

	return logging.NewLogger(logCfg, tel.LoggerProvider())
}

// initTelemetry maps the operator-facing telemetry section onto the
// full telemetry config and starts the providers.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.ServiceName != "" {
		telCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telCfg.ServiceVersion = version
	if cfg.Telemetry.Endpoint != "" {
		telCfg.Endpoint = cfg.Telemetry.Endpoint
	}
	if cfg.Telemetry.Protocol != "" {
		telCfg.Protocol = cfg.Telemetry.Protocol
	}
	telCfg.Insecure = cfg.Telemetry.Insecure
	if cfg.Telemetry.SampleRatio > 0 {
		telCfg.Sampling.Rate = cfg.Telemetry.SampleRatio
	}
	if cfg.Telemetry.ExportPeriod.Duration() > 0 {
		telCfg.Metrics.ExportInterval = cfg.Telemetry.ExportPeriod
	}

	return telemetry.New(ctx, telCfg)
}
