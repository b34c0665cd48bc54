// Package httpapi exposes the pipeline over HTTP: run submission and
// inspection, conflict resolution, fix approval, report retrieval, and
// a per-run SSE event stream bridged from NATS.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/unifyd/internal/config"
	"github.com/fyrsmithlabs/unifyd/internal/engine"
	"github.com/fyrsmithlabs/unifyd/internal/logging"
)

// Server serves the HTTP API for one engine.
type Server struct {
	echo   *echo.Echo
	engine *engine.Engine
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
	cfg    config.ServerConfig
}

// NewServer builds the HTTP server. nc may be nil; the events endpoint
// then reports that streaming is unavailable.
func NewServer(eng *engine.Engine, nc *nats.Conn, subjectPrefix string, cfg config.ServerConfig, logger *logging.Logger) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		engine: eng,
		nc:     nc,
		prefix: subjectPrefix,
		logger: logger.Named("httpapi"),
		cfg:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/runs", s.handleCreateRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/conflicts/:conflictID/resolution", s.handleResolveConflict)
	v1.GET("/runs/:id/fixes", s.handleListFixes)
	v1.POST("/runs/:id/fixes/:fixID/approval", s.handleFixApproval)
	v1.GET("/runs/:id/report", s.handleReport)
	v1.GET("/runs/:id/events", s.handleEvents)
	v1.POST("/runs/:id/cancel", s.handleCancel)
	v1.POST("/runs/:id/archive", s.handleArchive)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// HealthResponse is the body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Runs   int    `json:"runs"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Runs:   s.engine.Store().Len(),
	})
}
