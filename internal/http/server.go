// Package http provides the phasectl HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/logging"
	"github.com/fyrsmithlabs/phasectl/internal/orchestrator"
)

// maxBodyBytes bounds submitted run plans.
const maxBodyBytes = "4M"

// Runs is the part of the orchestrator the API drives.
type Runs interface {
	Submit(ctx context.Context, req orchestrator.RunRequest) (string, error)
	StartResume(ctx context.Context, runID string) error
	Status(ctx context.Context, runID string) (orchestrator.Status, error)
	Records(ctx context.Context, runID string) ([]audit.Record, error)
}

// Server serves the run submission API.
type Server struct {
	echo    *echo.Echo
	runs    Runs
	logger  *zap.Logger
	config  *Config
	metrics *requestMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// NewServer creates a new HTTP server.
func NewServer(runs Runs, logger *zap.Logger, cfg *Config) (*Server, error) {
	if runs == nil {
		return nil, fmt.Errorf("runs cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	s := &Server{
		echo:    e,
		runs:    runs,
		logger:  logger,
		config:  cfg,
		metrics: newRequestMetrics(logger),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodyBytes))
	e.Use(s.metrics.middleware())
	e.Use(requestLogger(logger))

	s.registerRoutes()
	return s, nil
}

// requestLogger logs each request and carries its ID in the request context.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleSubmit)
	v1.GET("/runs/:id", s.handleStatus)
	v1.POST("/runs/:id/resume", s.handleResume)
	v1.GET("/runs/:id/records", s.handleRecords)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
