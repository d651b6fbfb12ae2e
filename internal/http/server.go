// Package http serves health, status, Prometheus metrics and the streamable
// MCP endpoint for promptd.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/promptd/internal/framework"
	"github.com/fyrsmithlabs/promptd/internal/logging"
	"github.com/fyrsmithlabs/promptd/internal/registry"
)

// FrameworkSource exposes the framework decision state.
type FrameworkSource interface {
	Snapshot() framework.Snapshot
}

// RegistrySource exposes the loaded registry snapshot.
type RegistrySource interface {
	Snapshot() *registry.Snapshot
}

// Deps are the components the HTTP endpoints read from. Any of them may be
// nil; the matching part of the status response is then omitted.
type Deps struct {
	// MCP is mounted at /mcp when set.
	MCP       http.Handler
	Framework FrameworkSource
	Sessions  SessionLister
	Registry  RegistrySource
	Version   string
	// MeterProvider receives the request instruments. Nil uses the global
	// provider.
	MeterProvider metric.MeterProvider
}

// Server provides the HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *logging.Logger
	config  *Config
	metrics *RequestMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// RateLimit is the per-client request rate in requests per second.
	// Zero disables limiting.
	RateLimit float64
	Burst     int
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *logging.Logger, cfg *Config) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metrics := NewRequestMetrics(deps.MeterProvider, logger)

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})
	e.Use(metrics.Middleware())
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: func(c echo.Context) bool { return c.Path() == "/health" },
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(cfg.RateLimit),
				Burst:     burst,
				ExpiresIn: 3 * time.Minute,
			}),
		}))
	}

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)

	if s.deps.MCP != nil {
		s.echo.Any("/mcp", echo.WrapHandler(s.deps.MCP))
	}
}

// Echo returns the underlying router.
func (s *Server) Echo() *echo.Echo { return s.echo }

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStatus reports framework state, registry counts and stored sessions.
func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	resp := StatusResponse{
		Status:  "ok",
		Version: s.deps.Version,
	}

	if s.deps.Framework != nil {
		snap := s.deps.Framework.Snapshot()
		resp.Framework = &FrameworkStatus{
			Active:        snap.ActiveFramework,
			Enabled:       snap.FrameworkSystemEnabled,
			GatesEnabled:  snap.GateSystemEnabled,
			AdminOverride: snap.AdminOverride,
			Phase:         string(snap.Phase),
		}
	}

	if s.deps.Registry != nil {
		if snap := s.deps.Registry.Snapshot(); snap != nil {
			p, g, m := snap.Counts()
			resp.Registry = &RegistryCounts{Prompts: p, Gates: g, Methodologies: m}
		}
	}

	if s.deps.Sessions != nil {
		counts := CountSessions(ctx, s.deps.Sessions)
		if counts.Total < 0 {
			s.logger.Warn(ctx, "session counts unavailable")
			resp.Status = "degraded"
		}
		resp.Sessions = &counts
	}

	return c.JSON(http.StatusOK, resp)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := s.Addr()
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
