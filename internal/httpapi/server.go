// Package httpapi implements the ancillary HTTP surface: a
// health/readiness endpoint pair for orchestrators, a Prometheus /metrics
// scrape target, and a debug lobby snapshot. Built on the same Echo server
// style used for a simpler /health+/api/state pair, extended with a
// readiness-aware variant plus a Prometheus handler.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"raceserver/internal/catalog"
	"raceserver/internal/registry"
)

// Readiness reports whether the process should be considered healthy by
// an external load balancer or orchestrator. Implemented by
// shutdown.Coordinator; defined here to avoid an import of that package
// (httpapi only needs the one method).
type Readiness interface {
	Ready() bool
}

// Server is the Echo application serving the debug/ops HTTP surface.
type Server struct {
	echo     *echo.Echo
	registry *registry.Registry
	catalog  *catalog.Catalog
	ready    Readiness
	metrics  http.Handler
}

// New constructs an Echo app with the health/ready/metrics/debug routes.
func New(reg *registry.Registry, cat *catalog.Catalog, ready Readiness, metricsHandler http.Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, registry: reg, catalog: cat, ready: ready, metrics: metricsHandler}
	s.registerRoutes()
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/health" || path == "/ready" || path == "/metrics" {
				slog.Debug("http request", "method", req.Method, "path", path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds())
			} else {
				slog.Info("http request", "method", req.Method, "path", path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds(), "remote", c.RealIP())
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/ready", s.handleReady)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}
	s.echo.GET("/api/lobby", s.handleLobby)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http api")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.registry.Count(),
	})
}

func (s *Server) handleReady(c echo.Context) error {
	if s.ready != nil && !s.ready.Ready() {
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "shutting down"})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ready"})
}

func (s *Server) handleLobby(c echo.Context) error {
	return c.JSON(http.StatusOK, s.catalog.ListLobbyState())
}
