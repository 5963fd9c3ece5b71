// Package server exposes run control over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/fractal/internal/runstate"
)

// Config controls the HTTP listener.
type Config struct {
	Addr            string
	AllowOrigins    []string
	ShutdownTimeout time.Duration
	// Metrics serves promhttp at /metrics when set.
	Metrics bool
	// ManifestSecret signs GET /api/runs/:id/manifest. Empty disables it.
	ManifestSecret string
	// RunDefaults is the base that per-run config overrides are decoded onto.
	// Nil means runstate.DefaultConfig.
	RunDefaults *runstate.Config
}

// Server is the run control HTTP adapter.
type Server struct {
	cfg    Config
	echo   *echo.Echo
	logger *zap.Logger
}

// Option registers extra handlers before the server starts.
type Option func(*Server)

// WithOps mounts the operational endpoints under /api/ops.
func WithOps(h *OpsHandler) Option {
	return func(s *Server) {
		if h != nil {
			h.Register(s.echo.Group("/api/ops"))
		}
	}
}

// New builds the echo instance with the run routes mounted under /api/runs.
func New(cfg Config, runs Runs, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(echo.WrapMiddleware(otelhttp.NewMiddleware("fractal.http")))
	e.HTTPErrorHandler = errorHandler(logger)
	if len(cfg.AllowOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderContentType},
		}))
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if cfg.Metrics {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
	defaults := runstate.DefaultConfig()
	if cfg.RunDefaults != nil {
		defaults = *cfg.RunDefaults
	}
	NewRunsHandler(runs, defaults, logger).
		WithManifestSecret(cfg.ManifestSecret).
		Register(e.Group("/api/runs"))

	s := &Server{cfg: cfg, echo: e, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Addr == "" {
		return fmt.Errorf("server address is required")
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
		errCh <- s.echo.Start(s.cfg.Addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}

// errorHandler writes {"error": msg} and logs server-side failures.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		fields := []zap.Field{
			zap.Int("status", code),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Error(err),
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
		} else {
			logger.Debug("request rejected", fields...)
		}
		if !c.Response().Committed {
			if req.Method == http.MethodHead {
				_ = c.NoContent(code)
				return
			}
			_ = c.JSON(code, map[string]string{"error": msg})
		}
	}
}
