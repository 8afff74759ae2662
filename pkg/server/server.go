// Package server exposes the gateway over HTTP
package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/wehubfusion/Hermes/pkg/codec"
	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
	"github.com/wehubfusion/Hermes/pkg/gateway"
)

// Route prefixes
const (
	OpenAPIPrefix = "/agent-open-api"
	NamedPath     = "/HLOpenApi/Hjk"
)

// Dispatcher is what the server needs from the gateway
type Dispatcher interface {
	Dispatch(ctx context.Context, raw []byte, route string) ([]byte, error)
	DispatchNamed(ctx context.Context, method string, payload map[string]any) gateway.Result
}

// Config holds listener settings
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

// Server wraps an echo instance and its http.Server
type Server struct {
	cfg      Config
	echo     *echo.Echo
	http     *http.Server
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGatherer serves gatherer on /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New builds the router
func New(cfg Config, d Dispatcher, opts ...Option) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	s := &Server{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("hermes"))
	e.Use(s.requestLogger())
	if cfg.MaxBodyBytes > 0 {
		e.Use(bodyLimit(cfg.MaxBodyBytes))
	}

	h := &handlers{d: d, logger: s.logger}
	e.GET("/healthz", h.health)
	e.GET(NamedPath, h.health)
	e.POST(NamedPath, h.named)
	e.POST(OpenAPIPrefix+"/*", h.openAPI)
	if s.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	s.echo = e
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      e,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.echo }

// Start blocks until the listener stops. A graceful shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			s.logger.Info("request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("elapsed", time.Since(start)))
			return nil
		}
	}
}

func bodyLimit(n int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, n)
			return next(c)
		}
	}
}

type handlers struct {
	d      Dispatcher
	logger *zap.Logger
}

func (h *handlers) health(c echo.Context) error {
	return c.JSON(http.StatusOK, gateway.Ok(nil))
}

// openAPI dispatches the raw body to the workflow bound to the request path
func (h *handlers) openAPI(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	}

	out, err := h.d.Dispatch(c.Request().Context(), raw, c.Request().URL.Path)
	status := http.StatusOK
	if gwerrors.IsRouteNotFound(err) {
		status = http.StatusNotFound
	}
	return c.Blob(status, contentTypeOf(out), out)
}

// named handles the BusinessMethod envelope
func (h *handlers) named(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	}
	payload, err := codec.DecodeJSON(raw)
	if err != nil {
		return c.JSON(http.StatusBadRequest, gateway.Fail(err.Error()))
	}

	method, _ := payload["BusinessMethod"].(string)
	if method == "" {
		return c.JSON(http.StatusBadRequest, gateway.Fail("BusinessMethod is required"))
	}
	return c.JSON(http.StatusOK, h.d.DispatchNamed(c.Request().Context(), method, payload))
}

func contentTypeOf(body []byte) string {
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '<' {
		return echo.MIMEApplicationXMLCharsetUTF8
	}
	return echo.MIMEApplicationJSON
}
