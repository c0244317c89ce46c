// Package httpapi serves online prediction over HTTP for hosts that cannot
// load the C library.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/detectpipe/internal/analysis"
	"github.com/tphakala/detectpipe/internal/buildinfo"
	"github.com/tphakala/detectpipe/internal/conf"
	"github.com/tphakala/detectpipe/internal/logger"
	"github.com/tphakala/detectpipe/internal/observability"
)

// Server timeouts. Prediction requests may carry many images, so writes get
// more room than reads.
const (
	ReadTimeout  = 30 * time.Second
	WriteTimeout = 2 * time.Minute
	IdleTimeout  = 2 * time.Minute
)

// Route paths.
const (
	RouteHealth  = "/health"
	RoutePredict = "/api/v1/predict"
	RouteMetrics = "/metrics"
)

// Server is the prediction HTTP server.
type Server struct {
	echo      *echo.Echo
	settings  *conf.Settings
	runner    *analysis.Runner
	metrics   *observability.Metrics
	build     *buildinfo.Context
	log       logger.Logger
	startTime time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithRunner sets the runner used for predictions.
func WithRunner(r *analysis.Runner) Option {
	return func(s *Server) {
		s.runner = r
	}
}

// WithMetrics records request metrics and exposes /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithBuildInfo sets the version reported by /health.
func WithBuildInfo(b *buildinfo.Context) Option {
	return func(s *Server) {
		s.build = b
	}
}

// New creates a server for settings.
func New(settings *conf.Settings, opts ...Option) *Server {
	s := &Server{
		settings:  settings,
		log:       GetLogger(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runner == nil {
		var runnerOpts []analysis.Option
		if s.metrics != nil {
			runnerOpts = append(runnerOpts, analysis.WithMetrics(s.metrics.Pipeline))
		}
		s.runner = analysis.NewRunner(runnerOpts...)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = ReadTimeout
	s.echo.Server.WriteTimeout = WriteTimeout
	s.echo.Server.IdleTimeout = IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// recovery first
	s.echo.Use(echomw.Recover())
	s.echo.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	s.echo.Use(s.requestLogger())
	if s.metrics != nil {
		s.echo.Use(s.metricsMiddleware())
	}
	if mb := s.settings.Server.MaxUploadMB; mb > 0 {
		s.echo.Use(echomw.BodyLimit(fmt.Sprintf("%dM", mb)))
	}
}

func (s *Server) setupRoutes() {
	s.echo.GET(RouteHealth, s.healthCheck)
	s.echo.POST(RoutePredict, s.predict)
	if s.metrics != nil {
		s.echo.GET(RouteMetrics, echo.WrapHandler(s.metrics.Handler()))
	}
}

// requestLogger logs one line per request through the module logger.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomw.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.String("request_id", v.RequestID),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			s.log.Info("request", fields...)
			return nil
		},
	})
}

// metricsMiddleware records count, latency and upload size per route.
func (s *Server) metricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			code := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				code = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			s.metrics.HTTP.RecordRequest(route, code, time.Since(start).Seconds(), max(0, c.Request().ContentLength))
			return err
		}
	}
}

// healthCheck reports liveness and build information.
func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.build.GetVersion(),
		"build_date":     s.build.GetBuildDate(),
		"backend":        s.settings.Predict.Backend,
		"infer_fn":       s.settings.Predict.InferFn,
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Serve accepts connections on ln until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.echo.Listener = ln
	s.log.Info("HTTP server starting", logger.String("address", ln.Addr().String()))
	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// ListenAndServe binds addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("HTTP server shutting down")
	err := s.echo.Shutdown(ctx)
	s.runner.Close()
	return err
}
