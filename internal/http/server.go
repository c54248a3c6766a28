// Package http serves the attribution query and admin API.
package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/run-vibes/groove/internal/attribution"
	"github.com/run-vibes/groove/internal/logging"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration

	// AdminToken, when set, must be presented as a bearer token on
	// mutating routes.
	AdminToken string
}

// Querier is the read and operator-write surface the API exposes.
type Querier interface {
	Value(ctx context.Context, learningID string) (attribution.LearningValue, error)
	History(ctx context.Context, learningID string, limit int) ([]attribution.AttributionRecord, error)
	Experiment(ctx context.Context, learningID string) (*attribution.AblationExperiment, error)
	Errors(ctx context.Context, limit int) ([]attribution.ErrorRecord, error)
	Thresholds() attribution.Thresholds
	PutLearning(ctx context.Context, l attribution.Learning) error
	ShouldWithhold(ctx context.Context, learningID string, sc attribution.SessionContext) (bool, error)
	Reenable(ctx context.Context, learningID string) (attribution.LearningValue, *attribution.StatusTransition, error)
}

// Replayer reprocesses stored error records.
type Replayer interface {
	Replay(ctx context.Context, limit int) (attribution.ReplayReport, error)
}

// HealthCheck reports a dependency's health. A nil error is healthy.
type HealthCheck func(ctx context.Context) error

var _ Querier = (*attribution.QueryService)(nil)

// Server provides HTTP endpoints for groove.
type Server struct {
	echo     *echo.Echo
	query    Querier
	replayer Replayer
	checks   map[string]HealthCheck
	logger   *logging.Logger
	config   Config
}

// Option configures a Server.
type Option func(*Server)

// WithReplayer enables POST /v1/replay.
func WithReplayer(r Replayer) Option {
	return func(s *Server) { s.replayer = r }
}

// WithHealthCheck adds a named dependency to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// NewServer creates a new HTTP server.
func NewServer(query Querier, logger *logging.Logger, cfg Config, opts ...Option) (*Server, error) {
	if query == nil {
		return nil, fmt.Errorf("query service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7474"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.HTTPErrorHandler = errorHandler(e)

	s := &Server{
		echo:   e,
		query:  query,
		checks: make(map[string]HealthCheck),
		logger: logger,
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger.Underlying()).Middleware())
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

// requestLogger tags the request context with its id and logs completion.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		reqID := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.WithRequestID(c.Request().Context(), reqID)
		if id := c.Param("id"); id != "" {
			ctx = logging.WithLearningID(ctx, id)
		}
		c.SetRequest(c.Request().WithContext(logging.WithLogger(ctx, s.logger)))

		err := next(c)

		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			status, _ := statusFor(err)
			fields = append(fields, zap.Int("status", status), zap.Error(err))
			if status >= http.StatusInternalServerError {
				s.logger.Error(ctx, "http request failed", fields...)
				return err
			}
		} else {
			fields = append(fields, zap.Int("status", c.Response().Status))
		}
		s.logger.Info(ctx, "http request", fields...)
		return err
	}
}

// requireAdmin rejects mutating requests without the configured token.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.config.AdminToken == "" {
			return next(c)
		}
		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AdminToken)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "admin token required")
		}
		return next(c)
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.GET("/learnings/:id/value", s.handleValue)
	v1.GET("/learnings/:id/history", s.handleHistory)
	v1.GET("/learnings/:id/experiment", s.handleExperiment)
	v1.POST("/learnings/:id/withhold", s.handleWithhold)
	v1.GET("/errors", s.handleErrors)
	v1.GET("/thresholds", s.handleThresholds)

	admin := v1.Group("", s.requireAdmin)
	admin.PUT("/learnings/:id", s.handlePutLearning)
	admin.POST("/learnings/:id/reenable", s.handleReenable)
	admin.POST("/replay", s.handleReplay)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", s.config.Addr))
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// errorHandler maps engine errors onto status codes and renders
// {"error": "..."} bodies.
func errorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code, msg := statusFor(err)
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, ErrorResponse{Error: msg})
		}
		if err != nil {
			e.Logger.Error(err)
		}
	}
}

func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, fmt.Sprint(he.Message)
	}
	switch {
	case errors.Is(err, attribution.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, attribution.ErrInvalidEvent):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, attribution.ErrVersionConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, attribution.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
