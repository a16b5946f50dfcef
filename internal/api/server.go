// Package api serves the administrative operations over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steveyegge/dedup/internal/admin"
	"github.com/steveyegge/dedup/internal/metrics"
)

// BasePath is the prefix of every API route
const BasePath = "/api/v1"

const statusCacheKey = "status"

// Server manages the API routes and handlers
type Server struct {
	Echo  *echo.Echo
	Group *echo.Group

	service     *admin.Service
	metrics     *metrics.EngineMetrics
	logger      *slog.Logger
	statusCache *cache.Cache // Status is recomputed from the store at most once per TTL
}

// Option configures a Server
type Option func(*Server)

// WithMetrics exposes m on /metrics
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithStatusTTL sets how long /api/v1/status responses are cached
func WithStatusTTL(ttl time.Duration) Option {
	return func(s *Server) {
		s.statusCache = cache.New(ttl, 2*ttl)
	}
}

// New creates the echo instance and registers every route
func New(service *admin.Service, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		Echo:        e,
		service:     service,
		logger:      logger.With("component", "api"),
		statusCache: cache.New(10*time.Second, time.Minute),
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(s.requestLogger())

	e.GET("/healthz", s.Health)
	if reg := s.metrics.Registry(); reg != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		})))
	}

	s.Group = e.Group(BasePath)
	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	g := s.Group

	g.GET("/configs", s.ListConfigs)
	g.POST("/configs", s.CreateConfig)
	g.POST("/configs/apply", s.ApplyDefinitions)
	g.GET("/configs/:id", s.GetConfig)
	g.PUT("/configs/:id", s.UpdateConfig)
	g.DELETE("/configs/:id", s.DeleteConfig)
	g.GET("/configs/:id/groups", s.ListGroups)
	g.DELETE("/configs/:id/discarded", s.ForgetDiscarded)

	g.GET("/groups/:id", s.GetGroup)
	g.DELETE("/groups/:id", s.DiscardGroup)
	g.PUT("/groups/:id/master", s.SetMaster)
	g.POST("/groups/:id/records/:target/discard", s.DiscardRecord)
	g.POST("/groups/:id/merge", s.MergeGroup)

	g.POST("/runs", s.Run)
	g.GET("/events", s.ListEvents)
	g.GET("/status", s.Status)
}

// requestLogger logs one line per request at debug level, warn for server errors
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			s.logger.Log(c.Request().Context(), level, "request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"ip", c.RealIP())
			return nil
		},
	})
}

// Start listens on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("API listening", "addr", addr)
	if err := s.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}

// Health reports whether the group store answers
func (s *Server) Health(c echo.Context) error {
	if err := s.service.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Status returns store statistics and scheduler state
func (s *Server) Status(c echo.Context) error {
	if cached, ok := s.statusCache.Get(statusCacheKey); ok {
		return c.JSON(http.StatusOK, cached)
	}
	st, err := s.service.Status(c.Request().Context())
	if err != nil {
		return s.HandleError(c, err, "failed to load status")
	}
	s.statusCache.SetDefault(statusCacheKey, st)
	return c.JSON(http.StatusOK, st)
}
