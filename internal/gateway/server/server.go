// Package server provides the inbound HTTP API for the gateway:
// OpenAI-style generation endpoints, model listing, health reporting,
// the admin backend API, and the Prometheus metrics endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/gengw/internal/circuitbreaker"
	"github.com/vyrodovalexey/gengw/internal/config"
	"github.com/vyrodovalexey/gengw/internal/gateway/backend"
	"github.com/vyrodovalexey/gengw/internal/gateway/dispatch"
	"github.com/vyrodovalexey/gengw/internal/observability"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race
// conditions across servers.
var ginModeOnce sync.Once

// defaultMetricsPath serves Prometheus metrics unless overridden.
const defaultMetricsPath = "/metrics"

// Server is the gateway HTTP server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	cfg        *config.GatewayConfig
	registry   *backend.Registry
	breakers   *circuitbreaker.Registry
	dispatcher *dispatch.Router
	logger     observability.Logger

	apiKey string

	mu      sync.Mutex
	running bool
}

// Option is a functional option for the server.
type Option func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates the gateway HTTP server and registers all routes.
func New(
	cfg *config.GatewayConfig,
	registry *backend.Registry,
	breakers *circuitbreaker.Registry,
	dispatcher *dispatch.Router,
	opts ...Option,
) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:     gin.New(),
		cfg:        cfg,
		registry:   registry,
		breakers:   breakers,
		dispatcher: dispatcher,
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Auth.Enabled {
		s.apiKey = s.resolveAPIKey()
	}

	s.engine.Use(requestID())
	s.engine.Use(recovery(s.logger))
	s.engine.Use(accessLog(s.logger))
	if cfg.RateLimit.Enabled {
		s.engine.Use(rateLimit(cfg.RateLimit))
	}
	if cfg.Auth.Enabled {
		s.engine.Use(apiKeyAuth(s.apiKey))
	}

	s.registerRoutes()
	return s
}

// resolveAPIKey returns the gateway key from the environment or config,
// generating one when neither is set.
func (s *Server) resolveAPIKey() string {
	if s.cfg.Auth.APIKeyEnv != "" {
		if key := os.Getenv(s.cfg.Auth.APIKeyEnv); key != "" {
			return key
		}
	}
	if s.cfg.Auth.APIKey != "" {
		return s.cfg.Auth.APIKey
	}

	key := uuid.NewString()
	s.logger.Warn("no gateway API key configured, generated one",
		observability.String("api_key", key),
	)
	return key
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	if s.cfg.Observability.Metrics.Enabled {
		path := s.cfg.Observability.Metrics.Path
		if path == "" {
			path = defaultMetricsPath
		}
		s.engine.GET(path, gin.WrapH(promhttp.Handler()))
	}

	v1 := s.engine.Group("/v1")
	v1.POST("/images/generations", s.handleGenerate(backend.CapabilityImage))
	v1.POST("/chat/completions", s.handleGenerate(backend.CapabilityText))
	v1.GET("/models", s.handleModels)

	admin := s.engine.Group("/admin")
	admin.GET("/backends", s.handleListBackends)
	admin.POST("/backends", s.handleAddBackend)
	admin.DELETE("/backends/:name", s.handleRemoveBackend)
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: s.cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:  s.cfg.Server.IdleTimeout.Duration(),
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
