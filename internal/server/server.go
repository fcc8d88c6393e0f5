// Package server exposes the embedding service over HTTP.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/batch-embedder/internal/config"
	"github.com/raaihank/batch-embedder/internal/embeddings"
	"github.com/raaihank/batch-embedder/internal/logger"
	"github.com/raaihank/batch-embedder/internal/metrics"
)

// Version is reported by /info and /health
var Version = "0.1.0"

// Embedder is the submission facade the handlers call
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	HiddenSize() int
	Stats() embeddings.ServiceStats
}

// Options carries optional collaborators
type Options struct {
	// Metrics enables /metrics and per-request instrumentation when set
	Metrics *metrics.Collector
	// Stream is mounted at the websocket path when set
	Stream http.Handler
	// ModelName is reported by /info
	ModelName string
}

// Server represents the HTTP embedding server
type Server struct {
	config    *config.Config
	logger    *logger.Logger
	service   Embedder
	options   Options
	limiter   *RateLimiter
	router    *mux.Router
	server    *http.Server
	startTime time.Time
}

// New creates a new HTTP server instance
func New(cfg *config.Config, log *logger.Logger, service Embedder, options Options) *Server {
	s := &Server{
		config:    cfg,
		logger:    log.WithComponent("http"),
		service:   service,
		options:   options,
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}

	if cfg.Server.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.Server.RateLimit)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.HTTPPort)),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	if s.options.Metrics != nil {
		s.router.Use(s.metricsMiddleware)
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet).Name("health")
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet).Name("info")
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet).Name("stats")

	if s.options.Metrics != nil {
		s.router.Handle(s.config.Metrics.Path, metrics.NewHandler(s.options.Metrics, s.logger.Logger)).
			Methods(http.MethodGet).Name("metrics")
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	if s.limiter != nil {
		api.Use(s.rateLimitMiddleware)
	}
	api.HandleFunc("/embed", s.handleEmbed).Methods(http.MethodPost).Name("embed")

	if s.options.Stream != nil && s.config.WebSocket.Enabled {
		s.router.Handle(s.config.WebSocket.Path, s.options.Stream).Methods(http.MethodGet).Name("stream")
	}
}

// Handler returns the root handler, for embedding in tests or other servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP embedding server",
		zap.String("addr", s.server.Addr),
		zap.Bool("rate_limit", s.limiter != nil),
		zap.Bool("metrics", s.options.Metrics != nil),
	)

	if s.limiter != nil {
		s.limiter.StartCleanupRoutine(30 * time.Minute)
	}

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP embedding server")
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.server.Shutdown(ctx)
}
