// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/lp-portfolio/internal/circuitbreaker"
	"github.com/lp-portfolio/internal/logging"
	"github.com/lp-portfolio/internal/metrics"
	"github.com/lp-portfolio/internal/querycache"
	"github.com/lp-portfolio/internal/types"
)

// Service interfaces for dependency injection and testing

// PortfolioQueries is the query layer the handlers read through
type PortfolioQueries interface {
	Get(ctx context.Context, key types.PortfolioKey) (*types.ResolutionOutcome, error)
	Peek(key types.PortfolioKey) querycache.State
	Subscribe(key types.PortfolioKey) (*querycache.Subscription, error)
	Invalidate(key types.PortfolioKey)
	Stats() querycache.Stats
}

// BreakerStatsSource reports per-endpoint circuit breaker state
type BreakerStatsSource interface {
	BreakerStats() []*circuitbreaker.Stats
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	queries    PortfolioQueries
	monitor    *metrics.Monitor
	prom       *metrics.Prometheus
	breakers   BreakerStatsSource
	config     *ServerConfig
	logger     *logging.Logger
	startedAt  time.Time

	closing   chan struct{} // closed on Shutdown to end open streams
	closeOnce sync.Once
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	RateLimitRPS      float64 // Per-client requests per second, 0 disables
	RateLimitBurst    int
	CORSOrigins       []string
	StreamHeartbeat   time.Duration // Interval between keep-alive comments on streams
}

// Dependencies are the collaborators the server exposes. Only Queries is
// required.
type Dependencies struct {
	Queries    PortfolioQueries
	Monitor    *metrics.Monitor
	Prometheus *metrics.Prometheus
	Breakers   BreakerStatsSource
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) *Server {
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = 10 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 120 * time.Second
	}
	if config.StreamHeartbeat <= 0 {
		config.StreamHeartbeat = 15 * time.Second
	}

	s := &Server{
		router:    mux.NewRouter(),
		queries:   deps.Queries,
		monitor:   deps.Monitor,
		prom:      deps.Prometheus,
		breakers:  deps.Breakers,
		config:    config,
		logger:    logging.GetGlobalLogger().Component("api"),
		startedAt: time.Now(),
		closing:   make(chan struct{}),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)

	// Order matters: the request ID must exist before anything logs.
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	if s.prom != nil {
		s.router.Use(MetricsMiddleware(s.prom))
	}
	s.router.Use(CORSMiddleware(s.config.CORSOrigins))
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	// No write timeout: position streams stay open.
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(s.config.Host, s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.prom != nil {
		s.router.Handle("/metrics", s.prom.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/portfolios/{key}/positions", s.handleGetPositions).Methods("GET", "OPTIONS")
	api.HandleFunc("/portfolios/{key}/stream", s.handleStreamPositions).Methods("GET", "OPTIONS")
	api.HandleFunc("/portfolios/{key}/cache", s.handleInvalidate).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Open streams are told to close
// so that they do not hold the shutdown until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	s.closeOnce.Do(func() { close(s.closing) })
	return s.httpServer.Shutdown(ctx)
}
