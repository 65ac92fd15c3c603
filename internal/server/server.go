// Package server exposes the reconciled views over HTTP: filtered JSON
// endpoints, a WebSocket relay of live changes, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/riskwatch/internal/config"
	"github.com/mbd888/riskwatch/internal/health"
	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/ratelimit"
	"github.com/mbd888/riskwatch/internal/reconciliation"
	"github.com/mbd888/riskwatch/internal/relay"
)

// relayBuffer is the store subscription capacity for the relay.
const relayBuffer = 256

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg     *config.Config
	store   *reconciliation.Store
	hub     *relay.Hub
	health  *health.Registry
	limiter *ratelimit.Limiter
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger
	version string

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported by /v1/info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithHealth replaces the default health registry. The feed checkers are
// added to it either way.
func WithHealth(r *health.Registry) Option {
	return func(s *Server) {
		s.health = r
	}
}

// New creates a server that serves store.
func New(cfg *config.Config, store *reconciliation.Store, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = health.NewRegistry()
	}
	s.hub = relay.NewHub(logging.Component(s.logger, "relay"))
	s.registerChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// registerChecks adds push connectivity and poll freshness checks. A poll
// is stale after three missed intervals.
func (s *Server) registerChecks() {
	s.health.Register("push", health.Flag("push",
		func() bool { return s.store.Status().Connected },
		func() string {
			if e := s.store.Status().ConnError; e != "" {
				return e
			}
			return "not connected"
		}))
	s.health.Register("alerts", health.Freshness("alerts",
		func() time.Time { return s.store.Status().LastAlertsFetch },
		3*s.cfg.AlertsInterval()))
	s.health.Register("history", health.Freshness("history",
		func() time.Time { return s.store.Status().LastHistoryFetch },
		3*s.cfg.AllInterval()))
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", health.Handler(s.health))
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", gin.WrapF(s.hub.HandleWebSocket))

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimit.RequestsPerMinute,
		BurstSize:         s.cfg.RateLimit.Burst,
	})

	v1 := s.router.Group("/v1", s.limiter.Middleware())
	v1.GET("/info", s.infoHandler)
	v1.GET("/status", s.statusHandler)
	v1.GET("/alerts", s.viewHandler("alerts", s.store.AlertView))
	v1.GET("/history", s.viewHandler("history", s.store.HistoryView))
	v1.GET("/transactions/:id", s.transactionHandler)
	v1.GET("/relay/stats", s.relayStatsHandler)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP and relays store changes until ctx is done, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	notes, unsubscribe := s.store.Subscribe(relayBuffer)
	defer unsubscribe()
	go s.hub.Run(runCtx)
	go s.hub.Follow(runCtx, notes)

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	s.ready.Store(true)

	select {
	case err := <-errChan:
		s.ready.Store(false)
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}
	return s.Shutdown()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	defer s.limiter.Stop()
	if s.httpSrv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Hub returns the relay hub.
func (s *Server) Hub() *relay.Hub {
	return s.hub
}
