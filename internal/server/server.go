// Package server wires the transports, protection chain, background
// tasks, and lifecycle into one runnable unit.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/contextd/contextd/internal/bus"
	"github.com/contextd/contextd/internal/cache"
	"github.com/contextd/contextd/internal/config"
	"github.com/contextd/contextd/internal/mcp"
	"github.com/contextd/contextd/internal/memory"
	"github.com/contextd/contextd/internal/metrics"
	"github.com/contextd/contextd/internal/middleware"
	"github.com/contextd/contextd/internal/pool"
	"github.com/contextd/contextd/internal/storage"
	"github.com/contextd/contextd/internal/storage/kv"
	"github.com/contextd/contextd/internal/storage/vector"
	"github.com/contextd/contextd/internal/transport"
)

// Version is stamped at build time.
var Version = "dev"

// Deps carries the constructed subsystems into the server.
type Deps struct {
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Bus        *bus.Bus
	Pool       *pool.Pool
	Controller *pool.Controller
	Store      storage.Store
	KV         kv.Client
	Vector     vector.Index
	Cache      *cache.Cache
	Memory     *memory.Engine
	Dispatcher *mcp.Dispatcher
	Endpoint   *transport.Endpoint
	Closers    []func() error
}

// Server owns the HTTP listener, the stdio loop, and the background
// tasks.
type Server struct {
	deps    Deps
	logger  *zap.Logger
	hub     *transport.Hub
	tracker *transport.ConnTracker
	limiter *middleware.RateLimiter
	admit   *middleware.Admission

	httpServer *http.Server
	startedAt  time.Time

	healthMu sync.Mutex
	health   healthState

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

type healthState struct {
	DatabaseOK bool      `json:"database_ok"`
	KVOK       bool      `json:"kv_ok"`
	VectorOK   bool      `json:"vector_ok"`
	CheckedAt  time.Time `json:"checked_at"`
}

func (h healthState) healthy() bool {
	return h.DatabaseOK && h.KVOK && h.VectorOK
}

// New assembles the server from its dependencies.
func New(deps Deps) *Server {
	s := &Server{
		deps:       deps,
		logger:     deps.Logger,
		hub:        transport.NewHub(deps.Endpoint, deps.Bus, deps.Logger),
		tracker:    transport.NewConnTracker(deps.Config.API.MaxConnections),
		limiter:    middleware.NewRateLimiter(deps.Config.API.RateLimitRPS, deps.Logger),
		admit:      middleware.NewAdmission(deps.Config.API.MaxConnections, deps.Logger),
		startedAt:  time.Now(),
		shutdownCh: make(chan struct{}),
		// Dependencies start healthy; the first probe tick corrects.
		health: healthState{DatabaseOK: true, KVOK: true, VectorOK: true, CheckedAt: time.Now().UTC()},
	}
	s.hub.OnActivity = s.tracker.Touch
	s.httpServer = &http.Server{
		Addr:         deps.Config.APIAddr(),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// routes builds the HTTP handler tree with the protection chain:
// admission → allow-list → auth → rate limit. Health and metrics stay
// reachable without credentials so probes keep working.
func (s *Server) routes() http.Handler {
	cfg := s.deps.Config

	open := mux.NewRouter()
	open.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	open.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	open.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)

	protected := open.NewRoute().Subrouter()
	protected.HandleFunc("/", s.handleRPC).Methods(http.MethodPost)
	protected.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	protected.HandleFunc("/api/v1/stats", s.handleUnifiedStats).Methods(http.MethodGet)
	protected.HandleFunc("/api/stats", s.handleUnifiedStats).Methods(http.MethodGet)
	protected.HandleFunc("/api/overview/stats", s.handleLegacyStats("system")).Methods(http.MethodGet)
	protected.HandleFunc("/api/pool/stats", s.handleLegacyStats("pool")).Methods(http.MethodGet)
	protected.HandleFunc("/api/vector/stats", s.handleLegacyStats("vector")).Methods(http.MethodGet)
	protected.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	protected.HandleFunc("/admin", s.handleAdmin).Methods(http.MethodGet)
	protected.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	protected.Use(
		middleware.IPAllowlist(cfg.API.AllowedIPs, s.logger),
		middleware.Auth(cfg.API.APIKeys, s.logger),
		s.limiter.Middleware,
	)

	var handler http.Handler = open
	handler = s.admit.Middleware(handler)
	if cfg.API.CORSEnabled {
		handler = cors.AllowAll().Handler(handler)
	}
	return handler
}

// Run starts everything and blocks until shutdown completes.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http transport listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	stdio := transport.NewStdioLoop(s.deps.Endpoint, s.logger, s.TriggerShutdown)
	go func() {
		if err := stdio.Run(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("stdio loop ended", zap.Error(err))
		}
	}()

	go s.statsLoop(ctx)
	go s.reapLoop(ctx)
	if s.deps.Controller != nil {
		go s.deps.Controller.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		s.shutdown()
		return err
	case sig := <-sigCh:
		s.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case <-s.shutdownCh:
		s.logger.Info("shutdown triggered")
	case <-ctx.Done():
	}

	cancel()
	s.shutdown()
	return nil
}

// ApplyConfig applies the hot-reloadable subset of a changed
// configuration: the rate-limit budget and the cache category TTLs.
// The cached tool catalog is invalidated so its new TTL takes effect.
func (s *Server) ApplyConfig(ctx context.Context, next *config.Config) {
	s.limiter.SetRate(next.API.RateLimitRPS)
	if s.deps.Cache != nil {
		s.deps.Cache.SetTTLFunc(next.CategoryTTL)
		s.deps.Cache.InvalidateCategory(ctx, "tool_catalog")
	}
}

// TriggerShutdown initiates graceful shutdown; safe to call more than
// once. Used by the stdio loop on EOF.
func (s *Server) TriggerShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// shutdown drains in order: refuse new calls, wait for in-flight work,
// close subscriptions and transports, dispose storage, flush logs.
func (s *Server) shutdown() {
	grace := time.Duration(s.deps.Config.API.ShutdownGraceS) * time.Second
	if grace <= 0 {
		grace = 30 * time.Second
	}

	s.deps.Dispatcher.BeginShutdown()
	if !s.deps.Dispatcher.Drain(grace) {
		s.logger.Warn("shutdown grace expired with handlers still running")
	}

	s.hub.CloseAll()
	s.limiter.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	for _, closeFn := range s.deps.Closers {
		if err := closeFn(); err != nil {
			s.logger.Warn("resource close failed", zap.Error(err))
		}
	}

	_ = s.logger.Sync()
}
