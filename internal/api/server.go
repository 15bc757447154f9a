// Package api provides the engine's HTTP server: the appnet sync endpoint,
// the console API, health and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/narvanalabs/fleet-engine/internal/api/handlers"
	"github.com/narvanalabs/fleet-engine/internal/api/health"
	"github.com/narvanalabs/fleet-engine/internal/api/middleware"
	"github.com/narvanalabs/fleet-engine/internal/engine"
	"github.com/narvanalabs/fleet-engine/internal/metrics"
	"github.com/narvanalabs/fleet-engine/internal/peer"
)

// Version is the engine version reported by /health.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the engine HTTP server.
type Server struct {
	addr          string
	router        chi.Router
	httpServer    *http.Server
	engine        *engine.Engine
	metrics       *metrics.Metrics
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates the server for eng. db is checked by /health and may be
// nil for an in-memory store.
func NewServer(addr string, eng *engine.Engine, m *metrics.Metrics, db health.Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:    addr,
		engine:  eng,
		metrics: m,
		logger:  logger,
	}

	s.healthChecker = health.NewChecker(eng.ID(), Version)
	s.healthChecker.Register("store", health.PingCheck(db, "in-memory"))
	s.healthChecker.Register("appnet", s.appnetCheck)

	s.setupRouter()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// appnetCheck is degraded while this engine has links but none synced.
func (s *Server) appnetCheck(context.Context) health.ComponentStatus {
	links := s.engine.Peers().Links()
	synced := 0
	for _, l := range links {
		if l.Status == peer.StatusSynced {
			synced++
		}
	}
	msg := fmt.Sprintf("%d of %d links synced", synced, len(links))
	if len(links) > 0 && synced == 0 {
		return health.ComponentStatus{Status: health.StatusDegraded, Message: msg}
	}
	return health.ComponentStatus{Status: health.StatusHealthy, Message: msg}
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	r.Get("/health", s.healthChecker.Handler())
	r.Handle("/metrics", s.metrics.Handler())

	// Sync links are long-lived and stay outside the request timeout.
	r.Get("/appnet/{network}/sync", func(w http.ResponseWriter, req *http.Request) {
		s.engine.Peers().ServeSync(w, req, chi.URLParam(req, "network"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))
		r.Use(middleware.Authenticate(s.engine.Config().NetworkSecret, s.logger))

		stateHandler := handlers.NewStateHandler(s.engine.Store(), s.logger)
		r.Get("/state", stateHandler.Get)
		r.Get("/disks/{diskID}", stateHandler.Disk)
		r.Get("/instances/{instanceID}", stateHandler.Instance)

		commandHandler := handlers.NewCommandHandler(s.engine.Store(), s.logger)
		r.Route("/engines/{engineID}", func(r chi.Router) {
			r.Get("/", stateHandler.Engine)
			r.Get("/commands", commandHandler.List)
			r.Post("/commands", commandHandler.Send)
			r.Get("/commands/{commandID}", commandHandler.Get)
		})

		linkHandler := handlers.NewLinkHandler(s.engine.Peers(), s.logger)
		r.Route("/links", func(r chi.Router) {
			r.Get("/", linkHandler.List)
			r.Post("/", linkHandler.Create)
			r.Delete("/", linkHandler.Delete)
		})
	})

	s.router = r
}

// Start starts the HTTP server and blocks until ctx is done or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting API server", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// HTTPServer returns the underlying server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
