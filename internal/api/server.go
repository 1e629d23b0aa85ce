// Package api wires the router's HTTP surface together: the chi mux, the
// dataset/connector handlers, the ambient middleware stack, and the
// health/metrics endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/relayhub/router/internal/api/handlers"
	"github.com/relayhub/router/internal/api/health"
	"github.com/relayhub/router/internal/api/middleware"
	"github.com/relayhub/router/internal/broker"
	"github.com/relayhub/router/internal/metrics"
	"github.com/relayhub/router/internal/session"
	"github.com/relayhub/router/pkg/config"
	"github.com/relayhub/router/pkg/logger"
)

// Version is the router's build version, set at build time via ldflags.
var Version = "dev"

// Server is the router's HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	config        *config.Config
	logger        *logger.Logger
	healthChecker *health.Checker
}

// NewServer wires a Server from its dependencies. metrics may be nil to
// disable instrumentation.
func NewServer(cfg *config.Config, reg *session.Registry, b *broker.Broker, m *metrics.Collector, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}

	s := &Server{
		config: cfg,
		logger: log,
	}

	s.healthChecker = health.NewChecker(Version)
	s.healthChecker.Register("session_registry", health.FuncPinger(func(ctx context.Context) error {
		_ = reg.Count()
		return nil
	}))

	h := handlers.New(b, reg, cfg, m, log)
	s.setupRouter(h, m)
	return s
}

func (s *Server) setupRouter(h *handlers.Handlers, m *metrics.Collector) {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	r.Get("/health", s.healthChecker.Handler())
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}

	r.Get("/connectors", h.Connectors)
	r.HandleFunc("/connect", h.Connect)
	r.Post("/connect/pong", h.Pong)

	r.Route("/datasets", func(r chi.Router) {
		r.Post("/request-sync", h.RequestSync)
		r.Post("/request-stream", h.RequestStream)
		r.Post("/request-offload", h.RequestOffload)
		r.Get("/status/{request_id}", h.Status)
		r.Post("/result", h.Result)
		r.Route("/stream", func(r chi.Router) {
			r.Post("/init", h.StreamInit)
			r.Post("/chunk", h.StreamChunk)
			r.Post("/complete", h.StreamComplete)
			r.Post("/error", h.StreamError)
		})
	})

	s.router = r
}

// Start runs the HTTP server until ctx is done, then gracefully shuts it
// down.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.router,
		// No WriteTimeout: Pattern B responses are held open for the
		// lifetime of a streamed transfer, which can exceed any fixed
		// per-request write deadline.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting router HTTP server", "addr", s.config.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down router HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// HTTPServer returns the underlying *http.Server once Start has been
// called, for wiring into a shutdown.Coordinator.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}
