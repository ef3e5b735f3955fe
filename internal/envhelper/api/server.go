// Package api exposes the lifecycle controller over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/envhelper/envhelper/internal/envhelper/environment"
	"github.com/envhelper/envhelper/internal/envhelper/lifecycle"
	"github.com/envhelper/envhelper/internal/envhelper/observability"
	"github.com/envhelper/envhelper/internal/envhelper/ports"
	"github.com/envhelper/envhelper/internal/envhelper/runtime"
)

// Controller is the subset of *lifecycle.Controller the API drives.
type Controller interface {
	Declare(ctx context.Context, d environment.Declaration) (*environment.Environment, error)
	Update(ctx context.Context, id string, d environment.Declaration) (*environment.Environment, error)
	Transition(ctx context.Context, id string, target environment.DesiredState) (*environment.Environment, error)
	Restart(ctx context.Context, id string) (*environment.Environment, error)
	Reconcile(ctx context.Context, id string) (*environment.Environment, error)
	Get(ctx context.Context, id string) (*environment.Environment, error)
	List(ctx context.Context, f environment.Filter) ([]*environment.Environment, error)
	CheckPort(ctx context.Context, port int) (ports.Availability, error)
	Orphans(ctx context.Context) ([]runtime.Observation, error)
}

var _ Controller = (*lifecycle.Controller)(nil)

// statusProvider is the minimal interface /status needs from the store.
type statusProvider interface {
	Count(ctx context.Context) (int, error)
}

// Options configures the server. Zero values disable the optional parts.
type Options struct {
	Addr string
	// RateLimit is the sustained request rate per client in requests per
	// second. Zero disables limiting.
	RateLimit float64
	// Burst defaults to twice RateLimit.
	Burst int
	// RequestTimeout bounds requests that do not drive the runtime.
	// Defaults to 60s.
	RequestTimeout time.Duration
	Metrics        *observability.Metrics
	Status         statusProvider
}

// Server is the HTTP API server.
type Server struct {
	router     *chi.Mux
	ctl        Controller
	opts       Options
	startedAt  time.Time
	httpServer *http.Server
}

// NewServer creates the server and its routes (does not start it).
func NewServer(ctl Controller, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		router:    chi.NewRouter(),
		ctl:       ctl,
		opts:      opts,
		startedAt: time.Now(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(traceRequest)
	s.router.Use(logRequest)
	s.router.Use(middleware.Recoverer)
	if s.opts.Metrics != nil {
		s.router.Use(instrument(s.opts.Metrics))
	}
	if s.opts.RateLimit > 0 {
		s.router.Use(newRateLimiter(s.opts.RateLimit, s.opts.Burst).Handler)
	}
}

// setupRoutes mounts the routes. Routes that drive the runtime are bounded
// by the controller's call and pull timeouts instead of RequestTimeout.
func (s *Server) setupRoutes() {
	timeout := middleware.Timeout(s.opts.RequestTimeout)

	s.router.With(timeout).Get("/health", s.handleHealth)
	s.router.With(timeout).Get("/status", s.handleStatus)
	if s.opts.Metrics != nil {
		s.router.With(timeout).Handle("/metrics", promhttp.HandlerFor(s.opts.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Route("/environments", func(r chi.Router) {
			r.Post("/", s.handleDeclare)
			r.With(timeout).Get("/", s.handleList)
			r.Route("/{envID}", func(r chi.Router) {
				r.With(timeout).Get("/", s.handleGet)
				r.With(timeout).Put("/", s.handleUpdate)
				r.Delete("/", s.handleDelete)
				r.Post("/transition", s.handleTransition)
				r.Post("/start", s.handleTarget(environment.DesiredRunning))
				r.Post("/stop", s.handleTarget(environment.DesiredStopped))
				r.Post("/restart", s.handleRestart)
				r.Post("/reconcile", s.handleReconcile)
			})
		})
		r.With(timeout).Get("/ports/{port}", s.handleCheckPort)
		r.With(timeout).Get("/orphans", s.handleOrphans)
	})
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the underlying router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening in the background. It returns once the listener is
// established and shuts the server down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("api server: listen %s: %w", s.opts.Addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("api server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			slog.Warn("api server shutdown error", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
