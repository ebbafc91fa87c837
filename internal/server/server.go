// Package server assembles the HTTP API: routing, middleware, and
// lifecycle around the handler layer.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/sentryal/sarpipe/internal/errors"
	"github.com/sentryal/sarpipe/internal/observability"
	"github.com/sentryal/sarpipe/internal/server/handlers"
	"github.com/sentryal/sarpipe/internal/server/middleware"
)

// Server is the boundary API process.
type Server struct {
	host string
	port int
	jobs *handlers.Jobs

	router chi.Router
	http   *http.Server
}

// Option customizes a Server before its routes are built.
type Option func(*Server)

// WithJobs mounts the job lifecycle endpoints.
func WithJobs(jobs *handlers.Jobs) Option {
	return func(s *Server) { s.jobs = jobs }
}

// New builds a server listening on host:port. Routes for endpoints whose
// handler set was not provided are simply absent.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{host: host, port: port}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestLogger)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteJSON(w,
			apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("no route for %s %s", req.Method, req.URL.Path)),
			middleware.GetRequestID(req.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteJSON(w,
			apperrors.New(apperrors.CodeMethodNotAllowed, fmt.Sprintf("method %s not allowed", req.Method)),
			middleware.GetRequestID(req.Context()))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.jobs != nil {
		r.Post("/process", s.jobs.Process)
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.jobs.Get)
			r.Get("/logs", s.jobs.Logs)
			r.Post("/cancel", s.jobs.Cancel)
		})
		r.Post("/webhook/insar", s.jobs.Webhook)
	}

	return r
}

// Handler exposes the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured listen port.
func (s *Server) Port() int { return s.port }

// Addr returns the host:port the server binds.
func (s *Server) Addr() string { return fmt.Sprintf("%s:%d", s.host, s.port) }

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	observability.Logger.Info("http server listening", zap.String("addr", s.Addr()))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
