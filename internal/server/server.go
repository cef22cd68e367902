package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rachelpine/capsule/internal/pipeline"
	"github.com/rachelpine/capsule/internal/storage"
)

// Server is the HTTP edge of the job pipeline.
type Server struct {
	svc      *pipeline.Service
	capsules storage.Store
	registry *prometheus.Registry
	router   chi.Router
	http     *http.Server
}

// New creates a new Server. capsules and registry may be nil.
func New(svc *pipeline.Service, capsules storage.Store, registry *prometheus.Registry) *Server {
	s := &Server{
		svc:      svc,
		capsules: capsules,
		registry: registry,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		// Job submission
		r.Post("/generate", s.handleGenerate)
		r.Post("/execute", s.handleExecuteSync)
		r.Post("/execute/async", s.handleExecuteAsync)
		r.Post("/execute/test", s.handleExecuteTest)

		// Job status
		r.Get("/jobs/{id}", s.handleJobStatus)

		// WebSocket progress feed (no JSON content-type)
		r.Get("/jobs/{id}/ws", s.handleJobFeed)

		// Capsules (collaborator store lookups)
		r.Get("/capsules/{id}", s.handleGetCapsule)
		r.Get("/users/{id}/capsules", s.handleListCapsules)
	})

	r.Get("/healthz", s.handleHealth)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	log.Printf("capsule pipeline listening on http://localhost%s", addr)
	return s.http.ListenAndServe()
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
