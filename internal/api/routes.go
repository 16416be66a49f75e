// Package api provides HTTP handlers and routing for the lineage service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	limiter  *RateLimiter
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		limiter:  NewRateLimiter(h.config.Server.RateLimitRPS, h.config.Server.RateLimitBurst),
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server. Requests
// are traced with the globally registered tracer provider.
func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "lineage",
		otelhttp.WithFilter(func(r *http.Request) bool { return !skipObservation(r.URL.Path) }),
	)
}

// Close releases background resources.
func (s *Server) Close() {
	s.limiter.Stop()
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Pipelines
	api.HandleFunc("/pipelines", s.handlers.RegisterPipeline).Methods("POST")
	api.HandleFunc("/pipelines", s.handlers.ListPipelines).Methods("GET")
	api.HandleFunc("/pipelines/{id}", s.handlers.GetPipeline).Methods("GET")

	// Runs
	api.HandleFunc("/runs", s.handlers.SubmitRun).Methods("POST")
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.DeleteRun).Methods("DELETE")
	api.HandleFunc("/runs/{id}/cancel", s.handlers.CancelRun).Methods("POST")
	api.HandleFunc("/runs/{id}/resume", s.handlers.ResumeRun).Methods("POST")
	api.HandleFunc("/runs/{id}/steps", s.handlers.ListStepRuns).Methods("GET")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Step runs and artifacts
	api.HandleFunc("/steps/{id}", s.handlers.GetStepRun).Methods("GET")
	api.HandleFunc("/artifacts", s.handlers.ListArtifacts).Methods("GET")
	api.HandleFunc("/artifacts/{id}", s.handlers.GetArtifact).Methods("GET")
	api.HandleFunc("/artifacts/{id}/download", s.handlers.DownloadArtifact).Methods("GET")
	api.HandleFunc("/artifacts/{id}/content", s.handlers.ArtifactContent).Methods("GET")

	// Apply middleware
	s.router.Use(s.handlers.RecoveryMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.limiter.Middleware)
}
