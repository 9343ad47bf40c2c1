// Package api provides HTTP handlers and routing for the pipeline service.
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
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router.
func (s *Server) Router() http.Handler {
	return s.router
}

// Handler returns the router wrapped for tracing, for use with http.Server.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "pipeline-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + routeTemplate(r)
		}),
	)
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Pipeline definitions
	api.HandleFunc("/pipelines", s.handlers.CreatePipeline).Methods("POST")
	api.HandleFunc("/pipelines", s.handlers.ListPipelines).Methods("GET")
	api.HandleFunc("/pipelines/validate", s.handlers.ValidatePipeline).Methods("POST")
	api.HandleFunc("/pipelines/{id}", s.handlers.GetPipeline).Methods("GET")
	api.HandleFunc("/pipelines/{id}", s.handlers.UpdatePipeline).Methods("PUT")
	api.HandleFunc("/pipelines/{id}", s.handlers.DeletePipeline).Methods("DELETE")

	// Execution
	api.HandleFunc("/pipelines/{id}/execute", s.handlers.limiter.Wrap(s.handlers.ExecutePipeline)).Methods("POST")
	api.HandleFunc("/pipelines/{id}/runs", s.handlers.limiter.Wrap(s.handlers.StartRun)).Methods("POST")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")
	api.HandleFunc("/runs/{id}/ws", s.handlers.StreamWebSocket).Methods("GET")

	// RunStore diagnostics
	api.HandleFunc("/runstore/info", s.handlers.RunStoreInfo).Methods("GET")

	// CORS preflight must reach the middleware even without a matching method.
	api.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
