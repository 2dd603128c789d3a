// Package api exposes the verification pipeline over HTTP: submissions,
// extraction/decision retrieval, manual review, guard rule management
// and operational stats.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server around an assembled handler.
func NewServer(cfg domain.ServerConfig, handler *Handler) *Server {
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Proof submission
	router.Post("/submissions", handler.Submit)

	// Job retrieval
	router.Get("/jobs/{id}", handler.GetJob)
	router.Get("/jobs/{id}/extraction", handler.GetJobExtraction)

	// Extraction retrieval and manual review
	router.Get("/extractions/{id}", handler.GetExtraction)
	router.Get("/extractions/{id}/decisions", handler.ListExtractionDecisions)
	router.Post("/extractions/{id}/review", handler.Review)

	// Decision retrieval
	router.Get("/decisions/{id}", handler.GetDecision)

	// Operational stats
	router.Get("/stats", handler.Stats)

	// Guard rule management
	router.Get("/policy/rules", handler.ListGuardRules)
	router.Get("/policy/rules/{id}", handler.GetGuardRule)
	router.Post("/policy/rules", handler.CreateGuardRule)
	router.Post("/policy/rules/reload", handler.ReloadGuardRules)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
