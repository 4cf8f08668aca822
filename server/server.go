// ABOUTME: HTTP server struct with chi router exposing the ingestion and query boundaries.
// ABOUTME: Wires all /v1 trace routes plus health and aggregate stats endpoints.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389-research/xray/store"
)

// Server holds the chi router and the trace store. The write path (execution
// and step ingestion) and the read path (filtered queries) share only the
// store.
type Server struct {
	router chi.Router
	store  *store.Store
}

// NewServer creates a Server with all routes configured.
func NewServer(st *store.Store) *Server {
	s := &Server{store: st}

	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		// Ingestion boundary
		r.Post("/executions", s.handleCreateExecution)
		r.Post("/executions/{id}/finish", s.handleFinishExecution)
		r.Post("/steps", s.handleCreateStep)
		r.Post("/steps/{id}/candidates", s.handleAddCandidates)

		// Query boundary
		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Delete("/executions/{id}", s.handleDeleteExecution)
		r.Get("/steps", s.handleListSteps)
		r.Get("/candidates", s.handleListCandidates)
		r.Get("/stats", s.handleStats)
	})

	s.router = r
	return s
}

// ServeHTTP implements the http.Handler interface, delegating to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
