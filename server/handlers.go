// ABOUTME: HTTP handler methods for execution, step, and candidate ingestion and querying.
// ABOUTME: Maps store errors onto status codes: 404 not-found, 422 validation, 500 store failure.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389-research/xray/trace"
)

// createExecutionRequest is the ingestion-boundary shape for a new execution.
type createExecutionRequest struct {
	Category   string         `json:"category"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Repository string         `json:"repository,omitempty"`
	Version    string         `json:"version,omitempty"`
}

// finishExecutionRequest carries the terminal status for an execution scope exit.
type finishExecutionRequest struct {
	Status trace.Status `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// candidateRequest is the wire shape of one candidate decision.
type candidateRequest struct {
	CandidateID string             `json:"candidate_id"`
	Attributes  map[string]any     `json:"attributes,omitempty"`
	Decision    trace.Decision     `json:"decision"`
	Score       map[string]float64 `json:"score,omitempty"`
	Reasoning   string             `json:"reasoning,omitempty"`
}

// createStepRequest is the ingestion-boundary shape for a completed step.
type createStepRequest struct {
	ExecutionID   *string            `json:"execution_id"`
	Name          string             `json:"name"`
	Category      trace.StepCategory `json:"category"`
	Status        trace.Status       `json:"status"`
	StartedAt     time.Time          `json:"started_at"`
	EndedAt       time.Time          `json:"ended_at"`
	Stats         map[string]any     `json:"stats"`
	InputSummary  string             `json:"input_summary,omitempty"`
	OutputSummary string             `json:"output_summary,omitempty"`
	Inputs        any                `json:"inputs,omitempty"`
	Outputs       any                `json:"outputs,omitempty"`
	Error         map[string]any     `json:"error,omitempty"`
	Candidates    []candidateRequest `json:"candidates,omitempty"`
}

// addCandidatesRequest appends candidates to an existing step.
type addCandidatesRequest struct {
	Candidates []candidateRequest `json:"candidates"`
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateExecution handles POST /v1/executions.
func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Category == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "category is required"})
		return
	}

	exec, err := s.store.CreateExecution(req.Category, req.Metadata, req.Repository, req.Version)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleFinishExecution handles POST /v1/executions/{id}/finish. The
// transition is guarded: only running executions move to a terminal status,
// exactly once.
func (s *Server) handleFinishExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req finishExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	if err := s.store.FinishExecution(id, req.Status, req.Error); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(req.Status)})
}

// handleCreateStep handles POST /v1/steps. The step and any supplied
// candidates are persisted atomically; an unknown execution_id is a 404.
func (s *Server) handleCreateStep(w http.ResponseWriter, r *http.Request) {
	var req createStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "name is required"})
		return
	}
	if req.Category == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "category is required"})
		return
	}
	if req.Status == "" {
		req.Status = trace.StatusSuccess
	}
	if !req.Status.Valid() {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "unknown status " + string(req.Status)})
		return
	}
	if req.StartedAt.IsZero() {
		req.StartedAt = time.Now().UTC()
	}
	if !req.EndedAt.IsZero() && req.EndedAt.Before(req.StartedAt) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "ended_at precedes started_at"})
		return
	}

	candidates, err := decodeCandidates(req.Candidates)
	if err != nil {
		s.respondError(w, err)
		return
	}

	step := &trace.Step{
		ExecutionID:   req.ExecutionID,
		Name:          req.Name,
		Category:      req.Category,
		Status:        req.Status,
		StartedAt:     req.StartedAt,
		EndedAt:       req.EndedAt,
		Stats:         req.Stats,
		InputSummary:  req.InputSummary,
		OutputSummary: req.OutputSummary,
		Inputs:        req.Inputs,
		Outputs:       req.Outputs,
		Error:         req.Error,
	}

	created, err := s.store.CreateStep(step, candidates)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

// handleAddCandidates handles POST /v1/steps/{id}/candidates.
func (s *Server) handleAddCandidates(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req addCandidatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	candidates, err := decodeCandidates(req.Candidates)
	if err != nil {
		s.respondError(w, err)
		return
	}

	inserted, err := s.store.AddCandidates(id, candidates)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inserted)
}

// handleGetExecution handles GET /v1/executions/{id}, returning the execution
// with steps and candidates eagerly nested.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := s.store.GetExecution(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleDeleteExecution handles DELETE /v1/executions/{id}, cascading to all
// descendant steps and candidate decisions.
func (s *Server) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteExecution(id); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// handleListExecutions handles GET /v1/executions with filter, limit, and skip.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter, err := trace.ParseQuery(r.URL.Query(), trace.ExecutionSchema)
	if err != nil {
		s.respondError(w, err)
		return
	}
	execs, err := s.store.ListExecutions(filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

// handleListSteps handles GET /v1/steps with filter, limit, and skip.
func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	filter, err := trace.ParseQuery(r.URL.Query(), trace.StepSchema)
	if err != nil {
		s.respondError(w, err)
		return
	}
	steps, err := s.store.ListSteps(filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

// handleListCandidates handles GET /v1/candidates with filter, limit, and skip.
func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	filter, err := trace.ParseQuery(r.URL.Query(), trace.CandidateSchema)
	if err != nil {
		s.respondError(w, err)
		return
	}
	cands, err := s.store.ListCandidates(filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}

// handleStats handles GET /v1/stats with database-wide counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	agg, err := s.store.Stats()
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// decodeCandidates validates and converts wire candidates into entities.
func decodeCandidates(reqs []candidateRequest) ([]trace.CandidateDecision, error) {
	out := make([]trace.CandidateDecision, 0, len(reqs))
	for _, c := range reqs {
		if c.CandidateID == "" {
			return nil, trace.Validationf("candidate_id is required")
		}
		if !c.Decision.Valid() {
			return nil, trace.Validationf("unknown decision %q", c.Decision)
		}
		out = append(out, trace.CandidateDecision{
			CandidateID: c.CandidateID,
			Attributes:  c.Attributes,
			Decision:    c.Decision,
			Score:       c.Score,
			Reasoning:   c.Reasoning,
		})
	}
	return out, nil
}

// respondError maps store and validation errors onto HTTP status codes.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trace.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case trace.IsValidation(err):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	default:
		log.Printf("component=server action=internal_error err=%v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
