// ABOUTME: End-to-end tests for execution and step scopes against a real server and store.
// ABOUTME: Covers capture tiers, degraded operation, failure recording, and panic re-raise.
package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389-research/xray/server"
	"github.com/2389-research/xray/store"
	"github.com/2389-research/xray/trace"
)

// --- Helpers ---

// newEnv stands up an httptest server backed by a temp-dir SQLite store and
// returns a client pointed at it.
func newEnv(t *testing.T, opts ...Option) *Client {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "xray.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ts := httptest.NewServer(server.NewServer(st))
	t.Cleanup(ts.Close)

	return New(ts.URL, opts...)
}

// deadClient returns a client whose target server has already been shut down.
func deadClient(t *testing.T) *Client {
	t.Helper()
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.URL
	ts.Close()
	return New(addr, WithTimeout(200*time.Millisecond))
}

// --- Full lifecycle ---

func TestRunExecutionRecordsFullTrace(t *testing.T) {
	c := newEnv(t)

	err := c.RunExecution("CompetitorDiscovery", func(exec *ExecutionScope) error {
		if exec.ID() == "" {
			t.Fatal("expected a live execution ID")
		}
		return exec.RunStep("GenerateCandidates", trace.CategoryGenerative, func(step *StepScope) error {
			step.LogStats(map[string]any{"input_count": 1, "output_count": 100})
			step.LogSampledCandidates(
				[]trace.SampledCandidate{trace.NewCandidate("prod_1", map[string]any{"price": 50.0})},
				[]trace.SampledCandidate{trace.CandidateWithReasoning("prod_2", nil, "price too high")},
				nil,
			)
			return nil
		})
	}, WithMetadata(map[string]any{"product_id": "prod_123"}), WithRepository("github.com/acme/pipelines"))
	if err != nil {
		t.Fatalf("RunExecution failed: %v", err)
	}

	execs, err := c.ListExecutions(context.Background(), url.Values{"category": {"CompetitorDiscovery"}})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(execs))
	}
	if execs[0].Status != trace.StatusSuccess {
		t.Errorf("expected success, got %q", execs[0].Status)
	}
	if execs[0].Metadata["product_id"] != "prod_123" {
		t.Errorf("metadata mismatch: %v", execs[0].Metadata)
	}

	full, err := c.GetExecution(context.Background(), execs[0].ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if len(full.Steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(full.Steps))
	}

	step := full.Steps[0]
	if step.Name != "GenerateCandidates" || step.Category != trace.CategoryGenerative {
		t.Errorf("unexpected step %+v", step)
	}
	if step.Stats["output_count"] != float64(100) {
		t.Errorf("stats not recorded: %v", step.Stats)
	}
	if step.InputSummary != "Count: 1" || step.OutputSummary != "Count: 100" {
		t.Errorf("summaries mismatch: %q %q", step.InputSummary, step.OutputSummary)
	}
	if step.EndedAt.IsZero() || step.EndedAt.Before(step.StartedAt) {
		t.Errorf("step duration not captured: %v %v", step.StartedAt, step.EndedAt)
	}
	if len(step.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(step.Candidates))
	}
	if step.Candidates[0].Decision != trace.DecisionAccepted || step.Candidates[1].Decision != trace.DecisionRejected {
		t.Errorf("decisions mismatch: %+v", step.Candidates)
	}
	if step.Candidates[1].Reasoning != "price too high" {
		t.Errorf("reasoning lost: %+v", step.Candidates[1])
	}
}

func TestRunExecutionFailureRecordedAndReturnedUnchanged(t *testing.T) {
	c := newEnv(t)
	boom := errors.New("ranking model unavailable")

	err := c.RunExecution("Demo", func(exec *ExecutionScope) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("pipeline error must pass through unchanged, got %v", err)
	}

	execs, err := c.ListExecutions(context.Background(), url.Values{})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if execs[0].Status != trace.StatusFailure {
		t.Errorf("expected failure, got %q", execs[0].Status)
	}
	if execs[0].Metadata["error"] != "ranking model unavailable" {
		t.Errorf("failure description not recorded: %v", execs[0].Metadata)
	}
}

func TestRunStepPanicRecordedAndReRaised(t *testing.T) {
	c := newEnv(t)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("panic must be re-raised to the caller")
			}
		}()
		_ = c.RunExecution("Demo", func(exec *ExecutionScope) error {
			return exec.RunStep("explode", trace.CategoryTransform, func(step *StepScope) error {
				panic("corrupt input batch")
			})
		})
	}()

	steps, err := c.ListSteps(context.Background(), url.Values{"status": {"failure"}})
	if err != nil {
		t.Fatalf("ListSteps failed: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected the panicking step recorded as failure, got %d", len(steps))
	}
	if steps[0].Error == nil {
		t.Error("expected error details on the failed step")
	}
}

func TestEndIsIdempotent(t *testing.T) {
	c := newEnv(t)
	exec := c.StartExecution("Demo")
	exec.End(nil)
	exec.End(errors.New("late failure"))

	got, err := c.GetExecution(context.Background(), exec.ID())
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.Status != trace.StatusSuccess {
		t.Errorf("second End must be a no-op, got status %q", got.Status)
	}
}

// --- Capture tiers ---

func TestThreeCandidateShapesSurvivesRoundTrip(t *testing.T) {
	c := newEnv(t)

	exec := c.StartExecution("Demo")
	step := exec.StartStep("rank", trace.CategoryRanking)
	step.LogSampledCandidates(nil, nil, []trace.SampledCandidate{
		trace.NewCandidate("bare", nil),
		trace.CandidateWithReasoning("pair", nil, "why not"),
		trace.ScoredCandidate("triple", nil, map[string]float64{"relevance": 0.85}, "best"),
	})
	step.End(nil)
	exec.End(nil)

	cands, err := c.ListCandidates(context.Background(), url.Values{})
	if err != nil {
		t.Fatalf("ListCandidates failed: %v", err)
	}
	if len(cands) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(cands))
	}

	byID := map[string]trace.CandidateDecision{}
	for _, cd := range cands {
		byID[cd.CandidateID] = cd
	}
	if byID["bare"].Score != nil || byID["bare"].Reasoning != "" {
		t.Errorf("bare shape corrupted: %+v", byID["bare"])
	}
	if byID["pair"].Score != nil || byID["pair"].Reasoning != "why not" {
		t.Errorf("pair shape corrupted: %+v", byID["pair"])
	}
	if byID["triple"].Score["relevance"] != 0.85 || byID["triple"].Reasoning != "best" {
		t.Errorf("triple shape corrupted: %+v", byID["triple"])
	}
}

func TestFullCaptureSnapshotsInputsAndOutputs(t *testing.T) {
	c := newEnv(t)

	exec := c.StartExecution("Demo")
	step := exec.StartStep("filter", trace.CategoryFilter)
	step.LogStats(map[string]any{"input_count": 2, "output_count": 1})
	step.LogFullCapture(
		[]any{map[string]any{"id": "a"}, map[string]any{"id": "b"}},
		[]any{map[string]any{"id": "a"}},
	)
	step.End(nil)
	exec.End(nil)

	full, err := c.GetExecution(context.Background(), exec.ID())
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	in, ok := full.Steps[0].Inputs.([]any)
	if !ok || len(in) != 2 {
		t.Errorf("inputs snapshot corrupted: %v", full.Steps[0].Inputs)
	}
	out, ok := full.Steps[0].Outputs.([]any)
	if !ok || len(out) != 1 {
		t.Errorf("outputs snapshot corrupted: %v", full.Steps[0].Outputs)
	}
}

// --- Degraded operation ---

func TestUnreachableStoreNeverDisruptsPipeline(t *testing.T) {
	c := deadClient(t)

	pipelineRan := false
	err := c.RunExecution("Demo", func(exec *ExecutionScope) error {
		if exec.ID() != "" {
			t.Errorf("degraded scope must carry an empty ID, got %q", exec.ID())
		}
		return exec.RunStep("work", trace.CategoryFilter, func(step *StepScope) error {
			step.LogStats(map[string]any{"input_count": 4})
			pipelineRan = true
			return nil
		})
	})
	if err != nil {
		t.Fatalf("pipeline must complete despite unreachable store, got %v", err)
	}
	if !pipelineRan {
		t.Error("pipeline body did not run")
	}
}

func TestSlowStoreIsAbandonedWithinTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer slow.Close()

	c := New(slow.URL, WithTimeout(50*time.Millisecond))

	start := time.Now()
	exec := c.StartExecution("Demo")
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("call not bounded by timeout, took %v", elapsed)
	}
	if exec.ID() != "" {
		t.Errorf("timed-out start must degrade, got ID %q", exec.ID())
	}
	exec.End(nil)
}

func TestStandaloneStepHasNoOwningExecution(t *testing.T) {
	c := newEnv(t)

	err := c.RunStep("one-off", trace.CategoryExternalCall, func(step *StepScope) error {
		step.LogStats(map[string]any{"latency_ms": 120})
		return nil
	})
	if err != nil {
		t.Fatalf("RunStep failed: %v", err)
	}

	steps, err := c.ListSteps(context.Background(), url.Values{})
	if err != nil {
		t.Fatalf("ListSteps failed: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(steps))
	}
	if steps[0].ExecutionID != nil {
		t.Errorf("standalone step must have no execution, got %v", *steps[0].ExecutionID)
	}
}

// --- Query-side errors ---

func TestQuerySideSurfacesNotFound(t *testing.T) {
	c := newEnv(t)
	_, err := c.GetExecution(context.Background(), "nonexistent")
	if !errors.Is(err, trace.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := c.DeleteExecution(context.Background(), "nonexistent"); !errors.Is(err, trace.ErrNotFound) {
		t.Errorf("expected ErrNotFound on delete, got %v", err)
	}
}

func TestStatsRoundTrip(t *testing.T) {
	c := newEnv(t)
	exec := c.StartExecution("Demo")
	_ = exec.RunStep("s", trace.CategoryFilter, func(step *StepScope) error { return nil })
	exec.End(nil)

	agg, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if agg.Executions.Total != 1 || agg.Steps.Total != 1 {
		t.Errorf("unexpected aggregate %+v", agg)
	}
}
