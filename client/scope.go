// ABOUTME: Execution and step scopes: explicit begin/end lifecycle with guaranteed end on
// ABOUTME: every exit path, fire-and-forget submission, and never masking pipeline failures.
package client

import (
	"fmt"
	"log"
	"time"

	"github.com/2389-research/xray/trace"
)

// ExecutionScope traces one pipeline run. Obtain one from StartExecution, call
// End exactly once when the run finishes, and create steps through StartStep.
// When the trace store was unreachable at start, the scope is degraded: it has
// an empty ID, its steps are captured standalone, and End is a no-op.
type ExecutionScope struct {
	client *Client
	id     string
	ended  bool
}

// executionParams collects optional execution attributes.
type executionParams struct {
	metadata   map[string]any
	repository string
	version    string
}

// ExecutionOption configures optional execution attributes.
type ExecutionOption func(*executionParams)

// WithMetadata attaches arbitrary key-value metadata to the execution.
func WithMetadata(m map[string]any) ExecutionOption {
	return func(p *executionParams) { p.metadata = m }
}

// WithRepository records the source repository the pipeline ran from.
func WithRepository(repo string) ExecutionOption {
	return func(p *executionParams) { p.repository = repo }
}

// WithVersion records the pipeline version string.
func WithVersion(v string) ExecutionOption {
	return func(p *executionParams) { p.version = v }
}

// StartExecution synchronously creates an execution in the trace store,
// bounded by the client timeout. If the store is unreachable the failure is
// logged and a degraded scope is returned; the pipeline proceeds either way.
func (c *Client) StartExecution(category string, opts ...ExecutionOption) *ExecutionScope {
	var p executionParams
	for _, opt := range opts {
		opt(&p)
	}

	id, err := c.createExecution(executionPayload{
		Category:   category,
		Metadata:   p.metadata,
		Repository: p.repository,
		Version:    p.version,
	})
	if err != nil {
		log.Printf("component=xray.client action=start_execution_dropped category=%s err=%v", category, err)
		return &ExecutionScope{client: c}
	}

	return &ExecutionScope{client: c, id: id}
}

// ID returns the execution identifier, or "" when the scope is degraded.
func (e *ExecutionScope) ID() string {
	return e.id
}

// End marks the execution terminal: success when err is nil, failure with the
// error's description recorded otherwise. End is idempotent and never returns
// an error; a store failure here only costs the trace.
func (e *ExecutionScope) End(err error) {
	if e.ended || e.id == "" {
		e.ended = true
		return
	}
	e.ended = true

	status := trace.StatusSuccess
	errMsg := ""
	if err != nil {
		status = trace.StatusFailure
		errMsg = err.Error()
	}

	if ferr := e.client.finishExecution(e.id, status, errMsg); ferr != nil {
		log.Printf("component=xray.client action=finish_execution_dropped execution_id=%s err=%v", e.id, ferr)
	}
}

// StartStep opens a step scope owned by this execution.
func (e *ExecutionScope) StartStep(name string, category trace.StepCategory) *StepScope {
	s := newStepScope(e.client, name, category)
	if e.id != "" {
		id := e.id
		s.executionID = &id
	}
	return s
}

// StartStep opens a standalone step scope with no owning execution, for
// degraded operation or callers instrumenting a single decision point.
func (c *Client) StartStep(name string, category trace.StepCategory) *StepScope {
	return newStepScope(c, name, category)
}

// RunExecution traces fn as one execution. End is guaranteed to run on every
// exit path: fn's error (or panic) marks the execution failed and is then
// re-raised to the caller unchanged — tracing is observation, not
// interception.
func (c *Client) RunExecution(category string, fn func(*ExecutionScope) error, opts ...ExecutionOption) error {
	scope := c.StartExecution(category, opts...)
	defer func() {
		if r := recover(); r != nil {
			scope.End(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err := fn(scope)
	scope.End(err)
	return err
}

// StepScope traces one decision point. Accumulate stats and sampled
// candidates during the scope's lifetime, then call End exactly once; the
// completed step is submitted fire-and-forget.
type StepScope struct {
	client      *Client
	executionID *string
	name        string
	category    trace.StepCategory
	startedAt   time.Time
	stats       map[string]any
	buckets     trace.Buckets
	inputs      any
	outputs     any
	hasSnapshot bool
	ended       bool
}

func newStepScope(c *Client, name string, category trace.StepCategory) *StepScope {
	return &StepScope{
		client:    c,
		name:      name,
		category:  category,
		startedAt: time.Now().UTC(),
		stats:     map[string]any{},
	}
}

// LogStats merges key-value statistics into the step's summary (Tier 1).
// Later values overwrite earlier ones for the same key.
func (s *StepScope) LogStats(stats map[string]any) {
	for k, v := range stats {
		s.stats[k] = v
	}
}

// LogSampledCandidates records sampled candidate decisions (Tier 2). Each
// bucket's entries take their decision from the bucket name. Buckets are
// additive across calls and unbounded; sampling is the caller's
// responsibility.
func (s *StepScope) LogSampledCandidates(accepted, rejected, selected []trace.SampledCandidate) {
	s.buckets.Accepted = append(s.buckets.Accepted, accepted...)
	s.buckets.Rejected = append(s.buckets.Rejected, rejected...)
	s.buckets.Selected = append(s.buckets.Selected, selected...)
}

// LogFullCapture opts into Tier 3: the step's entire input and output
// collections are persisted verbatim alongside summary and sampled data.
func (s *StepScope) LogFullCapture(inputs, outputs any) {
	s.inputs = inputs
	s.outputs = outputs
	s.hasSnapshot = true
}

// End computes the step's duration, sets terminal status from err, and
// submits the completed step with its accumulated candidates. Idempotent,
// never returns an error: a store failure or timeout is logged and the step
// is silently lost.
func (s *StepScope) End(err error) {
	if s.ended {
		return
	}
	s.ended = true

	endedAt := time.Now().UTC()
	status := trace.StatusSuccess
	var errMap map[string]any
	if err != nil {
		status = trace.StatusFailure
		errMap = map[string]any{"error": err.Error()}
	}

	payload := stepPayload{
		ExecutionID:   s.executionID,
		Name:          s.name,
		Category:      s.category,
		Status:        status,
		StartedAt:     s.startedAt,
		EndedAt:       endedAt,
		Stats:         s.stats,
		InputSummary:  countSummary(s.stats, "input_count"),
		OutputSummary: countSummary(s.stats, "output_count"),
		Error:         errMap,
		Candidates:    wireCandidates(s.buckets),
	}
	if s.hasSnapshot {
		payload.Inputs = s.inputs
		payload.Outputs = s.outputs
	}

	if serr := s.client.recordStep(payload); serr != nil {
		log.Printf("component=xray.client action=record_step_dropped step=%s err=%v", s.name, serr)
	}
}

// RunStep traces fn as one step under this execution, guaranteeing End on
// every exit path and re-raising fn's own failure unchanged.
func (e *ExecutionScope) RunStep(name string, category trace.StepCategory, fn func(*StepScope) error) error {
	return runStep(e.StartStep(name, category), fn)
}

// RunStep traces fn as one standalone step with no owning execution.
func (c *Client) RunStep(name string, category trace.StepCategory, fn func(*StepScope) error) error {
	return runStep(c.StartStep(name, category), fn)
}

func runStep(scope *StepScope, fn func(*StepScope) error) error {
	defer func() {
		if r := recover(); r != nil {
			scope.End(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err := fn(scope)
	scope.End(err)
	return err
}

// wireCandidates normalizes the buckets through the capture policy and maps
// the result onto the wire shape. Identifiers are assigned by the store.
func wireCandidates(b trace.Buckets) []candidatePayload {
	if b.Empty() {
		return nil
	}
	decisions := b.Normalize("")
	out := make([]candidatePayload, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, candidatePayload{
			CandidateID: d.CandidateID,
			Attributes:  d.Attributes,
			Decision:    d.Decision,
			Score:       d.Score,
			Reasoning:   d.Reasoning,
		})
	}
	return out
}

// countSummary renders a human-readable count line when the stat is present.
func countSummary(stats map[string]any, key string) string {
	v, ok := stats[key]
	if !ok {
		return ""
	}
	return fmt.Sprintf("Count: %v", v)
}
