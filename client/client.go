// ABOUTME: HTTP client for the xray API: ingestion calls bounded by a short fixed timeout
// ABOUTME: and query-side helpers for dashboards and CLIs that do surface errors.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389-research/xray/store"
	"github.com/2389-research/xray/trace"
)

// DefaultTimeout bounds every call to the trace store. A call either
// completes within this window or is abandoned; there is no retry queue or
// background buffering.
const DefaultTimeout = 2 * time.Second

// Client talks to the xray API. Construct one instance and pass it to all
// scopes; there is no package-level singleton and no shared mutable state, so
// independent pipelines may trace fully in parallel.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures optional Client behavior.
type Option func(*Client)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithHTTPClient substitutes the underlying HTTP client, primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New creates a Client for the API at baseURL, e.g. "http://localhost:8000".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// executionPayload mirrors the create-execution request body.
type executionPayload struct {
	Category   string         `json:"category"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Repository string         `json:"repository,omitempty"`
	Version    string         `json:"version,omitempty"`
}

// finishPayload mirrors the finish-execution request body.
type finishPayload struct {
	Status trace.Status `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// candidatePayload mirrors the wire shape of one candidate decision.
type candidatePayload struct {
	CandidateID string             `json:"candidate_id"`
	Attributes  map[string]any     `json:"attributes,omitempty"`
	Decision    trace.Decision     `json:"decision"`
	Score       map[string]float64 `json:"score,omitempty"`
	Reasoning   string             `json:"reasoning,omitempty"`
}

// stepPayload mirrors the create-step request body.
type stepPayload struct {
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
	Candidates    []candidatePayload `json:"candidates,omitempty"`
}

// createExecution synchronously requests execution creation and returns the
// new identifier. Callers on the ingestion path treat any error as "store
// unavailable" and degrade.
func (c *Client) createExecution(p executionPayload) (string, error) {
	var exec trace.Execution
	if err := c.postJSON("/v1/executions", p, &exec); err != nil {
		return "", err
	}
	return exec.ID, nil
}

// finishExecution marks an execution terminal.
func (c *Client) finishExecution(id string, status trace.Status, errMsg string) error {
	return c.postJSON("/v1/executions/"+id+"/finish", finishPayload{Status: status, Error: errMsg}, nil)
}

// recordStep submits a completed step with its accumulated candidates.
func (c *Client) recordStep(p stepPayload) error {
	return c.postJSON("/v1/steps", p, nil)
}

// GetExecution fetches an execution with steps and candidates nested.
func (c *Client) GetExecution(ctx context.Context, id string) (*trace.Execution, error) {
	var exec trace.Execution
	if err := c.getJSON(ctx, "/v1/executions/"+id, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions queries executions with raw filter parameters, e.g.
// {"category": {"Demo"}, "limit": {"10"}}.
func (c *Client) ListExecutions(ctx context.Context, params url.Values) ([]trace.Execution, error) {
	var execs []trace.Execution
	if err := c.getJSON(ctx, "/v1/executions", params, &execs); err != nil {
		return nil, err
	}
	return execs, nil
}

// ListSteps queries steps with raw filter parameters, including dotted stat
// paths such as stats.output_count__lt=10.
func (c *Client) ListSteps(ctx context.Context, params url.Values) ([]trace.Step, error) {
	var steps []trace.Step
	if err := c.getJSON(ctx, "/v1/steps", params, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// ListCandidates queries candidate decisions with raw filter parameters.
func (c *Client) ListCandidates(ctx context.Context, params url.Values) ([]trace.CandidateDecision, error) {
	var cands []trace.CandidateDecision
	if err := c.getJSON(ctx, "/v1/candidates", params, &cands); err != nil {
		return nil, err
	}
	return cands, nil
}

// DeleteExecution removes an execution and all its descendants.
func (c *Client) DeleteExecution(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/executions/"+id, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Stats fetches database-wide counters.
func (c *Client) Stats(ctx context.Context) (*store.Aggregate, error) {
	var agg store.Aggregate
	if err := c.getJSON(ctx, "/v1/stats", nil, &agg); err != nil {
		return nil, err
	}
	return &agg, nil
}

// postJSON sends a JSON body and optionally decodes the response into out.
func (c *Client) postJSON(path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// getJSON fetches path with optional query parameters and decodes into out.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// checkStatus converts non-2xx responses into errors, preserving not-found as
// trace.ErrNotFound so callers can branch on it.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", msg, trace.ErrNotFound)
	}
	return fmt.Errorf("api error (%d): %s", resp.StatusCode, msg)
}
