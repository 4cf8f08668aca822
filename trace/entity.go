// ABOUTME: Core entity model for pipeline traces: Execution, Step, and CandidateDecision.
// ABOUTME: Defines the three-tier ownership hierarchy, status enums, and ID generation.
package trace

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Status is the terminal state of an Execution or Step.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// StepCategory tags a step with the kind of decision point it represents.
// The set is open but curated: callers may introduce new categories, but
// keeping the set small preserves cross-execution queryability.
type StepCategory string

const (
	CategoryGenerative   StepCategory = "generative"
	CategoryFilter       StepCategory = "filter"
	CategoryExternalCall StepCategory = "external-call"
	CategoryRanking      StepCategory = "ranking"
	CategoryTransform    StepCategory = "transform"
)

// Decision is a candidate's outcome at a step.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
	DecisionSelected Decision = "selected"
)

// Valid reports whether d is one of the known decision values.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAccepted, DecisionRejected, DecisionSelected:
		return true
	}
	return false
}

// Execution is one end-to-end run of an instrumented pipeline. It exclusively
// owns its Steps; deleting an Execution deletes all descendants. Status moves
// running -> success or running -> failure exactly once, when the owning
// scope exits.
type Execution struct {
	ID         string         `json:"id"`
	Category   string         `json:"category"`
	StartedAt  time.Time      `json:"started_at"`
	Status     Status         `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Repository string         `json:"repository,omitempty"`
	Version    string         `json:"version,omitempty"`
	Steps      []Step         `json:"steps,omitempty"`
}

// Step is one decision point within an Execution. ExecutionID is nil when the
// step was captured standalone (degraded operation with no owning execution).
// Stats is always non-nil once stored, even if empty.
type Step struct {
	ID            string              `json:"id"`
	ExecutionID   *string             `json:"execution_id"`
	Name          string              `json:"name"`
	Category      StepCategory        `json:"category"`
	Status        Status              `json:"status"`
	StartedAt     time.Time           `json:"started_at"`
	EndedAt       time.Time           `json:"ended_at,omitempty"`
	Stats         map[string]any      `json:"stats"`
	InputSummary  string              `json:"input_summary,omitempty"`
	OutputSummary string              `json:"output_summary,omitempty"`
	Inputs        any                 `json:"inputs,omitempty"`
	Outputs       any                 `json:"outputs,omitempty"`
	Error         map[string]any      `json:"error,omitempty"`
	Candidates    []CandidateDecision `json:"candidates,omitempty"`
}

// CandidateDecision records a single candidate's outcome at a Step. Created
// once, immutable thereafter, removed only by cascading deletion of its step.
type CandidateDecision struct {
	ID          string             `json:"id"`
	StepID      string             `json:"step_id"`
	CandidateID string             `json:"candidate_id"`
	Attributes  map[string]any     `json:"attributes,omitempty"`
	Decision    Decision           `json:"decision"`
	Score       map[string]float64 `json:"score,omitempty"`
	Reasoning   string             `json:"reasoning,omitempty"`
}

// NewExecutionID generates a ULID for an execution. ULIDs sort lexically by
// creation time, which keeps execution listings in creation order.
func NewExecutionID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// NewStepID generates a UUID for a step.
func NewStepID() string {
	return uuid.New().String()
}

// NewCandidateID generates a UUID for a candidate decision.
func NewCandidateID() string {
	return uuid.New().String()
}
