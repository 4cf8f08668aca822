// ABOUTME: Row scanning and JSON column helpers shared by the store's read and write paths.
// ABOUTME: Converts between nullable SQLite columns and the trace entity structs.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389-research/xray/trace"
)

const stepColumns = `SELECT id, execution_id, name, category, status, started_at, ended_at,
	stats, input_summary, output_summary, inputs, outputs, error`

const candidateColumns = `SELECT id, step_id, candidate_id, attributes, decision, score, reasoning`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*trace.Execution, error) {
	var (
		exec       trace.Execution
		status     string
		startedAt  string
		repository sql.NullString
		version    sql.NullString
		metadata   sql.NullString
	)
	err := row.Scan(&exec.ID, &exec.Category, &status, &startedAt, &repository, &version, &metadata)
	if err != nil {
		return nil, err
	}

	exec.Status = trace.Status(status)
	exec.StartedAt, err = time.Parse(timeFormat, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	exec.Repository = repository.String
	exec.Version = version.String
	if err := unmarshalMap(metadata, &exec.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &exec, nil
}

func scanStep(row scanner) (*trace.Step, error) {
	var (
		step          trace.Step
		executionID   sql.NullString
		category      string
		status        string
		startedAt     string
		endedAt       sql.NullString
		stats         string
		inputSummary  sql.NullString
		outputSummary sql.NullString
		inputs        sql.NullString
		outputs       sql.NullString
		stepErr       sql.NullString
	)
	err := row.Scan(&step.ID, &executionID, &step.Name, &category, &status, &startedAt, &endedAt,
		&stats, &inputSummary, &outputSummary, &inputs, &outputs, &stepErr)
	if err != nil {
		return nil, err
	}

	if executionID.Valid {
		id := executionID.String
		step.ExecutionID = &id
	}
	step.Category = trace.StepCategory(category)
	step.Status = trace.Status(status)
	step.StartedAt, err = time.Parse(timeFormat, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if endedAt.Valid {
		step.EndedAt, err = time.Parse(timeFormat, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
	}
	step.Stats = map[string]any{}
	if stats != "" {
		if err := json.Unmarshal([]byte(stats), &step.Stats); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
	}
	step.InputSummary = inputSummary.String
	step.OutputSummary = outputSummary.String
	if inputs.Valid {
		if err := json.Unmarshal([]byte(inputs.String), &step.Inputs); err != nil {
			return nil, fmt.Errorf("decode inputs: %w", err)
		}
	}
	if outputs.Valid {
		if err := json.Unmarshal([]byte(outputs.String), &step.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
	}
	if err := unmarshalMap(stepErr, &step.Error); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	return &step, nil
}

func scanCandidate(row scanner) (*trace.CandidateDecision, error) {
	var (
		cand       trace.CandidateDecision
		attributes sql.NullString
		decision   string
		score      sql.NullString
		reasoning  sql.NullString
	)
	err := row.Scan(&cand.ID, &cand.StepID, &cand.CandidateID, &attributes, &decision, &score, &reasoning)
	if err != nil {
		return nil, err
	}

	cand.Decision = trace.Decision(decision)
	cand.Reasoning = reasoning.String
	if err := unmarshalMap(attributes, &cand.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	if score.Valid {
		cand.Score = map[string]float64{}
		if err := json.Unmarshal([]byte(score.String), &cand.Score); err != nil {
			return nil, fmt.Errorf("decode score: %w", err)
		}
	}
	return &cand, nil
}

// unmarshalMap decodes a nullable JSON column into a map, leaving the target
// nil when the column is NULL.
func unmarshalMap(col sql.NullString, dst *map[string]any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

// nullable converts an empty string to a NULL column value.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSON encodes a map to a JSON column value, NULL when the map is nil.
func marshalJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// marshalScore encodes a score mapping, NULL when absent.
func marshalScore(m map[string]float64) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// marshalAny encodes an arbitrary snapshot value, NULL when absent.
func marshalAny(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
