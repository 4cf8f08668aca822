// ABOUTME: SQLite-backed trace store persisting executions, steps, and candidate decisions.
// ABOUTME: Enforces referential integrity with cascading deletes and serves filtered list queries.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/2389-research/xray/trace"
)

const timeFormat = time.RFC3339Nano

// Store is a SQLite-backed trace store. Each create call is an independent,
// atomic unit; steps and their initial candidates are written in one
// transaction so partial writes are never observable. SQLite's single-writer
// lock serializes concurrent appends to the same step.
type Store struct {
	db *sql.DB
}

// Open opens or creates the trace database at the given path and ensures the
// schema exists. WAL mode keeps readers unblocked by the ingestion path.
// Foreign keys are enabled via the DSN so every pooled connection enforces
// the cascading deletes.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			repository TEXT,
			version TEXT,
			metadata TEXT
		);

		CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			execution_id TEXT REFERENCES executions(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			category TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			stats TEXT NOT NULL,
			input_summary TEXT,
			output_summary TEXT,
			inputs TEXT,
			outputs TEXT,
			error TEXT
		);

		CREATE TABLE IF NOT EXISTS candidate_decisions (
			id TEXT PRIMARY KEY,
			step_id TEXT NOT NULL REFERENCES steps(id) ON DELETE CASCADE,
			candidate_id TEXT NOT NULL,
			attributes TEXT,
			decision TEXT NOT NULL,
			score TEXT,
			reasoning TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_steps_execution ON steps(execution_id);
		CREATE INDEX IF NOT EXISTS idx_candidates_step ON candidate_decisions(step_id);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateExecution inserts a new execution in the running state and returns it.
func (s *Store) CreateExecution(category string, metadata map[string]any, repository, version string) (*trace.Execution, error) {
	exec := &trace.Execution{
		ID:         trace.NewExecutionID(),
		Category:   category,
		StartedAt:  time.Now().UTC(),
		Status:     trace.StatusRunning,
		Metadata:   metadata,
		Repository: repository,
		Version:    version,
	}

	meta, err := marshalJSON(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO executions (id, category, status, started_at, repository, version, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.Category, string(exec.Status), exec.StartedAt.Format(timeFormat),
		nullable(exec.Repository), nullable(exec.Version), meta)
	if err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}

	return exec, nil
}

// FinishExecution moves an execution from running to a terminal status,
// exactly once. A failure description, when present, is recorded into the
// execution's metadata under the "error" key. A second transition attempt is
// rejected with a ValidationError.
func (s *Store) FinishExecution(id string, status trace.Status, errMsg string) error {
	if !status.Terminal() {
		return trace.Validationf("status %q is not terminal", status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin finish: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	var meta sql.NullString
	err = tx.QueryRow("SELECT status, metadata FROM executions WHERE id = ?", id).Scan(&current, &meta)
	if err == sql.ErrNoRows {
		return fmt.Errorf("execution %s: %w", id, trace.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("query execution: %w", err)
	}
	if trace.Status(current) != trace.StatusRunning {
		return trace.Validationf("execution %s is already %s", id, current)
	}

	metadata := map[string]any{}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &metadata); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
	}
	if errMsg != "" {
		metadata["error"] = errMsg
	}
	encoded, err := marshalJSON(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if _, err := tx.Exec("UPDATE executions SET status = ?, metadata = ? WHERE id = ?",
		string(status), encoded, id); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	return tx.Commit()
}

// GetExecution returns the execution with all steps and their candidate
// decisions eagerly nested, in creation order.
func (s *Store) GetExecution(id string) (*trace.Execution, error) {
	row := s.db.QueryRow(
		`SELECT id, category, status, started_at, repository, version, metadata
		 FROM executions WHERE id = ?`, id)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %s: %w", id, trace.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	steps, err := s.stepsForExecution(id)
	if err != nil {
		return nil, err
	}
	exec.Steps = steps

	return exec, nil
}

// CreateStep inserts a step and its initial candidate decisions atomically.
// Returns ErrNotFound if the step references an unknown execution. A nil
// ExecutionID is allowed for standalone steps captured without a run scope.
func (s *Store) CreateStep(step *trace.Step, candidates []trace.CandidateDecision) (*trace.Step, error) {
	if step.ID == "" {
		step.ID = trace.NewStepID()
	}
	if step.Stats == nil {
		step.Stats = map[string]any{}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin create step: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if step.ExecutionID != nil {
		var exists int
		err := tx.QueryRow("SELECT 1 FROM executions WHERE id = ?", *step.ExecutionID).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("execution %s: %w", *step.ExecutionID, trace.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("check execution: %w", err)
		}
	}

	stats, err := marshalJSON(step.Stats)
	if err != nil {
		return nil, fmt.Errorf("encode stats: %w", err)
	}
	inputs, err := marshalAny(step.Inputs)
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	outputs, err := marshalAny(step.Outputs)
	if err != nil {
		return nil, fmt.Errorf("encode outputs: %w", err)
	}
	stepErr, err := marshalJSON(step.Error)
	if err != nil {
		return nil, fmt.Errorf("encode error: %w", err)
	}

	var endedAt any
	if !step.EndedAt.IsZero() {
		endedAt = step.EndedAt.Format(timeFormat)
	}

	_, err = tx.Exec(
		`INSERT INTO steps (id, execution_id, name, category, status, started_at, ended_at,
			stats, input_summary, output_summary, inputs, outputs, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.ExecutionID, step.Name, string(step.Category), string(step.Status),
		step.StartedAt.Format(timeFormat), endedAt, stats,
		nullable(step.InputSummary), nullable(step.OutputSummary), inputs, outputs, stepErr)
	if err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}

	inserted := make([]trace.CandidateDecision, 0, len(candidates))
	for _, c := range candidates {
		c.StepID = step.ID
		if err := insertCandidate(tx, &c); err != nil {
			return nil, err
		}
		inserted = append(inserted, c)
	}
	step.Candidates = inserted

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit step: %w", err)
	}
	return step, nil
}

// AddCandidates appends candidate decisions to an existing step atomically.
// Returns ErrNotFound if the step is unknown.
func (s *Store) AddCandidates(stepID string, candidates []trace.CandidateDecision) ([]trace.CandidateDecision, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin add candidates: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRow("SELECT 1 FROM steps WHERE id = ?", stepID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("step %s: %w", stepID, trace.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("check step: %w", err)
	}

	inserted := make([]trace.CandidateDecision, 0, len(candidates))
	for _, c := range candidates {
		c.StepID = stepID
		if err := insertCandidate(tx, &c); err != nil {
			return nil, err
		}
		inserted = append(inserted, c)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit candidates: %w", err)
	}
	return inserted, nil
}

// DeleteExecution removes an execution and all descendant steps and candidate
// decisions in one transaction. Partial cascades are never observable.
func (s *Store) DeleteExecution(id string) error {
	res, err := s.db.Exec("DELETE FROM executions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete execution rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s: %w", id, trace.ErrNotFound)
	}
	return nil
}

// ListExecutions returns executions matching the filter in creation order,
// without nested steps. Pagination applies after filtering.
func (s *Store) ListExecutions(f trace.Filter) ([]trace.Execution, error) {
	rows, err := s.db.Query(
		`SELECT id, category, status, started_at, repository, version, metadata
		 FROM executions ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	matched := []trace.Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		if f.Match(exec.FilterFields()) {
			matched = append(matched, *exec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return trace.Paginate(matched, f.Skip, f.Limit), nil
}

// ListSteps returns steps matching the filter in creation order, without
// nested candidates.
func (s *Store) ListSteps(f trace.Filter) ([]trace.Step, error) {
	rows, err := s.db.Query(stepColumns + " FROM steps ORDER BY rowid ASC")
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	matched := []trace.Step{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step row: %w", err)
		}
		if f.Match(step.FilterFields()) {
			matched = append(matched, *step)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return trace.Paginate(matched, f.Skip, f.Limit), nil
}

// ListCandidates returns candidate decisions matching the filter in creation order.
func (s *Store) ListCandidates(f trace.Filter) ([]trace.CandidateDecision, error) {
	rows, err := s.db.Query(candidateColumns + " FROM candidate_decisions ORDER BY rowid ASC")
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	matched := []trace.CandidateDecision{}
	for rows.Next() {
		cand, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}
		if f.Match(cand.FilterFields()) {
			matched = append(matched, *cand)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return trace.Paginate(matched, f.Skip, f.Limit), nil
}

// Aggregate holds database-wide counters for dashboards.
type Aggregate struct {
	Executions struct {
		Total      int `json:"total"`
		Successful int `json:"successful"`
		Failed     int `json:"failed"`
	} `json:"executions"`
	Steps struct {
		Total      int `json:"total"`
		Successful int `json:"successful"`
		Failed     int `json:"failed"`
	} `json:"steps"`
	Candidates struct {
		Total    int `json:"total"`
		Accepted int `json:"accepted"`
		Rejected int `json:"rejected"`
		Selected int `json:"selected"`
	} `json:"candidates"`
	PipelineCategories int      `json:"pipeline_categories"`
	StepCategories     []string `json:"step_categories"`
}

// Stats computes aggregate counters across all executions, steps, and
// candidate decisions.
func (s *Store) Stats() (*Aggregate, error) {
	agg := &Aggregate{StepCategories: []string{}}

	counts := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM executions", &agg.Executions.Total},
		{"SELECT COUNT(*) FROM executions WHERE status = 'success'", &agg.Executions.Successful},
		{"SELECT COUNT(*) FROM executions WHERE status = 'failure'", &agg.Executions.Failed},
		{"SELECT COUNT(*) FROM steps", &agg.Steps.Total},
		{"SELECT COUNT(*) FROM steps WHERE status = 'success'", &agg.Steps.Successful},
		{"SELECT COUNT(*) FROM steps WHERE status = 'failure'", &agg.Steps.Failed},
		{"SELECT COUNT(*) FROM candidate_decisions", &agg.Candidates.Total},
		{"SELECT COUNT(*) FROM candidate_decisions WHERE decision = 'accepted'", &agg.Candidates.Accepted},
		{"SELECT COUNT(*) FROM candidate_decisions WHERE decision = 'rejected'", &agg.Candidates.Rejected},
		{"SELECT COUNT(*) FROM candidate_decisions WHERE decision = 'selected'", &agg.Candidates.Selected},
		{"SELECT COUNT(DISTINCT category) FROM executions", &agg.PipelineCategories},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("aggregate count: %w", err)
		}
	}

	rows, err := s.db.Query("SELECT DISTINCT category FROM steps ORDER BY category")
	if err != nil {
		return nil, fmt.Errorf("query step categories: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var cat string
		if err := rows.Scan(&cat); err != nil {
			return nil, fmt.Errorf("scan step category: %w", err)
		}
		agg.StepCategories = append(agg.StepCategories, cat)
	}
	return agg, rows.Err()
}

// stepsForExecution loads all steps for an execution with candidates nested,
// in creation order.
func (s *Store) stepsForExecution(executionID string) ([]trace.Step, error) {
	rows, err := s.db.Query(stepColumns+" FROM steps WHERE execution_id = ? ORDER BY rowid ASC", executionID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	steps := []trace.Step{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step row: %w", err)
		}
		steps = append(steps, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range steps {
		cands, err := s.candidatesForStep(steps[i].ID)
		if err != nil {
			return nil, err
		}
		steps[i].Candidates = cands
	}
	return steps, nil
}

// candidatesForStep loads a step's candidate decisions in creation order.
func (s *Store) candidatesForStep(stepID string) ([]trace.CandidateDecision, error) {
	rows, err := s.db.Query(candidateColumns+" FROM candidate_decisions WHERE step_id = ? ORDER BY rowid ASC", stepID)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cands := []trace.CandidateDecision{}
	for rows.Next() {
		cand, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}
		cands = append(cands, *cand)
	}
	return cands, rows.Err()
}

// insertCandidate writes one candidate decision inside a transaction,
// assigning an ID when the caller did not supply one.
func insertCandidate(tx *sql.Tx, c *trace.CandidateDecision) error {
	if c.ID == "" {
		c.ID = trace.NewCandidateID()
	}
	attrs, err := marshalJSON(c.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	score, err := marshalScore(c.Score)
	if err != nil {
		return fmt.Errorf("encode score: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO candidate_decisions (id, step_id, candidate_id, attributes, decision, score, reasoning)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.StepID, c.CandidateID, attrs, string(c.Decision), score, nullable(c.Reasoning))
	if err != nil {
		return fmt.Errorf("insert candidate: %w", err)
	}
	return nil
}
