package store

import (
	"database/sql"
	"fmt"
)

// Experiment is a bounded A/B change with auto-revert semantics.
type Experiment struct {
	ID                string
	Name              string
	Hypothesis        string
	Metric            string // positive_rate, response_time, cost
	BaselineValue     float64
	HasBaseline       bool
	CurrentValue      float64
	HasCurrent        bool
	DurationHours     float64
	RevertThreshold   float64
	Status            string // pending, running, concluded, reverted
	ChangeDescription string
	RevertAction      string
	Conclusion        string
	ReasoningID       string
	StartedAt         int64
	ConcludedAt       int64
}

// InsertExperiment persists a new experiment row.
func (s *Store) InsertExperiment(e Experiment) error {
	if e.Status == "" {
		e.Status = "pending"
	}
	_, err := s.db.Exec(`
		INSERT INTO experiments (id, name, hypothesis, metric, baseline_value, current_value, duration_hours,
			revert_threshold, status, change_description, revert_action, conclusion, reasoning_id, started_at, concluded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Hypothesis, e.Metric, nullableFloat(e.BaselineValue, e.HasBaseline),
		nullableFloat(e.CurrentValue, e.HasCurrent), e.DurationHours, e.RevertThreshold,
		e.Status, e.ChangeDescription, e.RevertAction, e.Conclusion, e.ReasoningID,
		nullableMillis(e.StartedAt), nullableMillis(e.ConcludedAt))
	if err != nil {
		return fmt.Errorf("insert experiment %q: %w", e.ID, err)
	}
	return nil
}

// GetExperiment fetches one experiment by id, or nil when absent.
func (s *Store) GetExperiment(id string) (*Experiment, error) {
	exps, err := s.queryExperiments(`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)
	if err != nil || len(exps) == 0 {
		return nil, err
	}
	return &exps[0], nil
}

// ListExperimentsByStatus returns experiments with the given statuses.
func (s *Store) ListExperimentsByStatus(statuses ...string) ([]Experiment, error) {
	if len(statuses) == 0 {
		return s.queryExperiments(`SELECT ` + experimentColumns + ` FROM experiments ORDER BY started_at DESC`)
	}
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE status IN (?` +
		repeatPlaceholder(len(statuses)-1) + `) ORDER BY started_at DESC`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return s.queryExperiments(query, args...)
}

// StartExperiment moves pending → running, stamping baseline and start time.
func (s *Store) StartExperiment(id string, baseline float64, hasBaseline bool) error {
	res, err := s.db.Exec(`
		UPDATE experiments SET status = 'running', baseline_value = ?, started_at = ?
		WHERE id = ? AND status = 'pending'`,
		nullableFloat(baseline, hasBaseline), nowMillis(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("experiment %q not pending", id)
	}
	return nil
}

// UpdateExperimentCurrent persists the latest metric reading. Rows in a
// terminal state are immutable; the WHERE clause enforces it.
func (s *Store) UpdateExperimentCurrent(id string, current float64) error {
	_, err := s.db.Exec(`
		UPDATE experiments SET current_value = ? WHERE id = ? AND status = 'running'`, current, id)
	return err
}

// FinishExperiment transitions running → concluded|reverted with a
// conclusion. Once terminal the row never changes again except conclusion.
func (s *Store) FinishExperiment(id, status, conclusion string) error {
	if status != "concluded" && status != "reverted" {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	res, err := s.db.Exec(`
		UPDATE experiments SET status = ?, conclusion = ?, concluded_at = ?
		WHERE id = ? AND status = 'running'`, status, conclusion, nowMillis(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("experiment %q not running", id)
	}
	return nil
}

// AmendExperimentConclusion is the only permitted write to a terminal row.
func (s *Store) AmendExperimentConclusion(id, conclusion string) error {
	res, err := s.db.Exec(`
		UPDATE experiments SET conclusion = ? WHERE id = ? AND status IN ('concluded','reverted')`, conclusion, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("experiment %q not in a terminal state", id)
	}
	return nil
}

const experimentColumns = `id, name, hypothesis, metric, baseline_value, current_value, duration_hours,
	revert_threshold, status, change_description, revert_action, conclusion, reasoning_id, started_at, concluded_at`

func (s *Store) queryExperiments(query string, args ...any) ([]Experiment, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exps []Experiment
	for rows.Next() {
		var e Experiment
		var baseline, current sql.NullFloat64
		var startedAt, concludedAt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Name, &e.Hypothesis, &e.Metric, &baseline, &current,
			&e.DurationHours, &e.RevertThreshold, &e.Status, &e.ChangeDescription,
			&e.RevertAction, &e.Conclusion, &e.ReasoningID, &startedAt, &concludedAt); err != nil {
			return nil, err
		}
		e.BaselineValue, e.HasBaseline = baseline.Float64, baseline.Valid
		e.CurrentValue, e.HasCurrent = current.Float64, current.Valid
		e.StartedAt = startedAt.Int64
		e.ConcludedAt = concludedAt.Int64
		exps = append(exps, e)
	}
	return exps, rows.Err()
}

func nullableFloat(v float64, ok bool) any {
	if !ok {
		return nil
	}
	return v
}
