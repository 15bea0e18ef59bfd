package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ReasoningEntry is one hypothesis tracked across cycles.
type ReasoningEntry struct {
	ID         string
	Hypothesis string
	Evidence   []string
	Conclusion string
	Status     string // open, concluded
	CreatedAt  int64
	UpdatedAt  int64
}

// InsertReasoning opens a new hypothesis.
func (s *Store) InsertReasoning(e ReasoningEntry) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = nowMillis()
	}
	e.UpdatedAt = e.CreatedAt
	if e.Status == "" {
		e.Status = "open"
	}
	evidence, err := json.Marshal(emptyIfNil(e.Evidence))
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO reasoning_journal (id, hypothesis, evidence, conclusion, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Hypothesis, string(evidence), e.Conclusion, e.Status, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert reasoning %q: %w", e.ID, err)
	}
	return nil
}

// AppendReasoningEvidence adds an evidence line to an open hypothesis.
func (s *Store) AppendReasoningEvidence(id, evidence string) error {
	entry, err := s.GetReasoning(id)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("reasoning entry %q not found", id)
	}
	entry.Evidence = append(entry.Evidence, evidence)
	blob, err := json.Marshal(entry.Evidence)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE reasoning_journal SET evidence = ?, updated_at = ? WHERE id = ?`,
		string(blob), nowMillis(), id)
	return err
}

// ConcludeReasoning closes a hypothesis with a conclusion.
func (s *Store) ConcludeReasoning(id, conclusion string) error {
	res, err := s.db.Exec(`
		UPDATE reasoning_journal SET conclusion = ?, status = 'concluded', updated_at = ?
		WHERE id = ? AND status = 'open'`, conclusion, nowMillis(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("reasoning entry %q not open", id)
	}
	return nil
}

// GetReasoning fetches one entry by id, or nil when absent.
func (s *Store) GetReasoning(id string) (*ReasoningEntry, error) {
	entries, err := s.queryReasoning(`SELECT id, hypothesis, evidence, conclusion, status, created_at, updated_at
		FROM reasoning_journal WHERE id = ?`, id)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// OpenReasoning returns open hypotheses, oldest first.
func (s *Store) OpenReasoning(limit int) ([]ReasoningEntry, error) {
	return s.queryReasoning(`SELECT id, hypothesis, evidence, conclusion, status, created_at, updated_at
		FROM reasoning_journal WHERE status = 'open' ORDER BY created_at LIMIT ?`, limit)
}

func (s *Store) queryReasoning(query string, args ...any) ([]ReasoningEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ReasoningEntry
	for rows.Next() {
		var e ReasoningEntry
		var evidence string
		if err := rows.Scan(&e.ID, &e.Hypothesis, &evidence, &e.Conclusion, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(evidence), &e.Evidence); err != nil {
			s.logger.Warn("corrupted reasoning evidence blob", "id", e.ID, "error", err)
			e.Evidence = nil
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LearningEntry links a signal to an action and its later outcome.
type LearningEntry struct {
	ID         int64
	SignalType string
	Action     string
	Outcome    string
	Rule       string
	Confidence float64
	TS         int64
}

// InsertLearning appends a learning-journal entry.
func (s *Store) InsertLearning(e LearningEntry) error {
	if e.TS == 0 {
		e.TS = nowMillis()
	}
	_, err := s.db.Exec(`
		INSERT INTO learning_journal (signal_type, action, outcome, rule, confidence, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.SignalType, e.Action, e.Outcome, e.Rule, e.Confidence, e.TS)
	if err != nil {
		return fmt.Errorf("insert learning entry: %w", err)
	}
	return nil
}

// TopLearningRules returns the highest-confidence rules in the window.
func (s *Store) TopLearningRules(window time.Duration, limit int) ([]LearningEntry, error) {
	since := time.Now().Add(-window).UnixMilli()
	rows, err := s.db.Query(`
		SELECT id, signal_type, action, outcome, rule, confidence, ts
		FROM learning_journal WHERE ts >= ? AND rule != ''
		ORDER BY confidence DESC, ts DESC LIMIT ?`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LearningEntry
	for rows.Next() {
		var e LearningEntry
		if err := rows.Scan(&e.ID, &e.SignalType, &e.Action, &e.Outcome, &e.Rule, &e.Confidence, &e.TS); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestLearningByOutcome returns the newest entry with the given outcome,
// or nil. Used by tests and the experiments writeback.
func (s *Store) LatestLearningByOutcome(outcome string) (*LearningEntry, error) {
	var e LearningEntry
	err := s.db.QueryRow(`
		SELECT id, signal_type, action, outcome, rule, confidence, ts
		FROM learning_journal WHERE outcome = ? ORDER BY ts DESC, id DESC LIMIT 1`, outcome).
		Scan(&e.ID, &e.SignalType, &e.Action, &e.Outcome, &e.Rule, &e.Confidence, &e.TS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
