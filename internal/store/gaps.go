package store

import (
	"database/sql"
	"fmt"
)

// CapabilityGap records a recurring request the agent could not serve.
type CapabilityGap struct {
	ID          string
	Description string
	Topic       string
	Occurrences int
	FirstSeen   int64
	LastSeen    int64
	Status      string // detected, proposed, resolved, dismissed
	SkillSlug   string
}

// RecordCapabilityGap increments the occurrence count for topic, inserting a
// fresh detected row when none exists. Returns the row after the write.
func (s *Store) RecordCapabilityGap(id, topic, description string) (*CapabilityGap, error) {
	now := nowMillis()
	var existing string
	err := s.db.QueryRow(`SELECT id FROM capability_gaps WHERE topic = ? AND status IN ('detected','proposed')`, topic).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(`
			INSERT INTO capability_gaps (id, description, topic, occurrences, first_seen, last_seen, status)
			VALUES (?, ?, ?, 1, ?, ?, 'detected')`, id, description, topic, now, now)
		if err != nil {
			return nil, fmt.Errorf("insert capability gap: %w", err)
		}
		return s.GetCapabilityGap(id)
	case err != nil:
		return nil, err
	default:
		_, err = s.db.Exec(`UPDATE capability_gaps SET occurrences = occurrences + 1, last_seen = ? WHERE id = ?`, now, existing)
		if err != nil {
			return nil, fmt.Errorf("bump capability gap: %w", err)
		}
		return s.GetCapabilityGap(existing)
	}
}

// GetCapabilityGap fetches one gap by id, or nil when absent.
func (s *Store) GetCapabilityGap(id string) (*CapabilityGap, error) {
	gaps, err := s.queryGaps(`SELECT `+gapColumns+` FROM capability_gaps WHERE id = ?`, id)
	if err != nil || len(gaps) == 0 {
		return nil, err
	}
	return &gaps[0], nil
}

// ListCapabilityGaps returns gaps with any of the given statuses.
func (s *Store) ListCapabilityGaps(statuses ...string) ([]CapabilityGap, error) {
	if len(statuses) == 0 {
		return s.queryGaps(`SELECT ` + gapColumns + ` FROM capability_gaps ORDER BY occurrences DESC`)
	}
	query := `SELECT ` + gapColumns + ` FROM capability_gaps WHERE status IN (?` +
		repeatPlaceholder(len(statuses)-1) + `) ORDER BY occurrences DESC`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return s.queryGaps(query, args...)
}

// SetCapabilityGapStatus moves a gap through its lifecycle.
func (s *Store) SetCapabilityGapStatus(id, status, skillSlug string) error {
	res, err := s.db.Exec(`UPDATE capability_gaps SET status = ?, skill_slug = ? WHERE id = ?`, status, skillSlug, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("capability gap %q not found", id)
	}
	return nil
}

const gapColumns = `id, description, topic, occurrences, first_seen, last_seen, status, skill_slug`

func (s *Store) queryGaps(query string, args ...any) ([]CapabilityGap, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gaps []CapabilityGap
	for rows.Next() {
		var g CapabilityGap
		if err := rows.Scan(&g.ID, &g.Description, &g.Topic, &g.Occurrences, &g.FirstSeen, &g.LastSeen, &g.Status, &g.SkillSlug); err != nil {
			return nil, err
		}
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}
