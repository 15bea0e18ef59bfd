package store

import (
	"database/sql"
	"fmt"
)

// Cron is a scheduled LLM job read by the cron detectors.
type Cron struct {
	ID                string
	Name              string
	Enabled           bool
	Schedule          string // standard 5-field cron expression
	TZ                string // per-cron timezone override; empty = store timezone
	Prompt            string
	Delivery          string
	Model             string
	LastRun           int64 // 0 = never
	NextRun           int64 // 0 = not yet computed
	ConsecutiveErrors int
}

// UpsertCron inserts or replaces a cron definition, preserving run state on
// replace is the caller's concern (pass the loaded row back with edits).
func (s *Store) UpsertCron(c Cron) error {
	_, err := s.db.Exec(`
		INSERT INTO crons (id, name, enabled, schedule, tz, prompt, delivery, model, last_run, next_run, consecutive_errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, enabled = excluded.enabled, schedule = excluded.schedule,
			tz = excluded.tz, prompt = excluded.prompt, delivery = excluded.delivery,
			model = excluded.model, last_run = excluded.last_run, next_run = excluded.next_run,
			consecutive_errors = excluded.consecutive_errors`,
		c.ID, c.Name, c.Enabled, c.Schedule, c.TZ, c.Prompt, c.Delivery, c.Model,
		nullableMillis(c.LastRun), nullableMillis(c.NextRun), c.ConsecutiveErrors)
	if err != nil {
		return fmt.Errorf("upsert cron %q: %w", c.ID, err)
	}
	return nil
}

// GetCron fetches one cron by id, or nil when absent.
func (s *Store) GetCron(id string) (*Cron, error) {
	crons, err := s.queryCrons(`SELECT `+cronColumns+` FROM crons WHERE id = ?`, id)
	if err != nil || len(crons) == 0 {
		return nil, err
	}
	return &crons[0], nil
}

// ListCrons returns all crons, enabled first.
func (s *Store) ListCrons() ([]Cron, error) {
	return s.queryCrons(`SELECT ` + cronColumns + ` FROM crons ORDER BY enabled DESC, name`)
}

// MarkCronRun records a run result: success resets the error streak and
// advances run state; failure increments it.
func (s *Store) MarkCronRun(id string, ranAt, nextRun int64, success bool) error {
	var err error
	if success {
		_, err = s.db.Exec(`UPDATE crons SET last_run = ?, next_run = ?, consecutive_errors = 0 WHERE id = ?`, ranAt, nullableMillis(nextRun), id)
	} else {
		_, err = s.db.Exec(`UPDATE crons SET last_run = ?, next_run = ?, consecutive_errors = consecutive_errors + 1 WHERE id = ?`, ranAt, nullableMillis(nextRun), id)
	}
	if err != nil {
		return fmt.Errorf("mark cron run %q: %w", id, err)
	}
	return nil
}

// SetCronNextRun stores the computed next fire time.
func (s *Store) SetCronNextRun(id string, nextRun int64) error {
	_, err := s.db.Exec(`UPDATE crons SET next_run = ? WHERE id = ?`, nullableMillis(nextRun), id)
	return err
}

// DeleteCron removes a cron definition.
func (s *Store) DeleteCron(id string) error {
	_, err := s.db.Exec(`DELETE FROM crons WHERE id = ?`, id)
	return err
}

const cronColumns = `id, name, enabled, schedule, tz, prompt, delivery, model, last_run, next_run, consecutive_errors`

func (s *Store) queryCrons(query string, args ...any) ([]Cron, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var crons []Cron
	for rows.Next() {
		var c Cron
		var lastRun, nextRun sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Name, &c.Enabled, &c.Schedule, &c.TZ, &c.Prompt, &c.Delivery, &c.Model, &lastRun, &nextRun, &c.ConsecutiveErrors); err != nil {
			return nil, err
		}
		c.LastRun = lastRun.Int64
		c.NextRun = nextRun.Int64
		crons = append(crons, c)
	}
	return crons, rows.Err()
}
