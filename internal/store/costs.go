package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CostEntry is one appended LLM call cost record.
type CostEntry struct {
	ID           int64
	Type         string // proactive, reactive, cron, tool
	Model        string
	InputTokens  int
	OutputTokens int
	CacheRead    int
	CostUSD      float64
	DurationMs   int64
	SessionID    string
	CronID       string
	TS           int64 // Unix milliseconds
}

// InsertCost appends a cost entry. A zero TS is stamped with now.
func (s *Store) InsertCost(e CostEntry) (int64, error) {
	if e.TS == 0 {
		e.TS = nowMillis()
	}
	res, err := s.db.Exec(`
		INSERT INTO costs (type, model, input_tokens, output_tokens, cache_read, cost_usd, duration_ms, session_id, cron_id, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Type, e.Model, e.InputTokens, e.OutputTokens, e.CacheRead, e.CostUSD, e.DurationMs, e.SessionID, e.CronID, e.TS)
	if err != nil {
		return 0, fmt.Errorf("insert cost: %w", err)
	}
	return res.LastInsertId()
}

// BulkInsertCosts appends entries in one transaction, preserving order.
func (s *Store) BulkInsertCosts(entries []CostEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO costs (type, model, input_tokens, output_tokens, cache_read, cost_usd, duration_ms, session_id, cron_id, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.TS == 0 {
			e.TS = nowMillis()
		}
		if _, err := stmt.Exec(e.Type, e.Model, e.InputTokens, e.OutputTokens, e.CacheRead, e.CostUSD, e.DurationMs, e.SessionID, e.CronID, e.TS); err != nil {
			return fmt.Errorf("bulk insert cost: %w", err)
		}
	}
	return tx.Commit()
}

// GetCostsSince returns entries with ts >= since, oldest first.
func (s *Store) GetCostsSince(sinceMillis int64) ([]CostEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, type, model, input_tokens, output_tokens, cache_read, cost_usd, duration_ms, session_id, cron_id, ts
		FROM costs WHERE ts >= ? ORDER BY ts`, sinceMillis)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CostEntry
	for rows.Next() {
		var e CostEntry
		if err := rows.Scan(&e.ID, &e.Type, &e.Model, &e.InputTokens, &e.OutputTokens, &e.CacheRead, &e.CostUSD, &e.DurationMs, &e.SessionID, &e.CronID, &e.TS); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TotalCostSince sums cost_usd over the trailing window.
func (s *Store) TotalCostSince(window time.Duration) (float64, error) {
	since := time.Now().Add(-window).UnixMilli()
	var total sql.NullFloat64
	err := s.db.QueryRow(`SELECT SUM(cost_usd) FROM costs WHERE ts >= ?`, since).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// TotalCostSinceTS sums cost_usd for entries at or after tsMillis.
func (s *Store) TotalCostSinceTS(tsMillis int64) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRow(`SELECT SUM(cost_usd) FROM costs WHERE ts >= ?`, tsMillis).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// EarliestCostTS returns the oldest cost timestamp, or 0 when the table is
// empty. Used for backfill windows.
func (s *Store) EarliestCostTS() (int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(`SELECT MIN(ts) FROM costs`).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// DailyCostTotals buckets the trailing window by local calendar day.
// Bucketing happens here in Go via the configured location; SQLite's own
// date() would truncate in UTC and split days wrongly.
func (s *Store) DailyCostTotals(window time.Duration) (map[string]float64, error) {
	since := time.Now().Add(-window).UnixMilli()
	rows, err := s.db.Query(`SELECT ts, cost_usd FROM costs WHERE ts >= ? ORDER BY ts`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]float64)
	for rows.Next() {
		var ts int64
		var cost float64
		if err := rows.Scan(&ts, &cost); err != nil {
			return nil, err
		}
		totals[s.DayKey(ts)] += cost
	}
	return totals, rows.Err()
}
