package store

import (
	"fmt"
	"time"
)

// ErrorEntry is one appended error record.
type ErrorEntry struct {
	ID       int64
	Severity string // info, warning, error, critical
	Module   string
	Message  string
	Stack    string
	Context  string
	Resolved bool
	TS       int64
}

// LogError appends an error entry. Failures to record are swallowed into a
// log line so error logging can never cascade.
func (s *Store) LogError(severity, module, message, stack, context string) int64 {
	res, err := s.db.Exec(`
		INSERT INTO errors (severity, module, message, stack, context, resolved, ts)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		severity, module, message, stack, context, nowMillis())
	if err != nil {
		s.logger.Warn("failed to record error entry", "module", module, "error", err)
		return 0
	}
	id, _ := res.LastInsertId()
	return id
}

// MarkErrorResolved flags an error entry as resolved.
func (s *Store) MarkErrorResolved(id int64) error {
	res, err := s.db.Exec(`UPDATE errors SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("resolve error %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("error entry %d not found", id)
	}
	return nil
}

// RecentErrors returns unresolved entries in the trailing window, newest first.
func (s *Store) RecentErrors(window time.Duration, limit int) ([]ErrorEntry, error) {
	since := time.Now().Add(-window).UnixMilli()
	rows, err := s.db.Query(`
		SELECT id, severity, module, message, stack, context, resolved, ts
		FROM errors WHERE ts >= ? AND resolved = 0 ORDER BY ts DESC LIMIT ?`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ErrorEntry
	for rows.Next() {
		var e ErrorEntry
		if err := rows.Scan(&e.ID, &e.Severity, &e.Module, &e.Message, &e.Stack, &e.Context, &e.Resolved, &e.TS); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountErrorsSince counts entries at or above the given severity in the window.
func (s *Store) CountErrorsSince(window time.Duration, severities ...string) (int, error) {
	since := time.Now().Add(-window).UnixMilli()
	if len(severities) == 0 {
		severities = []string{"error", "critical"}
	}
	query := `SELECT COUNT(*) FROM errors WHERE ts >= ? AND severity IN (?` +
		repeatPlaceholder(len(severities)-1) + `)`
	args := []any{since}
	for _, sev := range severities {
		args = append(args, sev)
	}
	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CountModuleErrorsSince counts entries for one module within the window.
// Drives the repeated-corruption module disable rule.
func (s *Store) CountModuleErrorsSince(module string, window time.Duration) (int, error) {
	since := time.Now().Add(-window).UnixMilli()
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM errors WHERE module = ? AND ts >= ?`, module, since).Scan(&count)
	return count, err
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
