package store

import (
	"fmt"
	"time"
)

// Event is one entry in the UI ring buffer of significant steps.
type Event struct {
	ID     int64
	Kind   string
	Detail string
	TS     int64
}

// eventRingCap bounds the events table; RecordEvent trims past it.
const eventRingCap = 500

// RecordEvent appends to the event ring, trimming the oldest rows past cap.
func (s *Store) RecordEvent(kind, detail string) {
	_, err := s.db.Exec(`INSERT INTO events (kind, detail, ts) VALUES (?, ?, ?)`, kind, detail, nowMillis())
	if err != nil {
		s.logger.Warn("failed to record event", "kind", kind, "error", err)
		return
	}
	_, err = s.db.Exec(`
		DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)`, eventRingCap)
	if err != nil {
		s.logger.Warn("failed to trim event ring", "error", err)
	}
}

// RecentEvents returns the newest events, newest first.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	rows, err := s.db.Query(`SELECT id, kind, detail, ts FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Detail, &e.TS); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UserNote is a short note captured via the note command.
type UserNote struct {
	ID   int64
	Body string
	TS   int64
}

// InsertUserNote appends a note.
func (s *Store) InsertUserNote(body string) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO user_notes (body, ts) VALUES (?, ?)`, body, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("insert user note: %w", err)
	}
	return res.LastInsertId()
}

// RecentUserNotes returns the newest notes within the window.
func (s *Store) RecentUserNotes(window time.Duration, limit int) ([]UserNote, error) {
	since := time.Now().Add(-window).UnixMilli()
	rows, err := s.db.Query(`SELECT id, body, ts FROM user_notes WHERE ts >= ? ORDER BY ts DESC LIMIT ?`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []UserNote
	for rows.Next() {
		var n UserNote
		if err := rows.Scan(&n.ID, &n.Body, &n.TS); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}
