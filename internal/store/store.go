// Package store provides SQLite-backed persistence for Vigil state.
// The key-value store exclusively owns persistence; every other component
// reads and writes through the typed helpers here.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. Day bucketing uses loc, never UTC.
type Store struct {
	db     *sql.DB
	loc    *time.Location
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS kv_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS costs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	session_id TEXT NOT NULL DEFAULT '',
	cron_id TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_costs_ts ON costs(ts);

CREATE TABLE IF NOT EXISTS errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	severity TEXT NOT NULL,
	module TEXT NOT NULL,
	message TEXT NOT NULL,
	stack TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '',
	resolved INTEGER NOT NULL DEFAULT 0,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_errors_ts ON errors(ts);

CREATE TABLE IF NOT EXISTS reply_outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_msg_id TEXT NOT NULL,
	signal TEXT NOT NULL DEFAULT '',
	sentiment TEXT,
	classification TEXT NOT NULL DEFAULT '',
	user_response TEXT NOT NULL DEFAULT '',
	window_ms INTEGER,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reply_outcomes_ts ON reply_outcomes(ts);

CREATE TABLE IF NOT EXISTS goals (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'proposed',
	priority INTEGER NOT NULL DEFAULT 0,
	progress INTEGER NOT NULL DEFAULT 0,
	milestones TEXT NOT NULL DEFAULT '[]',
	log TEXT NOT NULL DEFAULT '[]',
	linked_topics TEXT NOT NULL DEFAULT '[]',
	category TEXT NOT NULL DEFAULT '',
	parent_goal_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER,
	deadline INTEGER
);

CREATE TABLE IF NOT EXISTS crons (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	schedule TEXT NOT NULL,
	tz TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL,
	delivery TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	last_run INTEGER,
	next_run INTEGER,
	consecutive_errors INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	direction TEXT NOT NULL,
	sender TEXT NOT NULL,
	bot_msg_id TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);
CREATE INDEX IF NOT EXISTS idx_messages_bot_msg_id ON messages(bot_msg_id);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	body, content='messages', content_rowid='id'
);
CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts(rowid, body) VALUES (new.id, new.body);
END;
CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, body) VALUES ('delete', old.id, old.body);
END;

CREATE TABLE IF NOT EXISTS reasoning_journal (
	id TEXT PRIMARY KEY,
	hypothesis TEXT NOT NULL,
	evidence TEXT NOT NULL DEFAULT '[]',
	conclusion TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'open',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_journal (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	signal_type TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	rule TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learning_ts ON learning_journal(ts);

CREATE TABLE IF NOT EXISTS capability_gaps (
	id TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	topic TEXT NOT NULL,
	occurrences INTEGER NOT NULL DEFAULT 1,
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'detected',
	skill_slug TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS experiments (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	hypothesis TEXT NOT NULL DEFAULT '',
	metric TEXT NOT NULL,
	baseline_value REAL,
	current_value REAL,
	duration_hours REAL NOT NULL DEFAULT 24,
	revert_threshold REAL NOT NULL DEFAULT 0.8,
	status TEXT NOT NULL DEFAULT 'pending',
	change_description TEXT NOT NULL DEFAULT '',
	revert_action TEXT NOT NULL DEFAULT '',
	conclusion TEXT NOT NULL DEFAULT '',
	reasoning_id TEXT NOT NULL DEFAULT '',
	started_at INTEGER,
	concluded_at INTEGER
);

CREATE TABLE IF NOT EXISTS user_notes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	body TEXT NOT NULL,
	ts INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL
);
`

// Open opens (creating if needed) the state database at dbPath.
func Open(dbPath string, loc *time.Location, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite is not safe for concurrent writers on one connection pool
	// without serialization; a single connection keeps WAL semantics simple.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, loc: loc, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for analytics queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Location returns the timezone used for day bucketing.
func (s *Store) Location() *time.Location {
	return s.loc
}

// nowMillis returns the current Unix milliseconds.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// DayKey formats a Unix-milliseconds timestamp as a local calendar day.
func (s *Store) DayKey(tsMillis int64) string {
	return time.UnixMilli(tsMillis).In(s.loc).Format("2006-01-02")
}

// Get returns the raw value for key, or ok=false when absent.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts key with a monotonic updated_at.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowMillis())
	if err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv_state WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

// GetJSON decodes the value at key into v. A corrupted row is treated as
// absent: it logs a warning and returns ok=false, never an error to the
// caller's control flow.
func (s *Store) GetJSON(key string, v any) (bool, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		s.logger.Warn("corrupted kv row treated as absent", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

// SetJSON serializes v and upserts it at key.
func (s *Store) SetJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv marshal %q: %w", key, err)
	}
	return s.Set(key, string(data))
}

// ListKeys returns all kv keys with the given prefix, oldest first.
func (s *Store) ListKeys(prefix string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv_state WHERE key LIKE ? || '%' ORDER BY updated_at`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// OversizedKeys returns kv keys whose value exceeds minBytes, largest first.
func (s *Store) OversizedKeys(minBytes int) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv_state WHERE length(value) > ? ORDER BY length(value) DESC`, minBytes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
