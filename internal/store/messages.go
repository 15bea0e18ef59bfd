package store

import (
	"fmt"
	"time"
)

// Message is one archived inbound or outbound message.
type Message struct {
	ID        int64
	Direction string // in, out
	Sender    string
	BotMsgID  string
	Body      string
	TS        int64
}

// InsertMessage archives a message.
func (s *Store) InsertMessage(m Message) (int64, error) {
	if m.TS == 0 {
		m.TS = nowMillis()
	}
	res, err := s.db.Exec(`
		INSERT INTO messages (direction, sender, bot_msg_id, body, ts) VALUES (?, ?, ?, ?, ?)`,
		m.Direction, m.Sender, m.BotMsgID, m.Body, m.TS)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}

// SearchMessages runs a full-text query over the archive, newest first.
func (s *Store) SearchMessages(query string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT m.id, m.direction, m.sender, m.bot_msg_id, m.body, m.ts
		FROM messages_fts f JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?
		ORDER BY m.ts DESC LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Direction, &m.Sender, &m.BotMsgID, &m.Body, &m.TS); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentMessages returns the latest messages regardless of direction.
func (s *Store) RecentMessages(limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, direction, sender, bot_msg_id, body, ts FROM messages ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Direction, &m.Sender, &m.BotMsgID, &m.Body, &m.TS); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// WasBotMsgSent reports whether an outbound message with the id was already
// archived inside the dedup window.
func (s *Store) WasBotMsgSent(botMsgID string, window time.Duration) (bool, error) {
	if botMsgID == "" {
		return false, nil
	}
	since := time.Now().Add(-window).UnixMilli()
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM messages WHERE direction = 'out' AND bot_msg_id = ? AND ts >= ?`,
		botMsgID, since).Scan(&count)
	return count > 0, err
}
