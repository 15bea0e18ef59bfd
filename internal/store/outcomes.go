package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ReplyOutcome closes the loop from a bot message back to user reaction.
type ReplyOutcome struct {
	ID             int64
	BotMsgID       string
	Signal         string
	Sentiment      string // positive, negative, or "" for null
	Classification string
	UserResponse   string
	WindowMs       int64 // 0 means unknown
	TS             int64
}

// LogReplyOutcome appends a reply outcome record.
func (s *Store) LogReplyOutcome(o ReplyOutcome) error {
	if o.TS == 0 {
		o.TS = nowMillis()
	}
	var sentiment any
	if o.Sentiment != "" {
		sentiment = o.Sentiment
	}
	var windowMs any
	if o.WindowMs > 0 {
		windowMs = o.WindowMs
	}
	_, err := s.db.Exec(`
		INSERT INTO reply_outcomes (bot_msg_id, signal, sentiment, classification, user_response, window_ms, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.BotMsgID, o.Signal, sentiment, o.Classification, o.UserResponse, windowMs, o.TS)
	if err != nil {
		return fmt.Errorf("log reply outcome: %w", err)
	}
	return nil
}

// ReplyOutcomeStats aggregates outcomes over the trailing window.
type ReplyOutcomeStats struct {
	Total       int
	Positives   int
	Negatives   int
	AvgWindowMs float64 // mean over rows that carry a window
}

// GetReplyOutcomeStats computes sentiment and latency aggregates for the
// experiment metrics over the trailing window.
func (s *Store) GetReplyOutcomeStats(window time.Duration) (ReplyOutcomeStats, error) {
	since := time.Now().Add(-window).UnixMilli()
	var st ReplyOutcomeStats
	var avg sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN sentiment = 'positive' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sentiment = 'negative' THEN 1 ELSE 0 END), 0),
			AVG(window_ms)
		FROM reply_outcomes WHERE ts >= ?`, since).
		Scan(&st.Total, &st.Positives, &st.Negatives, &avg)
	if err != nil {
		return st, err
	}
	st.AvgWindowMs = avg.Float64
	return st, nil
}

// WasBotMsgLogged reports whether an outcome row already exists for the id
// within the dedup window. Keeps outbound sends idempotent from our side.
func (s *Store) WasBotMsgLogged(botMsgID string, window time.Duration) (bool, error) {
	since := time.Now().Add(-window).UnixMilli()
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM reply_outcomes WHERE bot_msg_id = ? AND ts >= ?`, botMsgID, since).Scan(&count)
	return count > 0, err
}
