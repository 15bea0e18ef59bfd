package store

import (
	"time"
)

const recentActionsKey = "recent-actions"

// RecentAction is one entry in the self-awareness ring the prompt shows the
// model so it does not repeat itself.
type RecentAction struct {
	TS      int64  `json:"ts"`
	Kind    string `json:"kind"` // message, followup, goal, milestone, action
	Summary string `json:"summary"`
}

// AppendRecentAction pushes onto the ring, keeping the newest max entries.
func (s *Store) AppendRecentAction(a RecentAction, max int) error {
	if a.TS == 0 {
		a.TS = nowMillis()
	}
	var ring []RecentAction
	if _, err := s.GetJSON(recentActionsKey, &ring); err != nil {
		return err
	}
	ring = append(ring, a)
	if len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return s.SetJSON(recentActionsKey, ring)
}

// RecentActions returns up to limit entries from the last window, newest
// last.
func (s *Store) RecentActions(window time.Duration, limit int) ([]RecentAction, error) {
	var ring []RecentAction
	if _, err := s.GetJSON(recentActionsKey, &ring); err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-window).UnixMilli()
	var out []RecentAction
	for _, a := range ring {
		if a.TS >= cutoff {
			out = append(out, a)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
