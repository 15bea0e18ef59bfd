package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Milestone is one unit of progress inside a goal.
type Milestone struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"` // pending, completed
	Evidence string `json:"evidence,omitempty"`
}

// Goal is a persisted long-running objective.
type Goal struct {
	ID           string
	Title        string
	Description  string
	Status       string // proposed, active, in_progress, blocked, completed, abandoned
	Priority     int
	Progress     int // 0..100
	Milestones   []Milestone
	Log          []string
	LinkedTopics []string
	Category     string
	ParentGoalID string
	CreatedAt    int64
	UpdatedAt    int64
	CompletedAt  int64 // 0 when not completed
	Deadline     int64 // 0 when none
}

// InsertGoal persists a new goal row.
func (s *Store) InsertGoal(g Goal) error {
	if g.CreatedAt == 0 {
		g.CreatedAt = nowMillis()
	}
	if g.UpdatedAt == 0 {
		g.UpdatedAt = g.CreatedAt
	}
	milestones, log, topics, err := marshalGoalBlobs(g)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO goals (id, title, description, status, priority, progress, milestones, log, linked_topics,
			category, parent_goal_id, created_at, updated_at, completed_at, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Title, g.Description, g.Status, g.Priority, g.Progress, milestones, log, topics,
		g.Category, g.ParentGoalID, g.CreatedAt, g.UpdatedAt, nullableMillis(g.CompletedAt), nullableMillis(g.Deadline))
	if err != nil {
		return fmt.Errorf("insert goal %q: %w", g.ID, err)
	}
	return nil
}

// UpdateGoal overwrites the mutable fields of an existing goal.
func (s *Store) UpdateGoal(g Goal) error {
	g.UpdatedAt = nowMillis()
	milestones, log, topics, err := marshalGoalBlobs(g)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE goals SET title = ?, description = ?, status = ?, priority = ?, progress = ?,
			milestones = ?, log = ?, linked_topics = ?, category = ?, parent_goal_id = ?,
			updated_at = ?, completed_at = ?, deadline = ?
		WHERE id = ?`,
		g.Title, g.Description, g.Status, g.Priority, g.Progress,
		milestones, log, topics, g.Category, g.ParentGoalID,
		g.UpdatedAt, nullableMillis(g.CompletedAt), nullableMillis(g.Deadline), g.ID)
	if err != nil {
		return fmt.Errorf("update goal %q: %w", g.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("goal %q not found", g.ID)
	}
	return nil
}

// GetGoal fetches one goal by id, or nil when absent.
func (s *Store) GetGoal(id string) (*Goal, error) {
	goals, err := s.queryGoals(`SELECT `+goalColumns+` FROM goals WHERE id = ?`, id)
	if err != nil || len(goals) == 0 {
		return nil, err
	}
	return &goals[0], nil
}

// ListGoalsByStatus returns goals matching any of the given statuses,
// highest priority first.
func (s *Store) ListGoalsByStatus(statuses ...string) ([]Goal, error) {
	if len(statuses) == 0 {
		return s.queryGoals(`SELECT ` + goalColumns + ` FROM goals ORDER BY priority DESC, created_at`)
	}
	query := `SELECT ` + goalColumns + ` FROM goals WHERE status IN (?` +
		repeatPlaceholder(len(statuses)-1) + `) ORDER BY priority DESC, created_at`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return s.queryGoals(query, args...)
}

const goalColumns = `id, title, description, status, priority, progress, milestones, log, linked_topics,
	category, parent_goal_id, created_at, updated_at, completed_at, deadline`

func (s *Store) queryGoals(query string, args ...any) ([]Goal, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var goals []Goal
	for rows.Next() {
		var g Goal
		var milestones, log, topics string
		var completedAt, deadline sql.NullInt64
		if err := rows.Scan(&g.ID, &g.Title, &g.Description, &g.Status, &g.Priority, &g.Progress,
			&milestones, &log, &topics, &g.Category, &g.ParentGoalID,
			&g.CreatedAt, &g.UpdatedAt, &completedAt, &deadline); err != nil {
			return nil, err
		}
		g.CompletedAt = completedAt.Int64
		g.Deadline = deadline.Int64
		// Corrupted blobs degrade to empty collections, never a failed read.
		if err := json.Unmarshal([]byte(milestones), &g.Milestones); err != nil {
			s.logger.Warn("corrupted goal milestones blob", "goal", g.ID, "error", err)
			g.Milestones = nil
		}
		if err := json.Unmarshal([]byte(log), &g.Log); err != nil {
			g.Log = nil
		}
		if err := json.Unmarshal([]byte(topics), &g.LinkedTopics); err != nil {
			g.LinkedTopics = nil
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

func marshalGoalBlobs(g Goal) (milestones, log, topics string, err error) {
	m, err := json.Marshal(emptyIfNilMilestones(g.Milestones))
	if err != nil {
		return "", "", "", fmt.Errorf("marshal milestones: %w", err)
	}
	l, err := json.Marshal(emptyIfNil(g.Log))
	if err != nil {
		return "", "", "", fmt.Errorf("marshal log: %w", err)
	}
	t, err := json.Marshal(emptyIfNil(g.LinkedTopics))
	if err != nil {
		return "", "", "", fmt.Errorf("marshal linked topics: %w", err)
	}
	return string(m), string(l), string(t), nil
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func emptyIfNilMilestones(v []Milestone) []Milestone {
	if v == nil {
		return []Milestone{}
	}
	return v
}

func nullableMillis(ts int64) any {
	if ts == 0 {
		return nil
	}
	return ts
}
