// Package goals manages long-horizon goal state: a strict status graph,
// milestone completion and progress recomputation.
package goals

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/vigil/internal/store"
)

// Statuses.
const (
	StatusProposed   = "proposed"
	StatusActive     = "active"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusCompleted  = "completed"
	StatusAbandoned  = "abandoned"
)

const milestoneCompleted = "completed"

// transitions is the allowed status graph. Completed and abandoned are
// terminal; abandonment is reachable from any live status.
var transitions = map[string][]string{
	StatusProposed:   {StatusActive, StatusAbandoned},
	StatusActive:     {StatusInProgress, StatusAbandoned},
	StatusInProgress: {StatusBlocked, StatusCompleted, StatusAbandoned},
	StatusBlocked:    {StatusInProgress, StatusAbandoned},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Service wraps goal persistence with the rules the raw store does not
// enforce.
type Service struct {
	st     *store.Store
	logger *slog.Logger
}

func New(st *store.Store, logger *slog.Logger) *Service {
	return &Service{st: st, logger: logger}
}

// Create inserts a proposed goal and returns it.
func (s *Service) Create(title, description, category string, priority int) (*store.Goal, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("goal needs a title")
	}
	g := store.Goal{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(title),
		Description: strings.TrimSpace(description),
		Status:      StatusProposed,
		Priority:    priority,
		Category:    category,
		Log:         []string{logLine("proposed")},
	}
	if err := s.st.InsertGoal(g); err != nil {
		return nil, err
	}
	return &g, nil
}

// UpdateStatus moves a goal through the graph, rejecting illegal jumps.
func (s *Service) UpdateStatus(id, to, note string) (*store.Goal, error) {
	g, err := s.st.GetGoal(id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("goal %s not found", id)
	}
	if g.Status == to {
		return g, nil
	}
	if !CanTransition(g.Status, to) {
		return nil, fmt.Errorf("goal %s: illegal transition %s -> %s", id, g.Status, to)
	}
	g.Status = to
	line := "status -> " + to
	if note != "" {
		line += ": " + note
	}
	g.Log = append(g.Log, logLine(line))
	if to == StatusCompleted {
		g.Progress = 100
		g.CompletedAt = time.Now().UnixMilli()
	}
	if err := s.st.UpdateGoal(*g); err != nil {
		return nil, err
	}
	return g, nil
}

// SetProgress records manual progress on goals without milestones. Goals
// with milestones derive progress; manual writes to them are ignored.
func (s *Service) SetProgress(id string, progress int, note string) (*store.Goal, error) {
	g, err := s.st.GetGoal(id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("goal %s not found", id)
	}
	if len(g.Milestones) > 0 {
		return g, nil
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	g.Progress = progress
	if note != "" {
		g.Log = append(g.Log, logLine(note))
	}
	if err := s.st.UpdateGoal(*g); err != nil {
		return nil, err
	}
	return g, nil
}

// CompleteMilestone marks a milestone done, matching exact id first and
// falling back to case-insensitive title substring. Evidence, when given,
// is stored on the milestone. Completing the last milestone auto-completes
// an in-progress goal.
func (s *Service) CompleteMilestone(goalID, ref, evidence string) (*store.Goal, error) {
	g, err := s.st.GetGoal(goalID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("goal %s not found", goalID)
	}

	idx := findMilestone(g.Milestones, ref)
	if idx < 0 {
		return nil, fmt.Errorf("goal %s: no milestone matching %q", goalID, ref)
	}
	if g.Milestones[idx].Status == milestoneCompleted {
		return g, nil
	}
	g.Milestones[idx].Status = milestoneCompleted
	if evidence = strings.TrimSpace(evidence); evidence != "" {
		g.Milestones[idx].Evidence = evidence
	}
	g.Progress = derivedProgress(g.Milestones)
	g.Log = append(g.Log, logLine("milestone done: "+g.Milestones[idx].Title))

	if g.Progress == 100 && CanTransition(g.Status, StatusCompleted) {
		g.Status = StatusCompleted
		g.CompletedAt = time.Now().UnixMilli()
		g.Log = append(g.Log, logLine("all milestones done, completed"))
	}
	if err := s.st.UpdateGoal(*g); err != nil {
		return nil, err
	}
	return g, nil
}

// Active returns goals worth mentioning in the prompt, highest priority
// first as the store orders them.
func (s *Service) Active() ([]store.Goal, error) {
	return s.st.ListGoalsByStatus(StatusActive, StatusInProgress, StatusBlocked)
}

func findMilestone(ms []store.Milestone, ref string) int {
	for i, m := range ms {
		if m.ID == ref {
			return i
		}
	}
	needle := strings.ToLower(strings.TrimSpace(ref))
	if needle == "" {
		return -1
	}
	for i, m := range ms {
		if strings.Contains(strings.ToLower(m.Title), needle) {
			return i
		}
	}
	return -1
}

func derivedProgress(ms []store.Milestone) int {
	if len(ms) == 0 {
		return 0
	}
	done := 0
	for _, m := range ms {
		if m.Status == milestoneCompleted {
			done++
		}
	}
	return int(math.Round(100 * float64(done) / float64(len(ms))))
}

func logLine(text string) string {
	return time.Now().Format("2006-01-02 15:04") + " " + text
}
