package signal

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/antigravity-dev/vigil/internal/clock"
	"github.com/antigravity-dev/vigil/internal/cost"
	"github.com/antigravity-dev/vigil/internal/store"
)

// FollowupsKey holds the pending followup list in kv state.
const FollowupsKey = "followups"

// Followup is a deferred commitment the agent made to itself.
type Followup struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Context   string `json:"context,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	DueAt     int64  `json:"dueAt,omitempty"`
}

const (
	errorSpikeWindow     = time.Hour
	errorSpikeThreshold  = 5
	cronFailureStreak    = 3
	staleGoalAfter       = 7 * 24 * time.Hour
	gapSignalOccurrences = 3
)

// CoreDetectors builds the built-in detector set. Module manifests and the
// memory guardian contribute further detectors at wiring time.
func CoreDetectors(st *store.Store, clk *clock.Clock, tracker *cost.Tracker, logger *slog.Logger) []Detector {
	return []Detector{
		{Name: "followup_due", Fn: followupDetector(st, logger)},
		{Name: "cron_due", Fn: cronDueDetector(st, clk, logger)},
		{Name: "cron_failure", Fn: cronFailureDetector(st)},
		{Name: "error_spike", Fn: errorSpikeDetector(st, logger)},
		{Name: "cost_spike", Fn: costSpikeDetector(tracker)},
		{Name: "goal_stale", Fn: staleGoalDetector(st)},
		{Name: "capability_gap", Fn: capabilityGapDetector(st)},
	}
}

func followupDetector(st *store.Store, logger *slog.Logger) func(time.Time) []Signal {
	return func(now time.Time) []Signal {
		var followups []Followup
		if _, err := st.GetJSON(FollowupsKey, &followups); err != nil {
			logger.Warn("failed to load followups", "error", err)
			return nil
		}
		var out []Signal
		for _, f := range followups {
			if f.DueAt > 0 && f.DueAt > now.UnixMilli() {
				continue
			}
			out = append(out, Signal{
				Type:      "followup_due",
				Urgency:   Low,
				Summary:   "followup due: " + f.Topic,
				Data:      map[string]any{"id": f.ID, "topic": f.Topic, "context": f.Context},
				KeySuffix: f.Topic,
				DueAt:     f.DueAt,
				CreatedAt: f.CreatedAt,
			})
		}
		return out
	}
}

// NextCronRun computes the next firing after ref in the cron's timezone.
// Shared with the dispatcher, which advances run state after acting on a
// due cron.
func NextCronRun(c store.Cron, ref time.Time, fallback *time.Location) (int64, error) {
	sched, err := cron.ParseStandard(c.Schedule)
	if err != nil {
		return 0, fmt.Errorf("cron %s: bad schedule %q: %w", c.ID, c.Schedule, err)
	}
	loc := fallback
	if c.TZ != "" {
		l, err := time.LoadLocation(c.TZ)
		if err != nil {
			return 0, fmt.Errorf("cron %s: bad tz %q: %w", c.ID, c.TZ, err)
		}
		loc = l
	}
	return sched.Next(ref.In(loc)).UnixMilli(), nil
}

func cronDueDetector(st *store.Store, clk *clock.Clock, logger *slog.Logger) func(time.Time) []Signal {
	return func(now time.Time) []Signal {
		crons, err := st.ListCrons()
		if err != nil {
			logger.Warn("failed to list crons", "error", err)
			return nil
		}
		var out []Signal
		for _, c := range crons {
			if !c.Enabled {
				continue
			}
			if c.NextRun == 0 {
				next, err := NextCronRun(c, now, clk.Location())
				if err != nil {
					logger.Warn("skipping unparseable cron", "cron", c.ID, "error", err)
					continue
				}
				if err := st.SetCronNextRun(c.ID, next); err != nil {
					logger.Warn("failed to persist cron next run", "cron", c.ID, "error", err)
				}
				c.NextRun = next
			}
			if c.NextRun <= now.UnixMilli() {
				out = append(out, Signal{
					Type:      "cron_due",
					Urgency:   Medium,
					Summary:   "scheduled job due: " + c.Name,
					Data:      map[string]any{"cronId": c.ID, "prompt": c.Prompt, "delivery": c.Delivery, "model": c.Model},
					KeySuffix: c.ID,
					DueAt:     c.NextRun,
				})
			}
		}
		return out
	}
}

func cronFailureDetector(st *store.Store) func(time.Time) []Signal {
	return func(now time.Time) []Signal {
		crons, err := st.ListCrons()
		if err != nil {
			return nil
		}
		var out []Signal
		for _, c := range crons {
			if c.ConsecutiveErrors >= cronFailureStreak {
				out = append(out, Signal{
					Type:      "cron_failure",
					Urgency:   High,
					Summary:   fmt.Sprintf("scheduled job %s failed %d times in a row", c.Name, c.ConsecutiveErrors),
					Data:      map[string]any{"cronId": c.ID, "consecutiveErrors": c.ConsecutiveErrors},
					KeySuffix: c.ID,
				})
			}
		}
		return out
	}
}

func errorSpikeDetector(st *store.Store, logger *slog.Logger) func(time.Time) []Signal {
	return func(now time.Time) []Signal {
		n, err := st.CountErrorsSince(errorSpikeWindow, "error", "critical")
		if err != nil {
			logger.Warn("failed to count recent errors", "error", err)
			return nil
		}
		if n < errorSpikeThreshold {
			return nil
		}
		return []Signal{{
			Type:    "error_spike",
			Urgency: High,
			Summary: fmt.Sprintf("%d errors in the last hour", n),
			Data:    map[string]any{"count": n, "windowMinutes": 60},
		}}
	}
}

func costSpikeDetector(tracker *cost.Tracker) func(time.Time) []Signal {
	return func(now time.Time) []Signal {
		state, spent := tracker.Check()
		if state == cost.BudgetOK {
			return nil
		}
		u := Medium
		summary := fmt.Sprintf("daily spend $%.2f is past 80%% of the $%.2f budget", spent, tracker.DailyBudgetUSD())
		if state == cost.BudgetExhausted {
			u = High
			summary = fmt.Sprintf("daily budget exhausted: $%.2f of $%.2f", spent, tracker.DailyBudgetUSD())
		}
		return []Signal{{
			Type:    "cost_spike",
			Urgency: u,
			Summary: summary,
			Data:    map[string]any{"spentUSD": spent, "budgetUSD": tracker.DailyBudgetUSD()},
		}}
	}
}

func staleGoalDetector(st *store.Store) func(time.Time) []Signal {
	return func(now time.Time) []Signal {
		goals, err := st.ListGoalsByStatus("active", "in_progress")
		if err != nil {
			return nil
		}
		var out []Signal
		for _, g := range goals {
			if now.Sub(time.UnixMilli(g.UpdatedAt)) < staleGoalAfter {
				continue
			}
			out = append(out, Signal{
				Type:      "goal_stale",
				Urgency:   Low,
				Summary:   "goal has seen no progress for a week: " + g.Title,
				Data:      map[string]any{"goalId": g.ID, "title": g.Title, "progress": g.Progress},
				KeySuffix: g.ID,
				CreatedAt: g.UpdatedAt,
			})
		}
		return out
	}
}

func capabilityGapDetector(st *store.Store) func(time.Time) []Signal {
	return func(now time.Time) []Signal {
		gaps, err := st.ListCapabilityGaps("detected")
		if err != nil {
			return nil
		}
		var out []Signal
		for _, g := range gaps {
			if g.Occurrences < gapSignalOccurrences {
				continue
			}
			out = append(out, Signal{
				Type:      "capability_gap",
				Urgency:   Low,
				Summary:   fmt.Sprintf("recurring capability gap (%d occurrences): %s", g.Occurrences, g.Topic),
				Data:      map[string]any{"gapId": g.ID, "topic": g.Topic, "occurrences": g.Occurrences},
				KeySuffix: g.Topic,
				CreatedAt: g.FirstSeen,
			})
		}
		return out
	}
}

// MemoryPressureSignal maps a guardian tier name to a signal, or nil for
// normal operation. Severity caps at high: restart escalation is the
// guardian's call, not the model's.
func MemoryPressureSignal(tier string, heapPct float64) *Signal {
	var u Urgency
	switch tier {
	case "WARN":
		u = Low
	case "SHED":
		u = Medium
	case "CRITICAL", "RESTART":
		u = High
	default:
		return nil
	}
	return &Signal{
		Type:    "memory_pressure",
		Urgency: u,
		Summary: fmt.Sprintf("memory tier %s at %.1f%% heap", tier, heapPct),
		Data:    map[string]any{"tier": tier, "heapPct": heapPct},
	}
}
