// Package experiment runs behavior experiments against live outcome
// metrics, reverting changes that make things measurably worse.
package experiment

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/antigravity-dev/vigil/internal/learning"
	"github.com/antigravity-dev/vigil/internal/store"
)

const (
	metricWindow  = 7 * 24 * time.Hour
	actionRingCap = 50
)

// Metrics. positive_rate is better when higher; the other two when lower.
const (
	MetricPositiveRate = "positive_rate"
	MetricResponseTime = "response_time"
	MetricCost         = "cost"
)

type Engine struct {
	st       *store.Store
	learning *learning.Engine
	logger   *slog.Logger
}

func New(st *store.Store, le *learning.Engine, logger *slog.Logger) *Engine {
	return &Engine{st: st, learning: le, logger: logger}
}

// Launch samples the baseline and moves a pending experiment to running.
// A metric with no data yet launches with no baseline; the first sweep that
// sees data fills it in.
func (e *Engine) Launch(id string) error {
	exp, err := e.st.GetExperiment(id)
	if err != nil {
		return err
	}
	if exp == nil {
		return fmt.Errorf("experiment %s not found", id)
	}
	if exp.Status != "pending" {
		return fmt.Errorf("experiment %s is %s, not pending", id, exp.Status)
	}
	value, ok, err := e.readMetric(exp.Metric)
	if err != nil {
		return err
	}
	return e.st.StartExperiment(id, value, ok)
}

// SweepResult reports what one sweep did.
type SweepResult struct {
	Checked   int
	Reverted  []string
	Concluded []string
}

// Sweep evaluates every running experiment: updates the current metric,
// reverts on degradation past the threshold, concludes on expiry. Metrics
// with no data this window leave the experiment untouched.
func (e *Engine) Sweep(now time.Time) SweepResult {
	var res SweepResult
	running, err := e.st.ListExperimentsByStatus("running")
	if err != nil {
		e.logger.Error("failed to list running experiments", "error", err)
		return res
	}

	for _, exp := range running {
		res.Checked++
		value, ok, err := e.readMetric(exp.Metric)
		if err != nil {
			e.logger.Warn("failed to read experiment metric", "experiment", exp.ID, "metric", exp.Metric, "error", err)
			continue
		}
		if !ok {
			continue
		}

		if !exp.HasBaseline {
			if err := e.st.StartExperiment(exp.ID, value, true); err == nil {
				exp.BaselineValue, exp.HasBaseline = value, true
			}
		}
		if err := e.st.UpdateExperimentCurrent(exp.ID, value); err != nil {
			e.logger.Warn("failed to update experiment metric", "experiment", exp.ID, "error", err)
			continue
		}

		if exp.HasBaseline && degraded(exp.Metric, value, exp.BaselineValue, exp.RevertThreshold) {
			conclusion := fmt.Sprintf(
				"reverted: %s %.3f degraded past threshold %.3f (baseline %.3f x %.2f). Revert action: %s",
				exp.Metric, value, threshold(exp.Metric, exp.BaselineValue, exp.RevertThreshold),
				exp.BaselineValue, exp.RevertThreshold, exp.RevertAction)
			if err := e.st.FinishExperiment(exp.ID, "reverted", conclusion); err != nil {
				e.logger.Error("failed to revert experiment", "experiment", exp.ID, "error", err)
				continue
			}
			e.applyRevertAction(exp)
			e.writeback(exp, "reverted", conclusion)
			e.logger.Info("experiment reverted", "experiment", exp.ID, "metric", exp.Metric, "current", value, "baseline", exp.BaselineValue)
			res.Reverted = append(res.Reverted, exp.ID)
			continue
		}

		if exp.StartedAt > 0 && now.Sub(time.UnixMilli(exp.StartedAt)) >= time.Duration(exp.DurationHours*float64(time.Hour)) {
			conclusion := fmt.Sprintf("ran full duration: %s moved %.3f -> %.3f", exp.Metric, exp.BaselineValue, value)
			if !exp.HasBaseline {
				conclusion = fmt.Sprintf("ran full duration: %s ended at %.3f with no baseline to compare", exp.Metric, value)
			}
			if err := e.st.FinishExperiment(exp.ID, "concluded", conclusion); err != nil {
				e.logger.Error("failed to conclude experiment", "experiment", exp.ID, "error", err)
				continue
			}
			e.writeback(exp, "concluded", conclusion)
			res.Concluded = append(res.Concluded, exp.ID)
		}
	}
	return res
}

// applyRevertAction records the experiment's declared undo step so the next
// prompt sees the rollback among recent actions.
func (e *Engine) applyRevertAction(exp store.Experiment) {
	if exp.RevertAction == "" {
		return
	}
	summary := fmt.Sprintf("experiment %s reverted: %s", exp.ID, exp.RevertAction)
	if err := e.st.AppendRecentAction(store.RecentAction{Kind: "rollback", Summary: summary}, actionRingCap); err != nil {
		e.logger.Warn("failed to record revert action", "experiment", exp.ID, "error", err)
	}
	e.st.RecordEvent("rollback", summary)
}

// writeback journals a terminal experiment into the learning store.
func (e *Engine) writeback(exp store.Experiment, outcome, conclusion string) {
	if e.learning == nil {
		return
	}
	if err := e.learning.RecordExperimentOutcome(exp.ID, exp.Metric, outcome, conclusion); err != nil {
		e.logger.Warn("failed to journal experiment outcome", "experiment", exp.ID, "error", err)
	}
}

// threshold is the boundary value the conclusion reports.
func threshold(metric string, baseline, revertThreshold float64) float64 {
	if higherIsBetter(metric) {
		return baseline * revertThreshold
	}
	if revertThreshold == 0 {
		return baseline
	}
	return baseline / revertThreshold
}

// degraded is direction-aware: positive_rate degrades downward, cost and
// response time degrade upward.
func degraded(metric string, current, baseline, revertThreshold float64) bool {
	if revertThreshold <= 0 {
		return false
	}
	if higherIsBetter(metric) {
		return current < baseline*revertThreshold
	}
	return baseline > 0 && current > baseline/revertThreshold
}

func higherIsBetter(metric string) bool {
	return metric == MetricPositiveRate
}

// readMetric samples a metric over the trailing window. ok is false when
// there is no data to judge by.
func (e *Engine) readMetric(metric string) (float64, bool, error) {
	switch metric {
	case MetricPositiveRate:
		stats, err := e.st.GetReplyOutcomeStats(metricWindow)
		if err != nil {
			return 0, false, err
		}
		if stats.Total == 0 {
			return 0, false, nil
		}
		return float64(stats.Positives) / float64(stats.Total), true, nil
	case MetricResponseTime:
		stats, err := e.st.GetReplyOutcomeStats(metricWindow)
		if err != nil {
			return 0, false, err
		}
		if stats.Total == 0 || stats.AvgWindowMs == 0 {
			return 0, false, nil
		}
		return stats.AvgWindowMs / 1000, true, nil
	case MetricCost:
		spent, err := e.st.TotalCostSince(metricWindow)
		if err != nil {
			return 0, false, err
		}
		return spent, spent > 0, nil
	default:
		return 0, false, fmt.Errorf("unknown metric %q", metric)
	}
}
