package experiment

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/vigil/internal/learning"
	"github.com/antigravity-dev/vigil/internal/store"
)

func testEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), time.UTC, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, learning.New(st, slog.Default()), slog.Default()), st
}

func seedOutcomes(t *testing.T, st *store.Store, positives, negatives int) {
	t.Helper()
	for i := 0; i < positives; i++ {
		if err := st.LogReplyOutcome(store.ReplyOutcome{BotMsgID: fmt.Sprintf("p%d", i), Sentiment: "positive", WindowMs: 60000}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < negatives; i++ {
		if err := st.LogReplyOutcome(store.ReplyOutcome{BotMsgID: fmt.Sprintf("n%d", i), Sentiment: "negative", WindowMs: 60000}); err != nil {
			t.Fatal(err)
		}
	}
}

func pendingExperiment(t *testing.T, st *store.Store, id, metric string, durationHours, revertThreshold float64) {
	t.Helper()
	err := st.InsertExperiment(store.Experiment{
		ID:              id,
		Name:            "test change",
		Metric:          metric,
		DurationHours:   durationHours,
		RevertThreshold: revertThreshold,
		Status:          "pending",
		RevertAction:    "restore previous reminder phrasing",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLaunchSamplesBaseline(t *testing.T) {
	e, st := testEngine(t)
	seedOutcomes(t, st, 8, 2)
	pendingExperiment(t, st, "x-1", MetricPositiveRate, 48, 0.8)

	if err := e.Launch("x-1"); err != nil {
		t.Fatal(err)
	}
	exp, _ := st.GetExperiment("x-1")
	if exp.Status != "running" || !exp.HasBaseline {
		t.Fatalf("exp = %+v", exp)
	}
	if exp.BaselineValue < 0.79 || exp.BaselineValue > 0.81 {
		t.Errorf("baseline = %v, want 0.8", exp.BaselineValue)
	}
}

func TestSweepRevertsOnDegradation(t *testing.T) {
	e, st := testEngine(t)
	seedOutcomes(t, st, 8, 2) // baseline 0.8
	pendingExperiment(t, st, "x-1", MetricPositiveRate, 48, 0.8)
	if err := e.Launch("x-1"); err != nil {
		t.Fatal(err)
	}

	// New outcomes drag the trailing rate to 8/20 = 0.4, below 0.8*0.8.
	seedOutcomes(t, st, 0, 10)

	res := e.Sweep(time.Now())
	if len(res.Reverted) != 1 || res.Reverted[0] != "x-1" {
		t.Fatalf("result = %+v", res)
	}
	exp, _ := st.GetExperiment("x-1")
	if exp.Status != "reverted" {
		t.Fatalf("status = %s", exp.Status)
	}
	for _, want := range []string{"0.640", "0.400", "restore previous reminder phrasing"} {
		if !strings.Contains(exp.Conclusion, want) {
			t.Errorf("conclusion %q missing %q", exp.Conclusion, want)
		}
	}

	// The revert lands in the journal and among recent actions.
	entry, err := st.LatestLearningByOutcome("reverted")
	if err != nil || entry == nil {
		t.Fatalf("learning entry = %v, %v", entry, err)
	}
	if entry.SignalType != "experiment" || entry.Action != "x-1" || !strings.Contains(entry.Rule, "reverted") {
		t.Errorf("learning entry = %+v", entry)
	}
	actions, _ := st.RecentActions(time.Hour, 10)
	if len(actions) != 1 || actions[0].Kind != "rollback" || !strings.Contains(actions[0].Summary, "restore previous reminder phrasing") {
		t.Errorf("recent actions = %+v", actions)
	}
}

func TestSweepConcludesAfterDuration(t *testing.T) {
	e, st := testEngine(t)
	seedOutcomes(t, st, 9, 1)
	pendingExperiment(t, st, "x-1", MetricPositiveRate, 1, 0.8)
	if err := e.Launch("x-1"); err != nil {
		t.Fatal(err)
	}

	// Still inside the duration: nothing concludes.
	res := e.Sweep(time.Now().Add(30 * time.Minute))
	if len(res.Concluded) != 0 {
		t.Fatalf("early conclude: %+v", res)
	}

	res = e.Sweep(time.Now().Add(2 * time.Hour))
	if len(res.Concluded) != 1 {
		t.Fatalf("result = %+v", res)
	}
	exp, _ := st.GetExperiment("x-1")
	if exp.Status != "concluded" {
		t.Errorf("status = %s", exp.Status)
	}
	entry, err := st.LatestLearningByOutcome("concluded")
	if err != nil || entry == nil {
		t.Fatalf("learning entry = %v, %v", entry, err)
	}
	if entry.Action != "x-1" || !strings.Contains(entry.Rule, "ran full duration") {
		t.Errorf("learning entry = %+v", entry)
	}
}

func TestSweepNoDataLeavesUntouched(t *testing.T) {
	e, st := testEngine(t)
	pendingExperiment(t, st, "x-1", MetricPositiveRate, 1, 0.8)
	if err := e.Launch("x-1"); err != nil {
		t.Fatal(err)
	}

	// No outcomes at all: even past the duration the experiment holds.
	res := e.Sweep(time.Now().Add(3 * time.Hour))
	if res.Checked != 1 || len(res.Concluded) != 0 || len(res.Reverted) != 0 {
		t.Fatalf("result = %+v", res)
	}
	exp, _ := st.GetExperiment("x-1")
	if exp.Status != "running" || exp.HasCurrent {
		t.Errorf("exp = %+v", exp)
	}
}

func TestCostMetricDegradesUpward(t *testing.T) {
	e, st := testEngine(t)
	st.InsertCost(store.CostEntry{Type: "proactive", Model: "haiku", CostUSD: 1.0})
	pendingExperiment(t, st, "x-1", MetricCost, 48, 0.8)
	if err := e.Launch("x-1"); err != nil {
		t.Fatal(err)
	}

	// Spend climbing above baseline/threshold = 1.25 should revert.
	st.InsertCost(store.CostEntry{Type: "proactive", Model: "sonnet", CostUSD: 0.5})
	res := e.Sweep(time.Now())
	if len(res.Reverted) != 1 {
		t.Fatalf("result = %+v", res)
	}
}
