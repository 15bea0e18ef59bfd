package cost

import (
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/vigil/internal/clock"
	"github.com/antigravity-dev/vigil/internal/store"
)

func TestExtractTokenUsageCombinedFormat(t *testing.T) {
	out := "did the thing\nTokens: 1200 input, 340 output\n"
	u := ExtractTokenUsage(out, "prompt")
	if u.Input != 1200 || u.Output != 340 {
		t.Errorf("usage = %+v", u)
	}
}

func TestExtractTokenUsageSeparateLines(t *testing.T) {
	out := "Input tokens: 500\nOutput tokens: 80\nCache read: 250\n"
	u := ExtractTokenUsage(out, "prompt")
	if u.Input != 500 || u.Output != 80 || u.CacheRead != 250 {
		t.Errorf("usage = %+v", u)
	}
}

func TestExtractTokenUsageEstimatesWhenUnreported(t *testing.T) {
	prompt := "this prompt is exactly forty characters"
	u := ExtractTokenUsage("short reply", prompt)
	if u.Input == 0 || u.Output == 0 {
		t.Errorf("estimation should never leave zeros: %+v", u)
	}
}

func TestCalculateCost(t *testing.T) {
	u := TokenUsage{Input: 1_000_000, Output: 500_000}
	got := CalculateCost(u, 3.0, 15.0)
	if math.Abs(got-10.5) > 0.0001 {
		t.Errorf("cost = %v, want 10.5", got)
	}
}

func testTracker(t *testing.T, budget float64) (*Tracker, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), time.UTC, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	clk, err := clock.New("UTC")
	if err != nil {
		t.Fatal(err)
	}
	return NewTracker(st, clk, budget, slog.Default()), st
}

func TestBudgetStates(t *testing.T) {
	tr, _ := testTracker(t, 1.0)

	state, spent := tr.Check()
	if state != BudgetOK || spent != 0 {
		t.Fatalf("empty day: state=%v spent=%v", state, spent)
	}

	tr.Record(store.CostEntry{Type: "proactive", Model: "haiku", CostUSD: 0.85})
	state, _ = tr.Check()
	if state != BudgetWarn {
		t.Errorf("at 85%% state = %v, want warn", state)
	}

	tr.Record(store.CostEntry{Type: "proactive", Model: "haiku", CostUSD: 0.20})
	state, _ = tr.Check()
	if state != BudgetExhausted {
		t.Errorf("over budget state = %v, want exhausted", state)
	}

	if tr.Allow(false) {
		t.Error("non-mandatory call should be suppressed when exhausted")
	}
	if !tr.Allow(true) {
		t.Error("mandatory call must bypass exhaustion")
	}
}

func TestSpentTodayIgnoresYesterday(t *testing.T) {
	tr, st := testTracker(t, 5.0)

	yesterday := time.Now().Add(-26 * time.Hour).UnixMilli()
	if _, err := st.InsertCost(store.CostEntry{Type: "t", Model: "m", CostUSD: 4.0, TS: yesterday}); err != nil {
		t.Fatal(err)
	}
	tr.Record(store.CostEntry{Type: "t", Model: "m", CostUSD: 0.5})

	spent, err := tr.SpentToday()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(spent-0.5) > 0.0001 {
		t.Errorf("spent today = %v, want 0.5", spent)
	}
}
