package cost

import (
	"log/slog"

	"github.com/antigravity-dev/vigil/internal/clock"
	"github.com/antigravity-dev/vigil/internal/store"
)

// BudgetState classifies today's spend against the daily budget.
type BudgetState int

const (
	// BudgetOK means spend is under the warning threshold.
	BudgetOK BudgetState = iota
	// BudgetWarn means spend crossed 80% of the budget.
	BudgetWarn
	// BudgetExhausted means spend reached the budget; only calls marked
	// mandatory may still run today.
	BudgetExhausted
)

const warnFraction = 0.8

// Tracker answers budget questions from the append-only costs table.
// Totals for "today" always start from local midnight, never UTC.
type Tracker struct {
	st       *store.Store
	clk      *clock.Clock
	dailyUSD float64
	logger   *slog.Logger
}

func NewTracker(st *store.Store, clk *clock.Clock, dailyUSD float64, logger *slog.Logger) *Tracker {
	return &Tracker{st: st, clk: clk, dailyUSD: dailyUSD, logger: logger}
}

// Record appends a cost entry.
func (t *Tracker) Record(e store.CostEntry) {
	if _, err := t.st.InsertCost(e); err != nil {
		t.logger.Error("failed to record cost entry", "model", e.Model, "error", err)
	}
}

// SpentToday sums spend since local midnight.
func (t *Tracker) SpentToday() (float64, error) {
	start := t.clk.StartOfDay(t.clk.Now())
	return t.st.TotalCostSinceTS(start.UnixMilli())
}

// Check classifies the current day's spend. Read failures degrade to
// BudgetOK with a logged warning rather than blocking the cycle.
func (t *Tracker) Check() (BudgetState, float64) {
	spent, err := t.SpentToday()
	if err != nil {
		t.logger.Warn("failed to read daily spend", "error", err)
		return BudgetOK, 0
	}
	switch {
	case spent >= t.dailyUSD:
		return BudgetExhausted, spent
	case spent >= t.dailyUSD*warnFraction:
		return BudgetWarn, spent
	default:
		return BudgetOK, spent
	}
}

// Allow reports whether an LLM call may run now. Mandatory calls bypass
// exhaustion (but still get recorded).
func (t *Tracker) Allow(mandatory bool) bool {
	state, _ := t.Check()
	return state != BudgetExhausted || mandatory
}

// DailyBudgetUSD exposes the configured cap.
func (t *Tracker) DailyBudgetUSD() float64 {
	return t.dailyUSD
}
