package prompt

import (
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/vigil/internal/clock"
	"github.com/antigravity-dev/vigil/internal/goals"
	"github.com/antigravity-dev/vigil/internal/module"
	"github.com/antigravity-dev/vigil/internal/signal"
	"github.com/antigravity-dev/vigil/internal/store"
)

func testAssembler(t *testing.T, maxChars, capChars int) (*Assembler, *store.Store, *module.Registry) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), time.UTC, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	clk, _ := clock.New("UTC")
	reg := module.NewRegistry(slog.Default())
	gs := goals.New(st, slog.Default())
	return NewAssembler(st, clk, gs, reg, maxChars, capChars, 23, 8, slog.Default()), st, reg
}

func TestBuildContainsTimeAndSignals(t *testing.T) {
	a, _, _ := testAssembler(t, 24000, 2000)
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	got := a.Build(now, []signal.Signal{
		{Type: "followup_due", Urgency: signal.Medium, Summary: "check on the tax filing"},
	})

	if !strings.Contains(got, "<now>Saturday 2026-03-14 09:30 UTC</now>") {
		t.Errorf("missing local time header:\n%s", got)
	}
	if !strings.Contains(got, "[medium] followup_due: check on the tax filing") {
		t.Errorf("missing signal line:\n%s", got)
	}
	if !strings.Contains(got, "<wa_message>") {
		t.Errorf("missing tag instructions")
	}
}

func TestBuildNoSignalsInvitesSilence(t *testing.T) {
	a, _, _ := testAssembler(t, 24000, 2000)
	got := a.Build(time.Now(), nil)
	if !strings.Contains(got, "staying quiet is a fine outcome") {
		t.Errorf("no-signal prompt should allow doing nothing:\n%s", got)
	}
}

func TestBuildIncludesRecentActionsAndGoals(t *testing.T) {
	a, st, _ := testAssembler(t, 24000, 2000)

	st.AppendRecentAction(store.RecentAction{Kind: "message", Summary: "reminded about dentist"}, 50)
	st.InsertGoal(store.Goal{ID: "g-1", Title: "learn spanish", Status: "in_progress", Progress: 40})

	got := a.Build(time.Now(), nil)
	if !strings.Contains(got, "reminded about dentist") {
		t.Errorf("missing recent action:\n%s", got)
	}
	if !strings.Contains(got, "g-1 [in_progress, 40%] learn spanish") {
		t.Errorf("missing goal line:\n%s", got)
	}
}

func TestErrorSectionOnlyOnSpike(t *testing.T) {
	a, st, _ := testAssembler(t, 24000, 2000)
	st.LogError("error", "router", "boom failure", "", "")

	got := a.Build(time.Now(), nil)
	if strings.Contains(got, "boom failure") {
		t.Errorf("errors should not appear without an error_spike signal")
	}

	got = a.Build(time.Now(), []signal.Signal{{Type: "error_spike", Urgency: signal.High, Summary: "5 errors"}})
	if !strings.Contains(got, "boom failure") {
		t.Errorf("error_spike should pull in error details:\n%s", got)
	}
}

func TestBudgetDropsLowestPriorityFirst(t *testing.T) {
	a, st, reg := testAssembler(t, 1600, 2000)

	// Low-priority filler: open hypotheses.
	st.InsertReasoning(store.ReasoningEntry{ID: "h-1", Hypothesis: strings.Repeat("theory ", 250), Status: "open"})
	// Higher-priority brief content.
	reg.Register(module.Manifest{
		Name: "briefer",
		BriefBuilders: map[string]module.BriefBuilder{
			"followup_due": func(signal.Signal) string { return "brief content that matters" },
		},
	})

	got := a.Build(time.Now(), []signal.Signal{{Type: "followup_due", Urgency: signal.Low, Summary: "x"}})
	if strings.Contains(got, "theory theory") {
		t.Errorf("hypotheses should be dropped first under budget pressure")
	}
	if !strings.Contains(got, "followup_due") || !strings.Contains(got, "<wa_message>") {
		t.Errorf("pinned sections must survive budget pressure:\n%s", got)
	}
}

func TestSectionCapTruncates(t *testing.T) {
	a, _, reg := testAssembler(t, 24000, 100)
	reg.Register(module.Manifest{
		Name: "windbag",
		BriefBuilders: map[string]module.BriefBuilder{
			"rambling": func(signal.Signal) string { return strings.Repeat("words ", 100) },
		},
	})

	got := a.Build(time.Now(), []signal.Signal{{Type: "rambling", Urgency: signal.Low, Summary: "x"}})
	if !strings.Contains(got, "[truncated]") {
		t.Errorf("oversized section should be truncated:\n%s", got)
	}
}

func TestHeaderFlagsQuietHours(t *testing.T) {
	a, _, _ := testAssembler(t, 24000, 2000)

	night := time.Date(2026, 3, 14, 2, 15, 0, 0, time.UTC)
	got := a.Build(night, nil)
	if !strings.Contains(got, "<now>Saturday 2026-03-14 02:15 UTC (quiet hours)</now>") {
		t.Errorf("night header should flag quiet hours:\n%s", got)
	}

	day := time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC)
	if got := a.Build(day, nil); strings.Contains(got, "quiet hours") {
		t.Errorf("daytime header should not flag quiet hours:\n%s", got)
	}
}

func TestBriefPerPickedSignal(t *testing.T) {
	a, _, reg := testAssembler(t, 24000, 2000)
	reg.Register(module.Manifest{
		Name: "finance",
		BriefBuilders: map[string]module.BriefBuilder{
			"invoice_overdue": func(s signal.Signal) string { return "chase the invoice: " + s.Summary },
		},
	})

	picked := []signal.Signal{
		{Type: "invoice_overdue", Urgency: signal.Medium, Summary: "inv-7 is 10 days late"},
		{Type: "followup_due", Urgency: signal.Low, Summary: "followup due: call mom", Data: map[string]any{"context": "she asked twice"}},
	}
	got := a.Build(time.Now(), picked)

	if !strings.Contains(got, "[finance]\nchase the invoice: inv-7 is 10 days late") {
		t.Errorf("module brief missing for its claimed signal:\n%s", got)
	}
	// Unclaimed core types still get a brief.
	if !strings.Contains(got, "Follow-up due: followup due: call mom") || !strings.Contains(got, "she asked twice") {
		t.Errorf("core fallback brief missing:\n%s", got)
	}
}
