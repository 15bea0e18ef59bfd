package learning

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/vigil/internal/store"
)

func testEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), time.UTC, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, slog.Default()), st
}

func TestHypothesisLifecycle(t *testing.T) {
	e, st := testEngine(t)

	id, err := e.OpenHypothesis("user prefers evening reminders")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.AddEvidence(id, "replied fast at 19:00"); err != nil {
		t.Fatal(err)
	}
	if err := e.AddEvidence(id, "ignored the 08:00 nudge"); err != nil {
		t.Fatal(err)
	}

	open, err := st.OpenReasoning(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || len(open[0].Evidence) != 2 {
		t.Fatalf("open = %+v", open)
	}

	if err := e.Conclude(id, "confirmed: evenings work better"); err != nil {
		t.Fatal(err)
	}
	open, _ = st.OpenReasoning(10)
	if len(open) != 0 {
		t.Errorf("concluded hypothesis still open")
	}

	// Conclusion is distilled into a rule for the prompt.
	rules, err := st.TopLearningRules(time.Hour, 10)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range rules {
		if r.Rule == "confirmed: evenings work better" {
			found = true
		}
	}
	if !found {
		t.Errorf("conclusion missing from rules: %+v", rules)
	}
}

func TestOpenHypothesisRejectsEmpty(t *testing.T) {
	e, _ := testEngine(t)
	if _, err := e.OpenHypothesis("   "); err == nil {
		t.Error("blank hypothesis should be rejected")
	}
}

func TestGapPromotionThreshold(t *testing.T) {
	e, st := testEngine(t)

	e.NoteGap("calendar access", "could not read the calendar")
	e.NoteGap("calendar access", "again")
	promoted, err := e.PromoteGaps()
	if err != nil {
		t.Fatal(err)
	}
	if len(promoted) != 0 {
		t.Fatalf("2 occurrences should not promote: %v", promoted)
	}

	e.NoteGap("calendar access", "third time")
	promoted, err = e.PromoteGaps()
	if err != nil {
		t.Fatal(err)
	}
	if len(promoted) != 1 || promoted[0] != "calendar access" {
		t.Fatalf("promoted = %v", promoted)
	}

	gaps, _ := st.ListCapabilityGaps("proposed")
	if len(gaps) != 1 || gaps[0].Occurrences != 3 {
		t.Errorf("gaps = %+v", gaps)
	}
}

func TestRecordReflectionSkipsEmpty(t *testing.T) {
	e, st := testEngine(t)
	if err := e.RecordReflection("followup_due", "sent reminder", "  "); err != nil {
		t.Fatal(err)
	}
	rules, _ := st.TopLearningRules(time.Hour, 10)
	if len(rules) != 0 {
		t.Errorf("empty reflection should store nothing: %+v", rules)
	}
}
