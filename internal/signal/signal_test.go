package signal

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/vigil/internal/clock"
	"github.com/antigravity-dev/vigil/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), time.UTC, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestEscalateByAge(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		age   time.Duration
		start Urgency
		want  Urgency
	}{
		{"fresh stays low", time.Hour, Low, Low},
		{"5 days old low becomes medium", 5 * 24 * time.Hour, Low, Medium},
		{"15 days old low becomes high", 15 * 24 * time.Hour, Low, High},
		{"5 days old medium holds", 5 * 24 * time.Hour, Medium, High},
		{"aging never passes high", 40 * 24 * time.Hour, Medium, High},
		{"critical untouched", 40 * 24 * time.Hour, Critical, Critical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Signal{Type: "followup_due", Urgency: tt.start, CreatedAt: now.Add(-tt.age).UnixMilli()}
			if got := Escalate(s, now).Urgency; got != tt.want {
				t.Errorf("urgency = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEscalateWithoutTimestampIsNoop(t *testing.T) {
	s := Signal{Type: "error_spike", Urgency: Low}
	if got := Escalate(s, time.Now()).Urgency; got != Low {
		t.Errorf("urgency = %v, want low", got)
	}
}

func TestCooldownsSuppressRepeatsByUrgency(t *testing.T) {
	st := testStore(t)
	cd := NewCooldowns(st, 3*time.Hour, time.Hour, slog.Default())
	now := time.Now()

	low := Signal{Type: "followup_due", Urgency: Low, KeySuffix: "taxes"}
	med := Signal{Type: "cron_due", Urgency: Medium, KeySuffix: "daily"}
	high := Signal{Type: "error_spike", Urgency: High}

	cd.MarkFired([]Signal{low, med, high}, now)

	// Within both windows everything low/medium is suppressed; high passes.
	got := cd.Filter([]Signal{low, med, high}, now.Add(30*time.Minute))
	if len(got) != 1 || got[0].Type != "error_spike" {
		t.Fatalf("at 30m got %v, want only error_spike", got)
	}

	// Past the medium window but inside the low window.
	got = cd.Filter([]Signal{low, med}, now.Add(2*time.Hour))
	if len(got) != 1 || got[0].Type != "cron_due" {
		t.Fatalf("at 2h got %v, want only cron_due", got)
	}

	// Past both windows.
	got = cd.Filter([]Signal{low, med}, now.Add(4*time.Hour))
	if len(got) != 2 {
		t.Fatalf("at 4h got %d signals, want 2", len(got))
	}
}

func TestCooldownKeyDistinguishesInstances(t *testing.T) {
	st := testStore(t)
	cd := NewCooldowns(st, 3*time.Hour, time.Hour, slog.Default())
	now := time.Now()

	cd.MarkFired([]Signal{{Type: "followup_due", Urgency: Low, KeySuffix: "taxes"}}, now)

	other := Signal{Type: "followup_due", Urgency: Low, KeySuffix: "passport"}
	if got := cd.Filter([]Signal{other}, now.Add(time.Minute)); len(got) != 1 {
		t.Errorf("different followup topic should not be suppressed")
	}
}

func TestPickCapsAndOrdering(t *testing.T) {
	now := time.Now().UnixMilli()
	signals := []Signal{
		{Type: "goal_stale", Urgency: Low, CreatedAt: now - 1000},
		{Type: "error_spike", Urgency: High},
		{Type: "followup_due", Urgency: Medium, KeySuffix: "old", CreatedAt: now - 5000},
		{Type: "followup_due", Urgency: Medium, KeySuffix: "new", CreatedAt: now - 1000},
	}
	picked := Pick(signals, nil)
	if len(picked) != 2 {
		t.Fatalf("picked %d, want 2", len(picked))
	}
	if picked[0].Type != "error_spike" {
		t.Errorf("first pick = %s, want error_spike", picked[0].Type)
	}
	if picked[1].KeySuffix != "old" {
		t.Errorf("second pick = %s, want the older medium signal", picked[1].KeySuffix)
	}
}

func TestPickAtMostOneExpensive(t *testing.T) {
	signals := []Signal{
		{Type: "error_spike", Urgency: High},
		{Type: "cron_failure", Urgency: High},
		{Type: "followup_due", Urgency: Low},
	}
	expensive := func(s Signal) bool { return s.Urgency >= High }
	picked := Pick(signals, expensive)
	if len(picked) != 2 {
		t.Fatalf("picked %d, want 2", len(picked))
	}
	count := 0
	for _, s := range picked {
		if expensive(s) {
			count++
		}
	}
	if count != 1 {
		t.Errorf("%d expensive picks, want exactly 1", count)
	}
}

func TestFollowupDetectorSkipsNotYetDue(t *testing.T) {
	st := testStore(t)
	now := time.Now()
	followups := []Followup{
		{ID: "a", Topic: "due now", CreatedAt: now.Add(-time.Hour).UnixMilli()},
		{ID: "b", Topic: "later", CreatedAt: now.UnixMilli(), DueAt: now.Add(time.Hour).UnixMilli()},
	}
	if err := st.SetJSON(FollowupsKey, followups); err != nil {
		t.Fatal(err)
	}
	got := followupDetector(st, slog.Default())(now)
	if len(got) != 1 || got[0].Data["topic"] != "due now" {
		t.Errorf("got %v, want only the due followup", got)
	}
}

func TestCronDueDetectorComputesAndFires(t *testing.T) {
	st := testStore(t)
	clk, _ := clock.New("UTC")
	now := time.Now()

	if err := st.UpsertCron(store.Cron{ID: "daily", Name: "daily brief", Enabled: true, Schedule: "0 8 * * *"}); err != nil {
		t.Fatal(err)
	}
	detect := cronDueDetector(st, clk, slog.Default())

	// First pass computes and persists nextRun; nothing is due yet.
	if got := detect(now); len(got) != 0 {
		t.Fatalf("freshly scheduled cron should not fire: %v", got)
	}
	c, err := st.GetCron("daily")
	if err != nil || c == nil {
		t.Fatal(err)
	}
	if c.NextRun <= now.UnixMilli() {
		t.Fatalf("next run %d should be in the future", c.NextRun)
	}

	// Once the clock passes nextRun the signal fires.
	got := detect(time.UnixMilli(c.NextRun).Add(time.Minute))
	if len(got) != 1 || got[0].Type != "cron_due" || got[0].KeySuffix != "daily" {
		t.Errorf("got %v, want one cron_due for daily", got)
	}
}

func TestCronDueDetectorSkipsDisabledAndUnparseable(t *testing.T) {
	st := testStore(t)
	clk, _ := clock.New("UTC")
	st.UpsertCron(store.Cron{ID: "off", Name: "off", Enabled: false, Schedule: "* * * * *"})
	st.UpsertCron(store.Cron{ID: "bad", Name: "bad", Enabled: true, Schedule: "not a schedule"})
	if got := cronDueDetector(st, clk, slog.Default())(time.Now()); len(got) != 0 {
		t.Errorf("got %v, want none", got)
	}
}

func TestErrorSpikeDetectorThreshold(t *testing.T) {
	st := testStore(t)
	detect := errorSpikeDetector(st, slog.Default())

	for i := 0; i < 4; i++ {
		st.LogError("error", "router", "boom", "", "")
	}
	if got := detect(time.Now()); len(got) != 0 {
		t.Fatalf("4 errors should not spike: %v", got)
	}
	st.LogError("critical", "router", "boom", "", "")
	got := detect(time.Now())
	if len(got) != 1 || got[0].Urgency != High {
		t.Errorf("got %v, want one high error_spike", got)
	}
}

func TestMemoryPressureSignalMapping(t *testing.T) {
	if s := MemoryPressureSignal("NORMAL", 50); s != nil {
		t.Errorf("normal tier should produce no signal")
	}
	if s := MemoryPressureSignal("WARN", 75); s == nil || s.Urgency != Low {
		t.Errorf("warn tier should be low urgency, got %v", s)
	}
	if s := MemoryPressureSignal("SHED", 85); s == nil || s.Urgency != Medium {
		t.Errorf("shed tier should be medium urgency, got %v", s)
	}
	if s := MemoryPressureSignal("CRITICAL", 94); s == nil || s.Urgency != High {
		t.Errorf("critical tier should be high urgency, got %v", s)
	}
	// Restart is the guardian's decision; the signal stays at high.
	if s := MemoryPressureSignal("RESTART", 99); s == nil || s.Urgency != High {
		t.Errorf("restart tier should cap at high urgency, got %v", s)
	}
}

func TestCollectorIsolatesPanickingDetector(t *testing.T) {
	st := testStore(t)
	cd := NewCooldowns(st, 3*time.Hour, time.Hour, slog.Default())
	c := NewCollector([]Detector{
		{Name: "boom", Fn: func(time.Time) []Signal { panic("nope") }},
		{Name: "ok", Fn: func(time.Time) []Signal {
			return []Signal{{Type: "error_spike", Urgency: High}}
		}},
	}, cd, slog.Default())

	got := c.Collect(time.Now())
	if len(got) != 1 || got[0].Type != "error_spike" {
		t.Errorf("got %v, want the healthy detector's signal", got)
	}
}
