package module

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/vigil/internal/signal"
)

func TestRegistryToleratesSparseManifests(t *testing.T) {
	r := NewRegistry(slog.Default())
	if err := r.Register(Manifest{Name: "bare"}); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if got := r.Detectors(); len(got) != 0 {
		t.Errorf("bare manifest should contribute no detectors: %v", got)
	}
	if got := r.BriefFor(signal.Signal{Type: "anything"}); got != "" {
		t.Errorf("bare manifest should contribute no briefs: %q", got)
	}
	if got := r.Routes(); len(got) != 0 {
		t.Errorf("bare manifest should contribute no routes: %v", got)
	}
	if r.AnyUrgentWork(now) {
		t.Error("bare manifest should have no urgent work")
	}
	if got := r.StateKeyFor("anything"); got != "" {
		t.Errorf("state key = %q, want empty", got)
	}
}

func TestRegisterRejectsUnnamed(t *testing.T) {
	r := NewRegistry(slog.Default())
	if err := r.Register(Manifest{}); err == nil {
		t.Error("unnamed manifest should be rejected")
	}
}

func TestReRegisterReplacesInPlace(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.Register(Manifest{Name: "a", SonnetSignalTypes: []string{"x"}})
	r.Register(Manifest{Name: "b"})
	r.Register(Manifest{Name: "a", SonnetSignalTypes: []string{"y"}})

	if names := r.Names(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("names = %v", names)
	}
	set := r.SonnetSignalTypes()
	if set["x"] || !set["y"] {
		t.Errorf("sonnet types = %v, want only y", set)
	}
}

func TestContextForMatchesPickedTypes(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.Register(Manifest{
		Name: "crons",
		Context: &ContextProvider{
			SignalTypes: []string{"cron_due"},
			Build:       func(time.Time, []signal.Signal) string { return "cron context" },
		},
	})
	r.Register(Manifest{
		Name: "errors",
		Context: &ContextProvider{
			SignalTypes: []string{"error_spike"},
			Build:       func(time.Time, []signal.Signal) string { return "error context" },
		},
	})

	picked := []signal.Signal{{Type: "cron_due"}}
	got := r.ContextFor(time.Now(), picked)
	if len(got) != 1 || got[0] != "cron context" {
		t.Errorf("context = %v, want only the cron provider", got)
	}
}

func TestBriefForMatchesSignalType(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.Register(Manifest{
		Name: "finance",
		BriefBuilders: map[string]BriefBuilder{
			"invoice_overdue": func(s signal.Signal) string { return "chase invoice " + s.Data["invoiceId"].(string) },
			"quiet_type":      func(signal.Signal) string { return "   " },
		},
	})

	got := r.BriefFor(signal.Signal{Type: "invoice_overdue", Data: map[string]any{"invoiceId": "inv-7"}})
	if got != "[finance]\nchase invoice inv-7" {
		t.Errorf("brief = %q", got)
	}
	if got := r.BriefFor(signal.Signal{Type: "quiet_type"}); got != "" {
		t.Errorf("blank builder output should yield no brief, got %q", got)
	}
	if got := r.BriefFor(signal.Signal{Type: "unclaimed"}); got != "" {
		t.Errorf("unclaimed type should yield no brief, got %q", got)
	}
}

func TestRoutesAndDashboardPagesAggregate(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.Register(Manifest{
		Name:           "finance",
		APIRoutes:      []Route{{Method: "GET", Pattern: "/finance/invoices", Handler: func(http.ResponseWriter, *http.Request) {}}},
		DashboardPages: []string{"invoices"},
	})
	r.Register(Manifest{
		Name:           "health",
		DashboardPages: []string{"sleep", "workouts"},
	})

	routes := r.Routes()
	if len(routes) != 1 || routes[0].Pattern != "/finance/invoices" {
		t.Fatalf("routes = %+v", routes)
	}
	pages := r.DashboardPages()
	if len(pages) != 3 || pages[0] != "invoices" || pages[2] != "workouts" {
		t.Errorf("pages = %v", pages)
	}
}

func TestAnyUrgentWorkIsolatesPanics(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.Register(Manifest{Name: "boom", HasUrgentWork: func(time.Time) bool { panic("nope") }})
	r.Register(Manifest{Name: "busy", HasUrgentWork: func(time.Time) bool { return true }})

	if !r.AnyUrgentWork(time.Now()) {
		t.Error("healthy module's urgent work should survive a sibling panic")
	}
}

func TestLoadDirRegistersDeclarativeManifests(t *testing.T) {
	dir := t.TempDir()
	manifest := `
name = "finance"
sonnet_signal_types = ["invoice_overdue"]
message_categories = ["finance"]
dashboard_pages = ["invoices"]
surprise = true

[state_keys]
invoice_overdue = "finance-last-checked"
`
	if err := os.WriteFile(filepath.Join(dir, "finance.toml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.toml"), []byte("name = ["), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(slog.Default())
	if err := r.LoadDir(dir); err != nil {
		t.Fatal(err)
	}

	if names := r.Names(); len(names) != 1 || names[0] != "finance" {
		t.Fatalf("names = %v, want [finance]", names)
	}
	if !r.SonnetSignalTypes()["invoice_overdue"] {
		t.Error("declared sonnet signal type missing")
	}
	if got := r.StateKeyFor("invoice_overdue"); got != "finance-last-checked" {
		t.Errorf("state key = %q", got)
	}
	if got := r.MessageCategories()["finance"]; got != "finance" {
		t.Errorf("category owner = %q", got)
	}
	if pages := r.DashboardPages(); len(pages) != 1 || pages[0] != "invoices" {
		t.Errorf("dashboard pages = %v", pages)
	}
}

func TestLoadDirMissingDirIsFine(t *testing.T) {
	r := NewRegistry(slog.Default())
	if err := r.LoadDir(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Errorf("missing dir should be tolerated: %v", err)
	}
}
