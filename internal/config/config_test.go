package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
[general]
timezone = "UTC"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Agent.Interval.Duration != 10*time.Minute {
		t.Errorf("default interval = %v, want 10m", cfg.Agent.Interval.Duration)
	}
	if cfg.Agent.QuietInterval.Duration != 60*time.Minute {
		t.Errorf("default quiet interval = %v, want 60m", cfg.Agent.QuietInterval.Duration)
	}
	if cfg.Agent.QuietStart != 23 || cfg.Agent.QuietEnd != 7 {
		t.Errorf("default quiet window = %d-%d, want 23-7", cfg.Agent.QuietStart, cfg.Agent.QuietEnd)
	}
	if cfg.Cooldowns.Low.Duration != 3*time.Hour {
		t.Errorf("default low cooldown = %v, want 3h", cfg.Cooldowns.Low.Duration)
	}
	if cfg.Cooldowns.Medium.Duration != time.Hour {
		t.Errorf("default medium cooldown = %v, want 1h", cfg.Cooldowns.Medium.Duration)
	}
	if cfg.Queue.MaxConcurrent != 3 {
		t.Errorf("default max_concurrent = %d, want 3", cfg.Queue.MaxConcurrent)
	}
	if cfg.LLM.MaxToolRounds != 5 {
		t.Errorf("default max_tool_rounds = %d, want 5", cfg.LLM.MaxToolRounds)
	}
}

func TestLoadDurationsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
[general]
timezone = "Europe/Madrid"

[agent]
interval = "5m"
quiet_start = 22
quiet_end = 6

[cost]
daily_budget_usd = 2.5

[models]
cheap = "haiku"
expensive = "opus"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.Interval.Duration != 5*time.Minute {
		t.Errorf("interval = %v, want 5m", cfg.Agent.Interval.Duration)
	}
	if cfg.Cost.DailyBudgetUSD != 2.5 {
		t.Errorf("budget = %v, want 2.5", cfg.Cost.DailyBudgetUSD)
	}
	if cfg.Models.Expensive != "opus" {
		t.Errorf("expensive model = %q, want opus", cfg.Models.Expensive)
	}
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	path := writeConfig(t, `
[general]
timezone = "Mars/Olympus"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestLoadRejectsSameModels(t *testing.T) {
	path := writeConfig(t, `
[models]
cheap = "sonnet"
expensive = "sonnet"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when cheap == expensive")
	}
}

func TestManagerSwap(t *testing.T) {
	a := &Config{}
	applyDefaults(a)
	m := NewManager(a)

	if m.Get() != a {
		t.Fatal("Get should return initial config")
	}

	b := &Config{}
	applyDefaults(b)
	m.Set(b)
	if m.Get() != b {
		t.Fatal("Get should return swapped config")
	}
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, `
[agent]
interval = "7m"
`)
	m := NewManager(&Config{})
	if err := m.Reload(path); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if m.Get().Agent.Interval.Duration != 7*time.Minute {
		t.Errorf("reloaded interval = %v, want 7m", m.Get().Agent.Interval.Duration)
	}

	if err := m.Reload(""); err == nil {
		t.Fatal("expected error for empty reload path")
	}
}
