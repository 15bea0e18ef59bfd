// Package config loads and validates the Vigil TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General   General   `toml:"general"`
	Agent     Agent     `toml:"agent"`
	Cost      Cost      `toml:"cost"`
	Memory    Memory    `toml:"memory"`
	Queue     Queue     `toml:"queue"`
	Models    Models    `toml:"models"`
	LLM       LLM       `toml:"llm"`
	Cooldowns Cooldowns `toml:"cooldowns"`
	Modules   Modules   `toml:"modules"`
	Tools     Tools     `toml:"tools"`
	API       API       `toml:"api"`
	Notify    Notify    `toml:"notify"`
}

type General struct {
	Timezone  string `toml:"timezone"`
	LogLevel  string `toml:"log_level"`
	StateDB   string `toml:"state_db"`
	Workspace string `toml:"workspace"`
	Owner     string `toml:"owner"` // the single user this agent serves
}

type Agent struct {
	Interval         Duration `toml:"interval"`          // base proactive cycle interval
	QuietInterval    Duration `toml:"quiet_interval"`    // interval during quiet hours
	QuietStart       int      `toml:"quiet_start"`       // hour 0-23
	QuietEnd         int      `toml:"quiet_end"`         // hour 0-23, window wraps if start > end
	MaxPromptChars   int      `toml:"max_prompt_chars"`  // total prompt budget
	SectionCapChars  int      `toml:"section_cap_chars"` // per-section trim cap
	RecentActionCap  int      `toml:"recent_action_cap"` // ring size for recent-actions
	MaxPickedSignals int      `toml:"max_picked_signals"`
}

type Cost struct {
	DailyBudgetUSD float64 `toml:"daily_budget_usd"`
}

type Memory struct {
	LimitMB          int      `toml:"limit_mb"` // 0 = derive from cgroup / host total
	ChronicWindow    Duration `toml:"chronic_window"`
	ChronicThreshold float64  `toml:"chronic_threshold"` // fraction of snapshots above WARN
	ShedCooldown     Duration `toml:"shed_cooldown"`
	AlertCooldown    Duration `toml:"alert_cooldown"`
	MaxTrackedTiers  int      `toml:"max_tracked_tiers"` // cap for the memory-tiers kv key
}

type Queue struct {
	MaxConcurrent   int `toml:"max_concurrent"`
	MaxQueuePerUser int `toml:"max_queue_per_user"`
}

type Models struct {
	Cheap     string             `toml:"cheap"`
	Expensive string             `toml:"expensive"`
	Pricing   map[string]Pricing `toml:"pricing"`
}

// Pricing is USD per million tokens for a model.
type Pricing struct {
	InputPerMtok  float64 `toml:"input_per_mtok"`
	OutputPerMtok float64 `toml:"output_per_mtok"`
}

type LLM struct {
	Cmd            string   `toml:"cmd"`  // CLI binary, e.g. "claude"
	Args           []string `toml:"args"` // extra args; {model} placeholder is substituted
	DefaultTimeout Duration `toml:"default_timeout"`
	ToolTimeout    Duration `toml:"tool_timeout"` // hard ceiling for tool-augmented runs
	MaxToolRounds  int      `toml:"max_tool_rounds"`
}

type Cooldowns struct {
	Low    Duration `toml:"low"`
	Medium Duration `toml:"medium"`
}

type Modules struct {
	Dir string `toml:"dir"` // directory of module manifests
}

type Tools struct {
	ShellImage   string   `toml:"shell_image"`
	ShellTimeout Duration `toml:"shell_timeout"`
	RatePerMin   int      `toml:"rate_per_min"`
}

type API struct {
	Bind     string `toml:"bind"`
	Secret   string `toml:"secret"` // falls back to VIGIL_API_SECRET
	AuditLog string `toml:"audit_log"`
}

type Notify struct {
	URL   string `toml:"url"` // out-of-band alert webhook; empty disables
	Token string `toml:"token"`
}

// Load reads, defaults and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.Timezone == "" {
		cfg.General.Timezone = "UTC"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "~/.vigil/state.db"
	}
	if cfg.General.Workspace == "" {
		cfg.General.Workspace = "~/.vigil/workspace"
	}
	if cfg.General.Owner == "" {
		cfg.General.Owner = "owner"
	}

	if cfg.Agent.Interval.Duration <= 0 {
		cfg.Agent.Interval.Duration = 10 * time.Minute
	}
	if cfg.Agent.QuietInterval.Duration <= 0 {
		cfg.Agent.QuietInterval.Duration = 60 * time.Minute
	}
	if cfg.Agent.QuietStart == 0 && cfg.Agent.QuietEnd == 0 {
		cfg.Agent.QuietStart = 23
		cfg.Agent.QuietEnd = 7
	}
	if cfg.Agent.MaxPromptChars <= 0 {
		cfg.Agent.MaxPromptChars = 24000
	}
	if cfg.Agent.SectionCapChars <= 0 {
		cfg.Agent.SectionCapChars = 4000
	}
	if cfg.Agent.RecentActionCap <= 0 {
		cfg.Agent.RecentActionCap = 50
	}
	if cfg.Agent.MaxPickedSignals <= 0 {
		cfg.Agent.MaxPickedSignals = 2
	}

	if cfg.Cost.DailyBudgetUSD <= 0 {
		cfg.Cost.DailyBudgetUSD = 5.0
	}

	if cfg.Memory.ChronicWindow.Duration <= 0 {
		cfg.Memory.ChronicWindow.Duration = 15 * time.Minute
	}
	if cfg.Memory.ChronicThreshold <= 0 {
		cfg.Memory.ChronicThreshold = 0.8
	}
	if cfg.Memory.ShedCooldown.Duration <= 0 {
		cfg.Memory.ShedCooldown.Duration = 10 * time.Minute
	}
	if cfg.Memory.AlertCooldown.Duration <= 0 {
		cfg.Memory.AlertCooldown.Duration = 30 * time.Minute
	}
	if cfg.Memory.MaxTrackedTiers <= 0 {
		cfg.Memory.MaxTrackedTiers = 500
	}

	if cfg.Queue.MaxConcurrent <= 0 {
		cfg.Queue.MaxConcurrent = 3
	}
	if cfg.Queue.MaxQueuePerUser <= 0 {
		cfg.Queue.MaxQueuePerUser = 10
	}

	if cfg.Models.Cheap == "" {
		cfg.Models.Cheap = "haiku"
	}
	if cfg.Models.Expensive == "" {
		cfg.Models.Expensive = "sonnet"
	}

	if cfg.LLM.Cmd == "" {
		cfg.LLM.Cmd = "claude"
	}
	if cfg.LLM.DefaultTimeout.Duration <= 0 {
		cfg.LLM.DefaultTimeout.Duration = 2 * time.Minute
	}
	if cfg.LLM.ToolTimeout.Duration <= 0 {
		cfg.LLM.ToolTimeout.Duration = 30 * time.Minute
	}
	if cfg.LLM.MaxToolRounds <= 0 {
		cfg.LLM.MaxToolRounds = 5
	}

	if cfg.Cooldowns.Low.Duration <= 0 {
		cfg.Cooldowns.Low.Duration = 3 * time.Hour
	}
	if cfg.Cooldowns.Medium.Duration <= 0 {
		cfg.Cooldowns.Medium.Duration = time.Hour
	}

	if cfg.Modules.Dir == "" {
		cfg.Modules.Dir = "~/.vigil/modules"
	}

	if cfg.Tools.ShellImage == "" {
		cfg.Tools.ShellImage = "alpine:3.20"
	}
	if cfg.Tools.ShellTimeout.Duration <= 0 {
		cfg.Tools.ShellTimeout.Duration = 60 * time.Second
	}
	if cfg.Tools.RatePerMin <= 0 {
		cfg.Tools.RatePerMin = 10
	}

	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:7171"
	}
	if cfg.API.Secret == "" {
		cfg.API.Secret = os.Getenv("VIGIL_API_SECRET")
	}
}

func validate(cfg *Config) error {
	if _, err := time.LoadLocation(cfg.General.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.General.Timezone, err)
	}
	if cfg.Agent.QuietStart < 0 || cfg.Agent.QuietStart > 23 {
		return fmt.Errorf("agent.quiet_start must be 0-23, got %d", cfg.Agent.QuietStart)
	}
	if cfg.Agent.QuietEnd < 0 || cfg.Agent.QuietEnd > 23 {
		return fmt.Errorf("agent.quiet_end must be 0-23, got %d", cfg.Agent.QuietEnd)
	}
	if cfg.Memory.ChronicThreshold > 1 {
		return fmt.Errorf("memory.chronic_threshold must be <= 1, got %v", cfg.Memory.ChronicThreshold)
	}
	if cfg.Models.Cheap == cfg.Models.Expensive {
		return fmt.Errorf("models.cheap and models.expensive must differ")
	}
	return nil
}

// ExpandHome expands a leading ~/ to the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
