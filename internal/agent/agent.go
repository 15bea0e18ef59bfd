// Package agent runs the proactive loop: a single ticker-driven cycle that
// observes, thinks at most once, acts, and goes back to sleep.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/antigravity-dev/vigil/internal/clock"
	"github.com/antigravity-dev/vigil/internal/config"
	"github.com/antigravity-dev/vigil/internal/cost"
	"github.com/antigravity-dev/vigil/internal/dispatchact"
	"github.com/antigravity-dev/vigil/internal/experiment"
	"github.com/antigravity-dev/vigil/internal/learning"
	"github.com/antigravity-dev/vigil/internal/llm"
	"github.com/antigravity-dev/vigil/internal/memguard"
	"github.com/antigravity-dev/vigil/internal/module"
	"github.com/antigravity-dev/vigil/internal/notify"
	"github.com/antigravity-dev/vigil/internal/prompt"
	"github.com/antigravity-dev/vigil/internal/signal"
	"github.com/antigravity-dev/vigil/internal/store"
	"github.com/antigravity-dev/vigil/internal/tags"
	"github.com/antigravity-dev/vigil/internal/trust"
)

// SlotLimiter lets non-user work share the reactive queue's global
// concurrency cap.
type SlotLimiter interface {
	AcquireSlot(ctx context.Context) error
	ReleaseSlot()
}

// Terminal conditions the process exits on. main maps these to exit codes.
var (
	// ErrMemoryRestart means heap crossed the restart tier; the supervisor
	// should bring up a fresh process.
	ErrMemoryRestart = errors.New("memory restart tier reached")
	// ErrCrashLoop means the dispatcher crashed too many cycles in a row.
	ErrCrashLoop = errors.New("dispatcher crash loop")
)

const (
	cycleCountKey        = "cycle-count"
	lastCycleKey         = "last-cycle-at"
	lastMaintenanceKey   = "last-maintenance-at"
	lastExpSweepKey      = "last-experiment-sweep-at"
	lastChronicAlertKey  = "last-chronic-alert-at"
	chronicAlertCooldown = 30 * time.Minute

	maxConsecutiveCrashes = 3
	experimentSweepEvery  = 30 * time.Minute
	maintenanceEvery      = 7 * 24 * time.Hour
	followupTTL           = 30 * 24 * time.Hour
	tierDecayFactor       = 0.9
	cycleStuckMargin      = 5 * time.Minute
)

// Driver wires the cycle together and owns the loop.
type Driver struct {
	cfg        config.Manager
	st         *store.Store
	clk        *clock.Clock
	collector  *signal.Collector
	cooldowns  *signal.Cooldowns
	mediator   *llm.Mediator
	assembler  *prompt.Assembler
	dispatcher *dispatchact.Dispatcher
	guardian   *memguard.Guardian
	tracker    *cost.Tracker
	trust      *trust.Engine
	learning   *learning.Engine
	experiment *experiment.Engine
	registry   *module.Registry
	notifier   *notify.Notifier
	slots      SlotLimiter
	logger     *slog.Logger

	runNow chan struct{}

	// nextOverride is a one-shot cadence override from the last cycle.
	nextOverride time.Duration
	// lastCritical remembers whether the last collection saw a critical
	// signal; it forces base cadence through quiet hours.
	lastCritical bool
	crashes      int
}

type Deps struct {
	Cfg        config.Manager
	Store      *store.Store
	Clock      *clock.Clock
	Collector  *signal.Collector
	Cooldowns  *signal.Cooldowns
	Mediator   *llm.Mediator
	Assembler  *prompt.Assembler
	Dispatcher *dispatchact.Dispatcher
	Guardian   *memguard.Guardian
	Tracker    *cost.Tracker
	Trust      *trust.Engine
	Learning   *learning.Engine
	Experiment *experiment.Engine
	Registry   *module.Registry
	Notifier   *notify.Notifier
	// Slots, when set, makes the cycle's model and dispatch work count
	// against the reactive queue's global concurrency cap.
	Slots  SlotLimiter
	Logger *slog.Logger
}

func NewDriver(d Deps) *Driver {
	return &Driver{
		cfg:        d.Cfg,
		st:         d.Store,
		clk:        d.Clock,
		collector:  d.Collector,
		cooldowns:  d.Cooldowns,
		mediator:   d.Mediator,
		assembler:  d.Assembler,
		dispatcher: d.Dispatcher,
		guardian:   d.Guardian,
		tracker:    d.Tracker,
		trust:      d.Trust,
		learning:   d.Learning,
		experiment: d.Experiment,
		registry:   d.Registry,
		notifier:   d.Notifier,
		slots:      d.Slots,
		logger:     d.Logger,
		runNow:     make(chan struct{}, 1),
	}
}

// TriggerNow requests an immediate cycle; coalesces if one is pending.
func (d *Driver) TriggerNow() {
	select {
	case d.runNow <- struct{}{}:
	default:
	}
}

// Run is the loop. It returns nil on context cancellation and a terminal
// error for conditions that require a process exit.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("proactive loop starting")
	for {
		interval, urgent := d.nextInterval()
		d.logger.Debug("sleeping until next cycle", "interval", interval, "urgent", urgent)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.logger.Info("proactive loop stopping")
			return nil
		case <-d.runNow:
			timer.Stop()
		case <-timer.C:
		}

		if err := d.RunCycle(ctx); err != nil {
			if errors.Is(err, ErrMemoryRestart) || errors.Is(err, ErrCrashLoop) {
				return err
			}
			d.logger.Error("cycle failed", "error", err)
		}
	}
}

// nextInterval computes the sleep before the next cycle: the one-shot
// override wins once, otherwise quiet hours stretch the cadence unless
// something urgent is pending.
func (d *Driver) nextInterval() (time.Duration, bool) {
	if d.nextOverride > 0 {
		iv := d.nextOverride
		d.nextOverride = 0
		return iv, false
	}
	cfg := d.cfg.Get()
	quietNow := clock.IsQuietHours(d.clk.CurrentHour(), cfg.Agent.QuietStart, cfg.Agent.QuietEnd)
	urgent := d.lastCritical || d.registry.AnyUrgentWork(d.clk.Now())
	return clock.CycleInterval(cfg.Agent.Interval.Duration, cfg.Agent.QuietInterval.Duration, quietNow, urgent), urgent
}

// PausedKey is the kv flag the reactive surface toggles to halt proactive
// work without stopping the process.
const PausedKey = "agent-paused"

// RunCycle executes exactly one observe-think-act pass.
func (d *Driver) RunCycle(ctx context.Context) error {
	now := d.clk.Now()
	cfg := d.cfg.Get()

	if raw, ok, _ := d.st.Get(PausedKey); ok && raw == "true" {
		d.logger.Debug("proactive loop paused")
		return nil
	}

	stuck := time.AfterFunc(cfg.LLM.ToolTimeout.Duration+cycleStuckMargin, func() {
		d.logger.Error("cycle appears stuck")
		d.st.LogError("critical", "agent", "cycle exceeded its hard ceiling", "", "")
		d.notifier.Notify("agent cycle appears stuck")
	})
	defer stuck.Stop()

	report := d.guardian.Tick(now)
	if report.Tier >= memguard.TierRestart {
		d.notifier.Notify(fmt.Sprintf("restarting: heap at %.1f%%", report.HeapPct))
		return ErrMemoryRestart
	}
	d.maybeChronicAlert(now, report)

	collected := d.collector.Collect(now)
	if mp := signal.MemoryPressureSignal(report.Tier.String(), report.HeapPct); mp != nil {
		collected = append(collected, *mp)
	}
	d.lastCritical = signal.HasCritical(collected)

	picked := signal.Pick(collected, d.mediator.IsExpensive)
	if len(picked) == 0 {
		// Nothing worth waking the model for. No call, no cost.
		d.logger.Debug("no signals picked, skipping model call")
		d.finishCycle(now)
		d.runHousekeeping(now)
		return nil
	}
	mandatory := signal.HasUrgent(picked)

	if d.slots != nil {
		if err := d.slots.AcquireSlot(ctx); err != nil {
			d.logger.Warn("cycle skipped, no queue slot", "error", err)
			return nil
		}
		defer d.slots.ReleaseSlot()
	}

	promptText := d.assembler.Build(now, picked)
	model := d.mediator.SelectModel(picked)

	output, err := d.mediator.Call(ctx, model, promptText, "proactive", mandatory)
	if err != nil {
		// Budget suppression and transient LLM failures end the cycle
		// quietly; the signals stay uncooled and return next cycle.
		d.logger.Warn("cycle skipped", "error", err)
		d.finishCycle(now)
		return nil
	}

	parsed := tags.Parse(output)
	res, crashed := d.applyDispatch(ctx, now, parsed, picked)
	if crashed {
		d.crashes++
		d.st.LogError("critical", "agent", fmt.Sprintf("dispatcher crashed (%d consecutive)", d.crashes), "", "")
		if d.crashes >= maxConsecutiveCrashes {
			d.notifier.Notify("dispatcher crash loop, exiting for supervisor restart")
			return ErrCrashLoop
		}
		d.finishCycle(now)
		return fmt.Errorf("dispatcher crashed")
	}
	d.crashes = 0

	d.cooldowns.MarkFired(picked, now)
	if res.NextCycleMinutes > 0 {
		d.nextOverride = time.Duration(res.NextCycleMinutes) * time.Minute
	}

	d.logger.Info("cycle complete",
		"signals", len(collected),
		"picked", len(picked),
		"model", model,
		"messages", res.MessagesSent,
		"actions", res.ActionsApplied,
		"failures", res.Failures)

	d.finishCycle(now)
	d.runHousekeeping(now)
	return nil
}

// maybeChronicAlert recommends a restart when the guardian reports chronic
// elevation. Rate-limited so a bad afternoon is one ping, not a drumbeat.
// Reports whether an alert went out.
func (d *Driver) maybeChronicAlert(now time.Time, report memguard.TickReport) bool {
	if !report.Chronic || !d.due(lastChronicAlertKey, now, chronicAlertCooldown) {
		return false
	}
	d.logger.Warn("chronic memory elevation", "heapPct", report.HeapPct)
	d.notifier.Notify(fmt.Sprintf("memory has stayed elevated (heap %.1f%%); a restart at the next quiet moment is recommended", report.HeapPct))
	d.st.Set(lastChronicAlertKey, strconv.FormatInt(now.UnixMilli(), 10))
	return true
}

// applyDispatch contains dispatcher panics so the loop can count them.
func (d *Driver) applyDispatch(ctx context.Context, now time.Time, parsed tags.Parsed, picked []signal.Signal) (res dispatchact.Result, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher panicked", "panic", r)
			crashed = true
		}
	}()
	return d.dispatcher.Apply(ctx, now, parsed, picked), false
}

func (d *Driver) finishCycle(now time.Time) {
	count := 0
	if raw, ok, _ := d.st.Get(cycleCountKey); ok {
		count, _ = strconv.Atoi(raw)
	}
	d.st.Set(cycleCountKey, strconv.Itoa(count+1))
	d.st.Set(lastCycleKey, strconv.FormatInt(now.UnixMilli(), 10))
}

// runHousekeeping runs the periodic non-cycle work: experiment sweeps every
// half hour, deep maintenance weekly.
func (d *Driver) runHousekeeping(now time.Time) {
	if d.due(lastExpSweepKey, now, experimentSweepEvery) {
		res := d.experiment.Sweep(now)
		if len(res.Reverted) > 0 {
			d.notifier.Notify(fmt.Sprintf("reverted %d experiment(s): %v", len(res.Reverted), res.Reverted))
		}
		d.st.Set(lastExpSweepKey, strconv.FormatInt(now.UnixMilli(), 10))
	}

	if d.due(lastMaintenanceKey, now, maintenanceEvery) {
		d.runMaintenance(now)
		d.st.Set(lastMaintenanceKey, strconv.FormatInt(now.UnixMilli(), 10))
	}
}

func (d *Driver) due(key string, now time.Time, every time.Duration) bool {
	raw, ok, err := d.st.Get(key)
	if err != nil {
		return false
	}
	if !ok {
		return true
	}
	last, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	return now.Sub(time.UnixMilli(last)) >= every
}

// runMaintenance is the weekly pass: retention sweep, trust and memory
// decay, capability gap promotion, followup TTL.
func (d *Driver) runMaintenance(now time.Time) {
	d.logger.Info("running weekly maintenance")

	swept := d.st.Sweep(store.DefaultRetention())
	if err := d.trust.Decay(); err != nil {
		d.logger.Warn("trust decay failed", "error", err)
	}
	if err := d.guardian.DecayTiers(tierDecayFactor); err != nil {
		d.logger.Warn("memory tier decay failed", "error", err)
	}
	promoted, err := d.learning.PromoteGaps()
	if err != nil {
		d.logger.Warn("gap promotion failed", "error", err)
	}
	expired := d.expireFollowups(now)

	d.st.RecordEvent("maintenance", fmt.Sprintf("sweep=%+v promotedGaps=%d expiredFollowups=%d", swept, len(promoted), expired))
}

// expireFollowups drops followups that sat unanswered past the TTL; a
// commitment a month stale is noise, not a plan.
func (d *Driver) expireFollowups(now time.Time) int {
	var followups []signal.Followup
	if _, err := d.st.GetJSON(signal.FollowupsKey, &followups); err != nil {
		return 0
	}
	kept := followups[:0]
	expired := 0
	for _, f := range followups {
		if now.Sub(time.UnixMilli(f.CreatedAt)) > followupTTL {
			expired++
			continue
		}
		kept = append(kept, f)
	}
	if expired > 0 {
		if err := d.st.SetJSON(signal.FollowupsKey, kept); err != nil {
			d.logger.Warn("failed to expire followups", "error", err)
			return 0
		}
	}
	return expired
}
