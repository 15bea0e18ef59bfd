package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/joho/godotenv"

	"github.com/antigravity-dev/vigil/internal/agent"
	"github.com/antigravity-dev/vigil/internal/api"
	"github.com/antigravity-dev/vigil/internal/clock"
	"github.com/antigravity-dev/vigil/internal/config"
	"github.com/antigravity-dev/vigil/internal/cost"
	"github.com/antigravity-dev/vigil/internal/dispatchact"
	"github.com/antigravity-dev/vigil/internal/experiment"
	"github.com/antigravity-dev/vigil/internal/goals"
	"github.com/antigravity-dev/vigil/internal/learning"
	"github.com/antigravity-dev/vigil/internal/llm"
	"github.com/antigravity-dev/vigil/internal/memguard"
	"github.com/antigravity-dev/vigil/internal/module"
	"github.com/antigravity-dev/vigil/internal/notify"
	"github.com/antigravity-dev/vigil/internal/prompt"
	"github.com/antigravity-dev/vigil/internal/queue"
	"github.com/antigravity-dev/vigil/internal/reactive"
	sig "github.com/antigravity-dev/vigil/internal/signal"
	"github.com/antigravity-dev/vigil/internal/store"
	"github.com/antigravity-dev/vigil/internal/tools"
	"github.com/antigravity-dev/vigil/internal/transport"
	"github.com/antigravity-dev/vigil/internal/trust"
)

// Exit codes a supervisor can act on.
const (
	exitOK            = 0
	exitInit          = 1
	exitCrashLoop     = 2
	exitMemoryRestart = 3
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}
	if strings.TrimSpace(oldCfg.General.StateDB) != strings.TrimSpace(newCfg.General.StateDB) {
		return fmt.Errorf("state_db changed and requires restart")
	}
	if strings.TrimSpace(oldCfg.API.Bind) != strings.TrimSpace(newCfg.API.Bind) {
		return fmt.Errorf("api.bind changed and requires restart")
	}
	return nil
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "vigil.toml", "path to config file")
	once := flag.Bool("once", false, "run a single proactive cycle then exit")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	dryRun := flag.Bool("dry-run", false, "assemble one cycle prompt, print it, skip the model")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("vigil starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(exitInit)
	}
	cfgManager := config.NewManager(cfg)

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.9)); err != nil {
		logger.Warn("could not derive GOMEMLIMIT", "error", err)
	}

	clk, err := clock.New(cfg.General.Timezone)
	if err != nil {
		logger.Error("invalid timezone", "timezone", cfg.General.Timezone, "error", err)
		os.Exit(exitInit)
	}

	dbPath := config.ExpandHome(cfg.General.StateDB)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		logger.Error("failed to create state directory", "path", dbPath, "error", err)
		os.Exit(exitInit)
	}
	st, err := store.Open(dbPath, clk.Location(), logger)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(exitInit)
	}
	defer st.Close()

	workspace := config.ExpandHome(cfg.General.Workspace)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		logger.Error("failed to create workspace", "path", workspace, "error", err)
		os.Exit(exitInit)
	}

	reg := module.NewRegistry(logger)
	if err := reg.LoadDir(config.ExpandHome(cfg.Modules.Dir)); err != nil {
		logger.Warn("module manifests not loaded", "dir", cfg.Modules.Dir, "error", err)
	}

	tracker := cost.NewTracker(st, clk, cfg.Cost.DailyBudgetUSD, logger)
	mediator := llm.NewMediator(cfg.LLM, cfg.Models, tracker, reg.SonnetSignalTypes(), logger)
	cooldowns := sig.NewCooldowns(st, cfg.Cooldowns.Low.Duration, cfg.Cooldowns.Medium.Duration, logger)
	detectors := append(sig.CoreDetectors(st, clk, tracker, logger), reg.Detectors()...)
	collector := sig.NewCollector(detectors, cooldowns, logger)

	gs := goals.New(st, logger)
	le := learning.New(st, logger)
	te := trust.New(st, logger)
	notifier := notify.New(cfg.Notify.URL, cfg.Notify.Token, logger)
	guardian := memguard.New(st, notifier, memguard.Options{
		LimitBytes:       uint64(cfg.Memory.LimitMB) * 1024 * 1024,
		ChronicWindow:    cfg.Memory.ChronicWindow.Duration,
		ChronicThreshold: cfg.Memory.ChronicThreshold,
		ShedCooldown:     cfg.Memory.ShedCooldown.Duration,
		AlertCooldown:    cfg.Memory.AlertCooldown.Duration,
		MaxTrackedTiers:  cfg.Memory.MaxTrackedTiers,
	}, logger)

	toolReg := tools.NewRegistry(cfg.Tools.RatePerMin, logger)
	tools.RegisterBuiltins(toolReg, workspace, st)
	if sandbox, err := tools.NewShellSandbox(cfg.Tools.ShellImage, workspace, cfg.Tools.ShellTimeout.Duration, logger); err != nil {
		logger.Warn("shell sandbox unavailable, shell tool disabled", "error", err)
	} else {
		toolReg.Register(sandbox.Tool())
	}

	console := transport.NewConsole(cfg.General.Owner, os.Stdin, os.Stdout)
	outbox := transport.NewOutbox(console, st, logger)

	disp := dispatchact.New(st, gs, le, te, outbox, reg, cfg.General.Owner, cfg.Agent.RecentActionCap, logger)
	asm := prompt.NewAssembler(st, clk, gs, reg, cfg.Agent.MaxPromptChars, cfg.Agent.SectionCapChars, cfg.Agent.QuietStart, cfg.Agent.QuietEnd, logger)
	exp := experiment.New(st, le, logger)
	q := queue.New(cfg.Queue.MaxConcurrent, cfg.Queue.MaxQueuePerUser, logger)

	driver := agent.NewDriver(agent.Deps{
		Cfg:        cfgManager,
		Store:      st,
		Clock:      clk,
		Collector:  collector,
		Cooldowns:  cooldowns,
		Mediator:   mediator,
		Assembler:  asm,
		Dispatcher: disp,
		Guardian:   guardian,
		Tracker:    tracker,
		Trust:      te,
		Learning:   le,
		Experiment: exp,
		Registry:   reg,
		Notifier:   notifier,
		Slots:      q,
		Logger:     logger.With("component", "agent"),
	})

	handler := reactive.NewHandler(st, q, mediator, toolReg, outbox, gs, driver.TriggerNow, logger.With("component", "reactive"))
	console.OnMessage(handler.OnInbound)

	apiSrv, err := api.NewServer(api.Deps{
		Cfg:      cfgManager,
		Store:    st,
		Guardian: guardian,
		Trust:    te,
		Queue:    q,
		Registry: reg,
		Trigger:  driver.TriggerNow,
		Conclude: st.AmendExperimentConclusion,
		Logger:   logger.With("component", "api"),
	})
	if err != nil {
		logger.Error("failed to create api server", "error", err)
		os.Exit(exitInit)
	}
	defer apiSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *dryRun {
		mediator.SetRunner(func(ctx context.Context, model, prompt string) (string, error) {
			fmt.Printf("--- model: %s ---\n%s\n", model, prompt)
			return "", nil
		})
		*once = true
	}

	if *once {
		logger.Info("running single cycle (--once mode)")
		if err := driver.RunCycle(ctx); err != nil {
			logger.Error("cycle failed", "error", err)
			st.Close()
			os.Exit(exitCode(err))
		}
		return
	}

	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()
	go func() {
		if err := console.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("transport error", "error", err)
		}
	}()

	applyReload := func() error {
		old := cfgManager.Get()
		updated, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		if err := validateRuntimeConfigReload(old, updated); err != nil {
			return err
		}
		cfgManager.Set(updated)
		logger = configureLogger(updated.General.LogLevel, *dev)
		slog.SetDefault(logger)
		return nil
	}
	go func() {
		if err := config.Watch(ctx, *configPath, cfgManager, validateRuntimeConfigReload, logger); err != nil {
			logger.Warn("config watch unavailable", "error", err)
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- driver.Run(ctx) }()

	logger.Info("vigil running",
		"bind", cfg.API.Bind,
		"interval", cfg.Agent.Interval.Duration.String(),
		"daily_budget_usd", cfg.Cost.DailyBudgetUSD,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case s := <-sigCh:
			switch s {
			case syscall.SIGHUP:
				if err := applyReload(); err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				logger.Info("config reloaded")
			default:
				shutdownStart := time.Now()
				logger.Info("received signal, shutting down", "signal", s)
				cancel()
				if err := q.Drain(10 * time.Second); err != nil {
					logger.Warn("queue drain incomplete", "error", err)
				}
				<-runErr
				logger.Info("vigil stopped", "shutdown_duration", time.Since(shutdownStart).String())
				return
			}
		case err := <-runErr:
			if err == nil {
				logger.Info("proactive loop exited")
				return
			}
			logger.Error("proactive loop terminal error", "error", err)
			cancel()
			q.Drain(10 * time.Second)
			st.Close()
			os.Exit(exitCode(err))
		}
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, agent.ErrCrashLoop):
		return exitCrashLoop
	case errors.Is(err, agent.ErrMemoryRestart):
		return exitMemoryRestart
	default:
		return exitInit
	}
}
