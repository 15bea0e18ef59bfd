// Package llm is the single chokepoint for model calls: model selection,
// budget enforcement, subprocess execution, retry and cost accounting all
// live here so no other package ever shells out to a CLI.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/antigravity-dev/vigil/internal/config"
	"github.com/antigravity-dev/vigil/internal/cost"
	"github.com/antigravity-dev/vigil/internal/signal"
	"github.com/antigravity-dev/vigil/internal/store"
)

// codeRe marks prompts that smell like code work, which the cheap model
// handles poorly.
var codeRe = regexp.MustCompile(`\b(create|build|implement|write|add|refactor|fix|hook|module|\.js|endpoint|function|handler|parser|schema)\b`)

// toolCallRe is the continuation protocol for tool-augmented runs: the CLI
// asks for a tool by emitting this tag, we execute it and feed the result
// back as the next turn.
var toolCallRe = regexp.MustCompile(`(?s)<tool\s+name\s*=\s*"([^"]+)"\s*>(.*?)</tool>`)

const (
	retryBase = 5 * time.Second
	retryMax  = time.Minute
)

// ToolExec runs a named tool with a raw argument payload.
type ToolExec func(ctx context.Context, name, args string) (string, error)

// Mediator owns every LLM subprocess call.
type Mediator struct {
	cfg     config.LLM
	models  config.Models
	tracker *cost.Tracker
	// sonnetTypes is supplied by the module registry: signal types that
	// always warrant the expensive model.
	sonnetTypes map[string]bool
	logger      *slog.Logger

	// run is swappable for tests.
	run func(ctx context.Context, model, prompt string) (string, error)
}

func NewMediator(cfg config.LLM, models config.Models, tracker *cost.Tracker, sonnetTypes map[string]bool, logger *slog.Logger) *Mediator {
	m := &Mediator{
		cfg:         cfg,
		models:      models,
		tracker:     tracker,
		sonnetTypes: sonnetTypes,
		logger:      logger,
	}
	m.run = m.execCLI
	return m
}

// SetRunner replaces the subprocess execution, used by dry-run mode and
// tests.
func (m *Mediator) SetRunner(fn func(ctx context.Context, model, prompt string) (string, error)) {
	m.run = fn
}

// IsExpensive reports whether a signal alone forces the expensive model.
func (m *Mediator) IsExpensive(s signal.Signal) bool {
	return s.Urgency >= signal.High || m.sonnetTypes[s.Type]
}

// SelectModel picks cheap by default, escalating on urgency, registered
// signal types, or code-shaped work in the summaries.
func (m *Mediator) SelectModel(picked []signal.Signal) string {
	for _, s := range picked {
		if m.IsExpensive(s) {
			return m.models.Expensive
		}
		if codeRe.MatchString(strings.ToLower(s.Summary)) {
			return m.models.Expensive
		}
	}
	return m.models.Cheap
}

// Call runs a single prompt through the CLI. Budget exhaustion suppresses
// non-mandatory calls; transient failures get exactly one retry.
func (m *Mediator) Call(ctx context.Context, model, prompt, costType string, mandatory bool) (string, error) {
	if !m.tracker.Allow(mandatory) {
		return "", fmt.Errorf("daily budget exhausted, call %q suppressed", costType)
	}

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.DefaultTimeout.Duration)
	defer cancel()

	start := time.Now()
	output, err := m.run(runCtx, model, prompt)
	if err != nil && ctx.Err() == nil {
		delay := BackoffDelay(1, retryBase, retryMax)
		m.logger.Warn("llm call failed, retrying once", "type", costType, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		retryCtx, cancel2 := context.WithTimeout(ctx, m.cfg.DefaultTimeout.Duration)
		defer cancel2()
		output, err = m.run(retryCtx, model, prompt)
	}

	m.record(model, costType, prompt, output, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("llm call %q: %w", costType, err)
	}
	return output, nil
}

// CallWithTools runs a bounded conversation: each round the CLI may request
// one or more tools; results are appended and the prompt re-sent. The loop
// ends when a round requests nothing, rounds run out, or the hard ceiling
// fires. Each round is costed separately.
func (m *Mediator) CallWithTools(ctx context.Context, model, prompt, costType string, mandatory bool, tools ToolExec) (string, error) {
	maxRounds := m.cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 5
	}
	loopCtx, cancel := context.WithTimeout(ctx, m.cfg.ToolTimeout.Duration)
	defer cancel()

	transcript := prompt
	var output string
	for round := 1; round <= maxRounds; round++ {
		var err error
		output, err = m.Call(loopCtx, model, transcript, fmt.Sprintf("%s:round%d", costType, round), mandatory)
		if err != nil {
			return "", err
		}

		calls := toolCallRe.FindAllStringSubmatch(output, -1)
		if len(calls) == 0 || tools == nil {
			return output, nil
		}

		var results strings.Builder
		for _, c := range calls {
			name, args := c[1], strings.TrimSpace(c[2])
			res, err := tools(loopCtx, name, args)
			if err != nil {
				res = "error: " + err.Error()
			}
			fmt.Fprintf(&results, "<tool_result name=%q>\n%s\n</tool_result>\n", name, res)
		}
		transcript = transcript + "\n\n" + output + "\n\n" + results.String()
	}
	m.logger.Warn("tool loop hit round cap", "type", costType, "rounds", maxRounds)
	return output, nil
}

// execCLI invokes the configured CLI with the prompt on stdin, mirroring a
// headless agent run. Stdout and stderr are combined because CLIs report
// token usage on either.
func (m *Mediator) execCLI(ctx context.Context, model, prompt string) (string, error) {
	args := make([]string, 0, len(m.cfg.Args))
	for _, a := range m.cfg.Args {
		args = append(args, strings.ReplaceAll(a, "{model}", model))
	}

	cmd := exec.CommandContext(ctx, m.cfg.Cmd, args...)
	cmd.Stdin = strings.NewReader(prompt)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("cli timed out: %w", ctx.Err())
		}
		return "", fmt.Errorf("cli run: %w (output: %s)", err, truncate(buf.String(), 500))
	}
	return buf.String(), nil
}

func (m *Mediator) record(model, costType, prompt, output string, elapsed time.Duration) {
	usage := cost.ExtractTokenUsage(output, prompt)
	pricing := m.models.Pricing[model]
	usd := cost.CalculateCost(usage, pricing.InputPerMtok, pricing.OutputPerMtok)
	m.tracker.Record(store.CostEntry{
		Type:         costType,
		Model:        model,
		InputTokens:  usage.Input,
		OutputTokens: usage.Output,
		CacheRead:    usage.CacheRead,
		CostUSD:      usd,
		DurationMs:   elapsed.Milliseconds(),
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
