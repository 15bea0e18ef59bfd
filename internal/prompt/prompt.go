// Package prompt assembles the proactive cycle prompt from prioritized
// sections under a hard character budget.
package prompt

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antigravity-dev/vigil/internal/clock"
	"github.com/antigravity-dev/vigil/internal/goals"
	"github.com/antigravity-dev/vigil/internal/module"
	"github.com/antigravity-dev/vigil/internal/signal"
	"github.com/antigravity-dev/vigil/internal/store"
)

const (
	recentActionWindow = 24 * time.Hour
	recentActionShow   = 10
	learningWindow     = 30 * 24 * time.Hour
	learningShow       = 5
	hypothesesShow     = 3
	errorShow          = 10
)

// section is a prompt block with a drop priority; lower priority goes first
// when the total budget is exceeded. The header and signals sections are
// never dropped.
type section struct {
	title    string
	body     string
	priority int // higher survives longer
	pinned   bool
}

// Assembler builds cycle prompts.
type Assembler struct {
	st         *store.Store
	clk        *clock.Clock
	goals      *goals.Service
	registry   *module.Registry
	maxChars   int
	capChars   int
	quietStart int
	quietEnd   int
	logger     *slog.Logger
}

func NewAssembler(st *store.Store, clk *clock.Clock, gs *goals.Service, reg *module.Registry, maxChars, capChars, quietStart, quietEnd int, logger *slog.Logger) *Assembler {
	return &Assembler{
		st:         st,
		clk:        clk,
		goals:      gs,
		registry:   reg,
		maxChars:   maxChars,
		capChars:   capChars,
		quietStart: quietStart,
		quietEnd:   quietEnd,
		logger:     logger,
	}
}

// Build renders the full prompt for the picked signals.
func (a *Assembler) Build(now time.Time, picked []signal.Signal) string {
	sections := []section{
		{title: "", body: a.header(now), priority: 100, pinned: true},
		{title: "Signals", body: a.signalsBody(picked), priority: 99, pinned: true},
	}

	// One brief per picked signal: the claiming module renders it, core
	// types fall back to a built-in rendering.
	for _, s := range picked {
		brief := a.registry.BriefFor(s)
		if brief == "" {
			brief = coreBrief(s)
		}
		if brief != "" {
			sections = append(sections, section{title: "Brief", body: brief, priority: 80})
		}
	}
	for _, ctx := range a.registry.ContextFor(now, picked) {
		sections = append(sections, section{title: "Context", body: ctx, priority: 75})
	}

	if body := a.recentActionsBody(); body != "" {
		sections = append(sections, section{title: "Your recent actions", body: body, priority: 70})
	}
	if body := a.goalsBody(); body != "" {
		sections = append(sections, section{title: "Active goals", body: body, priority: 60})
	}
	if body := a.learningBody(); body != "" {
		sections = append(sections, section{title: "Learned rules", body: body, priority: 50})
	}
	if body := a.hypothesesBody(); body != "" {
		sections = append(sections, section{title: "Open hypotheses", body: body, priority: 40})
	}
	if hasType(picked, "error_spike") {
		if body := a.errorsBody(); body != "" {
			sections = append(sections, section{title: "Recent errors", body: body, priority: 85})
		}
	}

	sections = append(sections, section{title: "Instructions", body: instructions, priority: 95, pinned: true})
	return a.render(sections)
}

// render trims each section to the per-section cap, then drops the lowest
// priority unpinned sections until the total fits.
func (a *Assembler) render(sections []section) string {
	for i := range sections {
		if !sections[i].pinned && len(sections[i].body) > a.capChars {
			sections[i].body = sections[i].body[:a.capChars] + "\n[truncated]"
		}
	}

	for {
		total := 0
		for _, s := range sections {
			total += len(s.body) + len(s.title) + 4
		}
		if total <= a.maxChars {
			break
		}
		drop := -1
		for i, s := range sections {
			if s.pinned {
				continue
			}
			if drop == -1 || s.priority < sections[drop].priority {
				drop = i
			}
		}
		if drop == -1 {
			break
		}
		a.logger.Debug("dropping prompt section over budget", "section", sections[drop].title)
		sections = append(sections[:drop], sections[drop+1:]...)
	}

	var b strings.Builder
	for _, s := range sections {
		if s.title != "" {
			fmt.Fprintf(&b, "## %s\n", s.title)
		}
		b.WriteString(s.body)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

func (a *Assembler) header(now time.Time) string {
	local := now.In(a.clk.Location())
	stamp := local.Format("Monday 2006-01-02 15:04 MST")
	if clock.IsQuietHours(local.Hour(), a.quietStart, a.quietEnd) {
		stamp += " (quiet hours)"
	}
	return fmt.Sprintf("<now>%s</now>\nYou are the proactive loop of a personal agent. Decide what, if anything, is worth doing right now.", stamp)
}

// coreBrief renders signals from the built-in detectors that no module
// claims. Anything unknown falls back to the signal's own summary.
func coreBrief(s signal.Signal) string {
	switch s.Type {
	case "followup_due":
		brief := "Follow-up due: " + s.Summary
		if ctx, _ := s.Data["context"].(string); ctx != "" {
			brief += "\nContext: " + ctx
		}
		return brief
	case "cron_due":
		if prompt, _ := s.Data["prompt"].(string); prompt != "" {
			return s.Summary + "\nTask: " + prompt
		}
		return s.Summary
	case "error_spike":
		return "Errors are spiking: " + s.Summary
	case "memory_pressure":
		return "The process is under memory pressure: " + s.Summary + ". Shed what you can; do not start heavy work."
	case "goal_stale":
		return "A goal has gone quiet: " + s.Summary + ". Nudge it forward or flag it as blocked."
	default:
		return s.Summary
	}
}

func (a *Assembler) signalsBody(picked []signal.Signal) string {
	if len(picked) == 0 {
		return "No signals this cycle. Only act if something in your briefs clearly needs it; staying quiet is a fine outcome."
	}
	var b strings.Builder
	for _, s := range picked {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", s.Urgency, s.Type, s.Summary)
	}
	return strings.TrimSpace(b.String())
}

func (a *Assembler) recentActionsBody() string {
	actions, err := a.st.RecentActions(recentActionWindow, recentActionShow)
	if err != nil || len(actions) == 0 {
		return ""
	}
	var b strings.Builder
	for _, act := range actions {
		ts := time.UnixMilli(act.TS).In(a.clk.Location()).Format("15:04")
		fmt.Fprintf(&b, "- %s %s: %s\n", ts, act.Kind, act.Summary)
	}
	return strings.TrimSpace(b.String())
}

func (a *Assembler) goalsBody() string {
	active, err := a.goals.Active()
	if err != nil || len(active) == 0 {
		return ""
	}
	var b strings.Builder
	for _, g := range active {
		fmt.Fprintf(&b, "- %s [%s, %d%%] %s\n", g.ID, g.Status, g.Progress, g.Title)
	}
	return strings.TrimSpace(b.String())
}

func (a *Assembler) learningBody() string {
	rules, err := a.st.TopLearningRules(learningWindow, learningShow)
	if err != nil || len(rules) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range rules {
		fmt.Fprintf(&b, "- %s (confidence %.1f)\n", r.Rule, r.Confidence)
	}
	return strings.TrimSpace(b.String())
}

func (a *Assembler) hypothesesBody() string {
	open, err := a.st.OpenReasoning(hypothesesShow)
	if err != nil || len(open) == 0 {
		return ""
	}
	var b strings.Builder
	for _, h := range open {
		fmt.Fprintf(&b, "- %s: %s (%d pieces of evidence)\n", h.ID, h.Hypothesis, len(h.Evidence))
	}
	return strings.TrimSpace(b.String())
}

func (a *Assembler) errorsBody() string {
	errs, err := a.st.RecentErrors(time.Hour, errorShow)
	if err != nil || len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range errs {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", e.Severity, e.Module, e.Message)
	}
	return strings.TrimSpace(b.String())
}

func hasType(signals []signal.Signal, t string) bool {
	for _, s := range signals {
		if s.Type == t {
			return true
		}
	}
	return false
}

const instructions = `Respond with plain reasoning plus any of these tags:
<wa_message>text to send the user</wa_message>
<followup topic="..." due="...">context</followup>
<action_taken>what you did</action_taken>
<goal_create title="..." priority="..." category="...">description</goal_create>
<goal_update id="..." status="..." progress="...">note</goal_update>
<milestone_complete goal="..." milestone="...">evidence it is done</milestone_complete>
<hypothesis>a theory worth tracking</hypothesis>
<reflection>what you learned this cycle</reflection>
<next_cycle_minutes>N</next_cycle_minutes>
Doing nothing is often correct. Never message the user without a concrete reason.`
