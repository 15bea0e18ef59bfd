// Package dispatchact applies parsed LLM actions to the world in a fixed
// order, isolating per-action failures so one bad tag never blocks the
// rest.
package dispatchact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/vigil/internal/goals"
	"github.com/antigravity-dev/vigil/internal/learning"
	"github.com/antigravity-dev/vigil/internal/module"
	"github.com/antigravity-dev/vigil/internal/signal"
	"github.com/antigravity-dev/vigil/internal/store"
	"github.com/antigravity-dev/vigil/internal/tags"
	"github.com/antigravity-dev/vigil/internal/transport"
	"github.com/antigravity-dev/vigil/internal/trust"
)

const defaultFollowupDelay = 24 * time.Hour

// autoExecuteLevel is the autonomy needed to apply a destructive action
// without asking. Destructive classes are capped below it by the trust
// engine, so they always come back to the user as proposals.
const autoExecuteLevel = 2

// errTrustTooLow marks a policy skip: the action was downgraded to a
// proposal, not failed.
var errTrustTooLow = errors.New("trust level too low")

// Dispatcher turns a Parsed tag set into state changes and sends.
type Dispatcher struct {
	st       *store.Store
	goals    *goals.Service
	learning *learning.Engine
	trust    *trust.Engine
	outbox   *transport.Outbox
	registry *module.Registry
	userID   string
	ringCap  int
	logger   *slog.Logger
}

func New(st *store.Store, gs *goals.Service, le *learning.Engine, te *trust.Engine, ob *transport.Outbox, reg *module.Registry, userID string, ringCap int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		st:       st,
		goals:    gs,
		learning: le,
		trust:    te,
		outbox:   ob,
		registry: reg,
		userID:   userID,
		ringCap:  ringCap,
		logger:   logger,
	}
}

// Result summarizes one dispatch pass.
type Result struct {
	MessagesSent     int
	ActionsApplied   int
	Failures         int
	NextCycleMinutes int
}

// Apply executes actions in a fixed order: internal state first, outbound
// messages last, so a send failure never loses recorded work.
func (d *Dispatcher) Apply(ctx context.Context, now time.Time, p tags.Parsed, picked []signal.Signal) Result {
	var res Result

	for _, action := range p.ActionsTaken {
		d.step(&res, "action_taken", func() error {
			d.recordAction("action", action)
			return nil
		})
	}

	for _, gc := range p.GoalCreates {
		gc := gc
		d.step(&res, "goal_create", func() error {
			g, err := d.goals.Create(gc.Title, gc.Description, gc.Category, parsePriority(gc.Priority))
			d.trustOutcome("create_goal", err)
			if err != nil {
				return err
			}
			d.recordAction("goal", "created goal "+g.Title)
			return nil
		})
	}

	for _, gu := range p.GoalUpdates {
		gu := gu
		d.step(&res, "goal_update", func() error {
			err := d.applyGoalUpdate(ctx, gu)
			if !errors.Is(err, errTrustTooLow) {
				d.trustOutcome("update_goal", err)
			}
			return err
		})
	}

	for _, mc := range p.MilestoneCompletes {
		mc := mc
		d.step(&res, "milestone_complete", func() error {
			g, err := d.goals.CompleteMilestone(mc.GoalID, mc.Milestone, mc.Evidence)
			d.trustOutcome("complete_milestone", err)
			if err != nil {
				return err
			}
			d.recordAction("milestone", fmt.Sprintf("completed %q on %s", mc.Milestone, g.Title))
			return nil
		})
	}

	for _, f := range p.Followups {
		f := f
		d.step(&res, "followup", func() error {
			err := d.createFollowup(now, f)
			d.trustOutcome("create_followup", err)
			if err != nil {
				return err
			}
			d.recordAction("followup", "scheduled followup: "+f.Topic)
			return nil
		})
	}

	for _, h := range p.Hypotheses {
		h := h
		d.step(&res, "hypothesis", func() error {
			_, err := d.learning.OpenHypothesis(h)
			return err
		})
	}

	for _, r := range p.Reflections {
		r := r
		d.step(&res, "reflection", func() error {
			return d.learning.RecordReflection(signalTypes(picked), "proactive_cycle", r)
		})
	}

	for _, msg := range p.Messages {
		msg := msg
		d.step(&res, "wa_message", func() error {
			err := d.outbox.Deliver(ctx, d.userID, msg, transport.NewBotMsgID())
			d.trustOutcome("send_message", err)
			if err != nil {
				return err
			}
			res.MessagesSent++
			d.recordAction("message", truncate(msg, 120))
			return nil
		})
	}

	res.NextCycleMinutes = p.NextCycleMinutes
	d.touchModuleState(now, picked)
	d.consumeFollowups(picked)
	d.markCrons(now, picked, res.Failures == 0)
	return res
}

// markCrons advances run state for crons the cycle acted on, so a due cron
// does not resurface every cycle and failure streaks feed the cron_failure
// detector.
func (d *Dispatcher) markCrons(now time.Time, picked []signal.Signal, success bool) {
	for _, s := range picked {
		if s.Type != "cron_due" {
			continue
		}
		id, _ := s.Data["cronId"].(string)
		if id == "" {
			continue
		}
		c, err := d.st.GetCron(id)
		if err != nil || c == nil {
			continue
		}
		next, err := signal.NextCronRun(*c, now, d.st.Location())
		if err != nil {
			d.logger.Warn("could not compute cron next run", "cron", id, "error", err)
			next = 0
		}
		if err := d.st.MarkCronRun(id, now.UnixMilli(), next, success); err != nil {
			d.logger.Warn("failed to mark cron run", "cron", id, "error", err)
		}
	}
}

// consumeFollowups removes followups that were surfaced this cycle; a
// followup fires once, and the model re-creates it if more chasing is
// needed.
func (d *Dispatcher) consumeFollowups(picked []signal.Signal) {
	ids := map[string]bool{}
	for _, s := range picked {
		if s.Type != "followup_due" {
			continue
		}
		if id, ok := s.Data["id"].(string); ok {
			ids[id] = true
		}
	}
	if len(ids) == 0 {
		return
	}
	var followups []signal.Followup
	if _, err := d.st.GetJSON(signal.FollowupsKey, &followups); err != nil {
		return
	}
	kept := followups[:0]
	for _, f := range followups {
		if !ids[f.ID] {
			kept = append(kept, f)
		}
	}
	if err := d.st.SetJSON(signal.FollowupsKey, kept); err != nil {
		d.logger.Warn("failed to consume followups", "error", err)
	}
}

// step runs one action, converting panics and errors into logged failures.
// A trust downgrade is a policy skip, not a failure.
func (d *Dispatcher) step(res *Result, kind string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			res.Failures++
			d.st.LogError("error", "dispatch", fmt.Sprintf("%s handler panicked: %v", kind, r), "", "")
		}
	}()
	if err := fn(); err != nil {
		if errors.Is(err, errTrustTooLow) {
			d.logger.Info("action downgraded to proposal", "kind", kind, "error", err)
			return
		}
		res.Failures++
		d.logger.Warn("action failed", "kind", kind, "error", err)
		d.st.LogError("warning", "dispatch", fmt.Sprintf("%s failed: %v", kind, err), "", "")
		return
	}
	res.ActionsApplied++
}

func (d *Dispatcher) applyGoalUpdate(ctx context.Context, gu tags.GoalUpdate) error {
	if gu.Status != "" {
		if gu.Status == goals.StatusAbandoned {
			if a := d.trust.GetAutonomyLevel("delete"); a.Level < autoExecuteLevel {
				d.propose(ctx, fmt.Sprintf("I think goal %s has run its course and should be dropped. Say the word and I'll abandon it.", gu.ID))
				return fmt.Errorf("abandon goal %s at autonomy level %d: %w", gu.ID, a.Level, errTrustTooLow)
			}
		}
		if _, err := d.goals.UpdateStatus(gu.ID, gu.Status, gu.Note); err != nil {
			return err
		}
		d.recordAction("goal", fmt.Sprintf("goal %s -> %s", gu.ID, gu.Status))
	}
	if gu.Progress != "" {
		n, err := strconv.Atoi(gu.Progress)
		if err != nil {
			return fmt.Errorf("bad progress %q: %w", gu.Progress, err)
		}
		if _, err := d.goals.SetProgress(gu.ID, n, gu.Note); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) createFollowup(now time.Time, f tags.Followup) error {
	var followups []signal.Followup
	if _, err := d.st.GetJSON(signal.FollowupsKey, &followups); err != nil {
		return err
	}
	// One open followup per topic.
	for _, existing := range followups {
		if strings.EqualFold(existing.Topic, f.Topic) {
			return nil
		}
	}
	followups = append(followups, signal.Followup{
		ID:        "f-" + uuid.NewString()[:8],
		Topic:     f.Topic,
		Context:   f.Context,
		CreatedAt: now.UnixMilli(),
		DueAt:     resolveDue(now, f.DueAt),
	})
	return d.st.SetJSON(signal.FollowupsKey, followups)
}

var durationDueRe = regexp.MustCompile(`^(\d+)\s*(h|hour|hours|d|day|days|w|week|weeks)$`)

// resolveDue turns a free-form due hint into a timestamp. Unrecognized
// hints default to tomorrow rather than firing immediately.
func resolveDue(now time.Time, due string) int64 {
	due = strings.ToLower(strings.TrimSpace(due))
	switch {
	case due == "":
		return now.Add(defaultFollowupDelay).UnixMilli()
	case due == "today" || due == "tonight" || due == "this evening":
		return now.Add(6 * time.Hour).UnixMilli()
	case due == "tomorrow":
		return now.Add(24 * time.Hour).UnixMilli()
	case due == "next week":
		return now.Add(7 * 24 * time.Hour).UnixMilli()
	}
	if m := durationDueRe.FindStringSubmatch(due); m != nil {
		n, _ := strconv.Atoi(m[1])
		var unit time.Duration
		switch m[2][0] {
		case 'h':
			unit = time.Hour
		case 'd':
			unit = 24 * time.Hour
		case 'w':
			unit = 7 * 24 * time.Hour
		}
		return now.Add(time.Duration(n) * unit).UnixMilli()
	}
	return now.Add(defaultFollowupDelay).UnixMilli()
}

// touchModuleState timestamps the kv keys modules registered for the acted
// signal types, so their detectors can tell "recently handled" apart from
// "ignored".
func (d *Dispatcher) touchModuleState(now time.Time, picked []signal.Signal) {
	for _, s := range picked {
		key := d.registry.StateKeyFor(s.Type)
		if key == "" {
			continue
		}
		if err := d.st.Set(key, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
			d.logger.Warn("failed to touch module state key", "key", key, "error", err)
		}
	}
}

// propose delivers a confirmation request in place of an action the trust
// level does not yet allow.
func (d *Dispatcher) propose(ctx context.Context, text string) {
	if err := d.outbox.Deliver(ctx, d.userID, text, transport.NewBotMsgID()); err != nil {
		d.logger.Warn("failed to deliver proposal", "error", err)
	}
}

func (d *Dispatcher) recordAction(kind, summary string) {
	if err := d.st.AppendRecentAction(store.RecentAction{Kind: kind, Summary: summary}, d.ringCap); err != nil {
		d.logger.Warn("failed to append recent action", "error", err)
	}
	d.st.RecordEvent(kind, summary)
}

func (d *Dispatcher) trustOutcome(class string, err error) {
	if terr := d.trust.RecordOutcome(class, err == nil); terr != nil {
		d.logger.Warn("failed to record trust outcome", "class", class, "error", terr)
	}
}

func parsePriority(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "3":
		return 3
	case "medium", "2":
		return 2
	case "low", "1":
		return 1
	default:
		return 2
	}
}

func signalTypes(picked []signal.Signal) string {
	if len(picked) == 0 {
		return "none"
	}
	types := make([]string, len(picked))
	for i, s := range picked {
		types[i] = s.Type
	}
	return strings.Join(types, ",")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
