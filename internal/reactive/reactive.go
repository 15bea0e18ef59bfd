// Package reactive handles inbound user messages: debounce, route, and
// either answer locally or queue a model call. Reactive replies are
// mandatory spend; the user asked.
package reactive

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/vigil/internal/goals"
	"github.com/antigravity-dev/vigil/internal/llm"
	"github.com/antigravity-dev/vigil/internal/queue"
	"github.com/antigravity-dev/vigil/internal/router"
	"github.com/antigravity-dev/vigil/internal/signal"
	"github.com/antigravity-dev/vigil/internal/store"
	"github.com/antigravity-dev/vigil/internal/tools"
	"github.com/antigravity-dev/vigil/internal/transport"
)

const (
	debounceWindow = 3 * time.Second
	// replyWindow is how long after an outbound message an inbound one
	// still counts as a reaction to it.
	replyWindow     = 6 * time.Hour
	contextMessages = 20
)

// Handler processes the inbound side.
type Handler struct {
	st       *store.Store
	q        *queue.Queue
	mediator *llm.Mediator
	tools    *tools.Registry
	outbox   *transport.Outbox
	goals    *goals.Service
	trigger  func() // kicks the proactive loop
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingBatch

	// debounce is swappable for tests.
	debounce time.Duration
}

type pendingBatch struct {
	texts []string
	timer *time.Timer
	ts    int64
}

func NewHandler(st *store.Store, q *queue.Queue, m *llm.Mediator, tr *tools.Registry, ob *transport.Outbox, gs *goals.Service, trigger func(), logger *slog.Logger) *Handler {
	return &Handler{
		st:       st,
		q:        q,
		mediator: m,
		tools:    tr,
		outbox:   ob,
		goals:    gs,
		trigger:  trigger,
		logger:   logger,
		pending:  map[string]*pendingBatch{},
		debounce: debounceWindow,
	}
}

// OnInbound archives the message and debounces rapid-fire lines into one
// routed unit.
func (h *Handler) OnInbound(m transport.Inbound) {
	if _, err := h.st.InsertMessage(store.Message{Direction: "in", Sender: m.UserID, Body: m.Text, TS: m.TS}); err != nil {
		h.logger.Warn("failed to archive inbound message", "error", err)
	}
	h.logReplyOutcome(m)

	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.pending[m.UserID]
	if b == nil {
		b = &pendingBatch{}
		h.pending[m.UserID] = b
	}
	b.texts = append(b.texts, m.Text)
	b.ts = m.TS
	if b.timer != nil {
		b.timer.Stop()
	}
	userID := m.UserID
	b.timer = time.AfterFunc(h.debounce, func() { h.flush(userID) })
}

func (h *Handler) flush(userID string) {
	h.mu.Lock()
	b := h.pending[userID]
	delete(h.pending, userID)
	h.mu.Unlock()
	if b == nil || len(b.texts) == 0 {
		return
	}
	text := strings.Join(b.texts, "\n")

	decision := router.Route(text)
	switch decision.Kind {
	case router.KindAck:
		// Swallowed; the outcome was already logged on arrival.
	case router.KindAction:
		h.submit(userID, func(ctx context.Context) {
			h.reply(ctx, userID, h.handleAction(ctx, userID, decision, text))
		})
	default:
		h.submit(userID, func(ctx context.Context) {
			h.handleModel(ctx, userID, text, decision.Tier)
		})
	}
}

func (h *Handler) submit(userID string, task queue.Task) {
	if err := h.q.Submit(userID, task); err != nil {
		h.logger.Warn("reactive queue rejected task", "user", userID, "error", err)
		h.reply(context.Background(), userID, "I'm swamped right now, give me a minute and try again.")
	}
}

func (h *Handler) reply(ctx context.Context, userID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := h.outbox.Deliver(ctx, userID, text, transport.NewBotMsgID()); err != nil {
		h.logger.Error("failed to deliver reply", "user", userID, "error", err)
		h.st.LogError("error", "reactive", fmt.Sprintf("reply delivery failed: %v", err), "", "")
	}
}

// handleModel answers through the mediator; tier 3 gets the tool loop.
func (h *Handler) handleModel(ctx context.Context, userID, text string, tier int) {
	prompt := h.buildPrompt(userID, text, tier)
	model := h.modelForTier(tier)

	var out string
	var err error
	if tier >= router.TierAgentic {
		out, err = h.mediator.CallWithTools(ctx, model, prompt, "reactive", true, h.tools.Exec)
	} else {
		out, err = h.mediator.Call(ctx, model, prompt, "reactive", true)
	}
	if err != nil {
		h.logger.Error("reactive model call failed", "user", userID, "error", err)
		h.st.LogError("error", "reactive", fmt.Sprintf("model call failed: %v", err), "", "")
		h.reply(ctx, userID, "Something went wrong on my side, I'll look into it.")
		return
	}
	h.reply(ctx, userID, strings.TrimSpace(out))
}

func (h *Handler) modelForTier(tier int) string {
	if tier >= router.TierAgentic {
		return h.mediator.SelectModel([]signal.Signal{{Urgency: signal.High}})
	}
	return h.mediator.SelectModel(nil)
}

// buildPrompt keeps tier 1 bare and adds conversation history from tier 2.
// History stops at the last /clear.
func (h *Handler) buildPrompt(userID, text string, tier int) string {
	var b strings.Builder
	b.WriteString("You are a personal agent replying over chat. Be brief and concrete.\n\n")
	if tier >= router.TierContext {
		floor := h.contextFloor()
		if msgs, err := h.st.RecentMessages(contextMessages); err == nil {
			kept := msgs[:0]
			for _, m := range msgs {
				if m.TS > floor {
					kept = append(kept, m)
				}
			}
			if len(kept) > 0 {
				b.WriteString("Recent conversation:\n")
				// RecentMessages is newest first; the prompt reads top-down.
				for i := len(kept) - 1; i >= 0; i-- {
					fmt.Fprintf(&b, "%s: %s\n", kept[i].Sender, kept[i].Body)
				}
				b.WriteString("\n")
			}
		}
	}
	fmt.Fprintf(&b, "User: %s\n", text)
	return b.String()
}

func (h *Handler) contextFloor() int64 {
	raw, ok, _ := h.st.Get(contextClearedKey)
	if !ok {
		return 0
	}
	ms, err := parseInt(raw)
	if err != nil {
		return 0
	}
	return ms
}

// logReplyOutcome correlates an inbound message with the latest outbound
// one inside the window and records how it landed.
func (h *Handler) logReplyOutcome(m transport.Inbound) {
	msgs, err := h.st.RecentMessages(10)
	if err != nil {
		return
	}
	for _, out := range msgs {
		if out.Direction != "out" || out.BotMsgID == "" {
			continue
		}
		windowMs := m.TS - out.TS
		if windowMs < 0 || windowMs > replyWindow.Milliseconds() {
			return
		}
		logged, err := h.st.WasBotMsgLogged(out.BotMsgID, replyWindow)
		if err != nil || logged {
			return
		}
		if err := h.st.LogReplyOutcome(store.ReplyOutcome{
			BotMsgID:     out.BotMsgID,
			Sentiment:    classifySentiment(m.Text),
			UserResponse: m.Text,
			WindowMs:     windowMs,
		}); err != nil {
			h.logger.Warn("failed to log reply outcome", "error", err)
		}
		return
	}
}

var (
	positiveWords = []string{"thanks", "thank you", "gracias", "perfect", "perfecto", "great", "genial", "nice", "love", "helpful", "yes", "vale", "dale"}
	negativeWords = []string{"stop", "annoying", "wrong", "no more", "too much", "basta", "para ya", "deja de", "not helpful", "incorrecto"}
)

func classifySentiment(text string) string {
	lower := strings.ToLower(text)
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			return "negative"
		}
	}
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			return "positive"
		}
	}
	return ""
}

// handleAction serves routed intents locally, no model involved.
func (h *Handler) handleAction(ctx context.Context, userID string, d router.Decision, text string) string {
	switch d.Action {
	case "help":
		return helpText
	case "status":
		return h.statusText()
	case "goals":
		return h.goalsText()
	case "costs":
		return h.costsText()
	case "errors":
		return h.errorsText()
	case "memory":
		return h.memoryText()
	case "note":
		return h.noteAction(d, text)
	case "remind":
		return h.remindAction(text)
	case "forget", "cancel_followup":
		return h.forgetAction(text)
	case "search":
		return h.searchAction(d, text)
	case "clear":
		h.st.Set(contextClearedKey, strconv.FormatInt(time.Now().UnixMilli(), 10))
		return "Context cleared, we start fresh from here."
	case "pause":
		h.st.Set(agentPausedKey, "true")
		return "Paused. I'll stay quiet until you say resume."
	case "resume":
		h.st.Set(agentPausedKey, "false")
		h.trigger()
		return "Back on it."
	case "trigger":
		h.trigger()
		return "Running a cycle now."
	default:
		return "I don't know that command. Try /help."
	}
}

// Mirrors the flag the proactive driver checks.
const agentPausedKey = "agent-paused"

// contextClearedKey marks where conversation history stops feeding model
// prompts; messages before it stay archived but are never quoted back.
const contextClearedKey = "context-cleared-at"

const helpText = `Commands:
/status - loop health and today's spend
/goals - active goals
/costs - recent spend by day
/errors - recent errors
/memory - stored state overview
/note <text> - save a note
/clear - stop quoting earlier conversation
/trigger - run a proactive cycle now
/pause, /resume - control the proactive loop
Or just talk to me.`

func (h *Handler) statusText() string {
	count, _, _ := h.st.Get("cycle-count")
	var last string
	if raw, ok, _ := h.st.Get("last-cycle-at"); ok {
		if ms, err := parseInt(raw); err == nil {
			last = time.UnixMilli(ms).In(h.st.Location()).Format("15:04")
		}
	}
	paused := "running"
	if raw, _, _ := h.st.Get(agentPausedKey); raw == "true" {
		paused = "paused"
	}
	spent, _ := h.st.TotalCostSinceTS(startOfToday(h.st.Location()))
	qs := h.q.Stats()
	return fmt.Sprintf("Loop %s. %s cycles, last at %s. $%.2f spent today. Queue: %d running, %d waiting",
		paused, orDash(count), orDash(last), spent, qs.Running, qs.Waiting)
}

func (h *Handler) goalsText() string {
	active, err := h.goals.Active()
	if err != nil || len(active) == 0 {
		return "No active goals."
	}
	var b strings.Builder
	for _, g := range active {
		fmt.Fprintf(&b, "- [%s %d%%] %s\n", g.Status, g.Progress, g.Title)
	}
	return strings.TrimSpace(b.String())
}

func (h *Handler) costsText() string {
	totals, err := h.st.DailyCostTotals(7 * 24 * time.Hour)
	if err != nil || len(totals) == 0 {
		return "No spend recorded this week."
	}
	var b strings.Builder
	for day, usd := range totals {
		fmt.Fprintf(&b, "%s: $%.2f\n", day, usd)
	}
	return strings.TrimSpace(b.String())
}

func (h *Handler) errorsText() string {
	errs, err := h.st.RecentErrors(24*time.Hour, 5)
	if err != nil || len(errs) == 0 {
		return "No errors in the last day."
	}
	var b strings.Builder
	for _, e := range errs {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", e.Severity, e.Module, e.Message)
	}
	return strings.TrimSpace(b.String())
}

func (h *Handler) memoryText() string {
	keys, err := h.st.ListKeys("")
	if err != nil {
		return "Could not read state."
	}
	var followups []signal.Followup
	h.st.GetJSON(signal.FollowupsKey, &followups)
	return fmt.Sprintf("%d state keys, %d open followups.", len(keys), len(followups))
}

func (h *Handler) noteAction(d router.Decision, text string) string {
	body := strings.TrimSpace(d.Params["args"])
	if body == "" {
		// Pattern-matched "note: ..." form.
		if i := strings.IndexAny(text, ":"); i >= 0 {
			body = strings.TrimSpace(text[i+1:])
		}
	}
	if body == "" {
		return "Note what?"
	}
	if _, err := h.st.InsertUserNote(body); err != nil {
		return "Could not save that."
	}
	return "Noted."
}

func (h *Handler) remindAction(text string) string {
	topic := strings.TrimSpace(remindRe.ReplaceAllString(text, ""))
	if topic == "" {
		return "Remind you about what?"
	}
	var followups []signal.Followup
	if _, err := h.st.GetJSON(signal.FollowupsKey, &followups); err != nil {
		return "Could not save the reminder."
	}
	followups = append(followups, signal.Followup{
		ID:        "f-" + uuid.NewString()[:8],
		Topic:     topic,
		CreatedAt: time.Now().UnixMilli(),
		DueAt:     time.Now().Add(24 * time.Hour).UnixMilli(),
	})
	if err := h.st.SetJSON(signal.FollowupsKey, followups); err != nil {
		return "Could not save the reminder."
	}
	return "Will do: " + topic
}

func (h *Handler) forgetAction(text string) string {
	needle := strings.ToLower(strings.TrimSpace(forgetRe.ReplaceAllString(text, "")))
	if needle == "" {
		return "Forget what?"
	}
	var followups []signal.Followup
	if _, err := h.st.GetJSON(signal.FollowupsKey, &followups); err != nil {
		return "Could not read followups."
	}
	kept := followups[:0]
	removed := 0
	for _, f := range followups {
		if strings.Contains(strings.ToLower(f.Topic), needle) {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	if removed == 0 {
		return "Nothing matching that."
	}
	if err := h.st.SetJSON(signal.FollowupsKey, kept); err != nil {
		return "Could not update followups."
	}
	return fmt.Sprintf("Dropped %d followup(s).", removed)
}

func (h *Handler) searchAction(d router.Decision, text string) string {
	query := strings.TrimSpace(searchRe.ReplaceAllString(text, ""))
	if query == "" {
		return "Search for what?"
	}
	msgs, err := h.st.SearchMessages(query, 5)
	if err != nil || len(msgs) == 0 {
		return "No matches."
	}
	var b strings.Builder
	for _, m := range msgs {
		ts := time.UnixMilli(m.TS).In(h.st.Location()).Format("Jan 2")
		fmt.Fprintf(&b, "[%s] %s: %s\n", ts, m.Sender, truncate(m.Body, 100))
	}
	return strings.TrimSpace(b.String())
}
