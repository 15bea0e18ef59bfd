// Package router classifies inbound user messages without any I/O: slash
// commands, pattern-matched intents, bare acknowledgments, and a complexity
// tier for everything that needs a model.
package router

import (
	"regexp"
	"strings"
)

// Decision kinds.
const (
	KindAction = "action" // handled locally, no model call
	KindAck    = "ack"    // bare acknowledgment, swallow silently
	KindClaude = "claude" // needs a model; Tier says how much of one
)

// Tiers. 0 never reaches a model; 3 is full agentic with tools.
const (
	TierNone    = 0
	TierSimple  = 1
	TierContext = 2
	TierAgentic = 3
)

// Decision is the routing verdict for one inbound message.
type Decision struct {
	Kind   string
	Tier   int
	Action string
	Params map[string]string
}

var slashCommands = map[string]string{
	"/status":  "status",
	"/help":    "help",
	"/goals":   "goals",
	"/costs":   "costs",
	"/memory":  "memory",
	"/errors":  "errors",
	"/pause":   "pause",
	"/resume":  "resume",
	"/note":    "note",
	"/forget":  "forget",
	"/trigger": "trigger",
	"/clear":   "clear",
}

// intent pairs a compiled pattern with a local action. Patterns are
// bilingual (English/Spanish) because the user writes in both.
type intent struct {
	re     *regexp.Regexp
	action string
	tier   int
}

var intents = []intent{
	{regexp.MustCompile(`(?i)^(what('?s| is) (the )?status|como va(n las cosas)?|estado)\??$`), "status", TierNone},
	{regexp.MustCompile(`(?i)^(show|list|ver|muestra(me)?) (my |mis )?(goals|metas|objetivos)\b`), "goals", TierNone},
	{regexp.MustCompile(`(?i)^(how much (have (you|we) )?spent|cu[aá]nto (hemos|has) gastado)\b`), "costs", TierNone},
	{regexp.MustCompile(`(?i)^(remind me|recu[eé]rdame) `), "remind", TierNone},
	{regexp.MustCompile(`(?i)^(note|nota|apunta)[:\s]`), "note", TierNone},
	{regexp.MustCompile(`(?i)^(pause|stop|para|detente)( the agent| el agente)?$`), "pause", TierNone},
	{regexp.MustCompile(`(?i)^(resume|contin[uú]a|sigue)( the agent| el agente)?$`), "resume", TierNone},
	{regexp.MustCompile(`(?i)^(forget|olvida) `), "forget", TierNone},
	{regexp.MustCompile(`(?i)^(search|busca(r)?) `), "search", TierNone},
	{regexp.MustCompile(`(?i)^(cancel|cancela) (the )?(followup|recordatorio)\b`), "cancel_followup", TierNone},
}

// ackRe matches bare acknowledgments that deserve no reply at all.
var ackRe = regexp.MustCompile(`(?i)^(ok(ay)?|k+|thanks?( you)?|thx|ty|gracias|vale|dale|perfecto|great|nice|cool|sounds good|got it|entendido|listo|sí|si|no|yes|yep|nope|bien|super|genial)[.!\s]*$`)

// agenticRe marks requests that need tools, not just words.
var agenticRe = regexp.MustCompile(`(?i)\b(debug|deploy|refactor|implement|investigate|analy[sz]e|compare|script|scrape|fix the|run the|revisa el c[oó]digo|arregla|investiga|analiza)\b`)

// contextRe marks questions that lean on history or stored state.
var contextRe = regexp.MustCompile(`(?i)\b(remember|recall|last (week|time|month)|yesterday|we (said|talked|discussed)|qu[eé] (dijimos|hablamos)|ayer|la semana pasada|my (goal|note)s?|earlier)\b`)

const agenticLengthCutoff = 500

// Route classifies one message. Pure: same input, same decision.
func Route(text string) Decision {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Decision{Kind: KindAck, Tier: TierNone}
	}

	if strings.HasPrefix(trimmed, "/") {
		fields := strings.Fields(trimmed)
		if action, ok := slashCommands[strings.ToLower(fields[0])]; ok {
			return Decision{
				Kind:   KindAction,
				Tier:   TierNone,
				Action: action,
				Params: map[string]string{"args": strings.TrimSpace(strings.TrimPrefix(trimmed, fields[0]))},
			}
		}
		// Unknown slash command still deserves an answer.
		return Decision{Kind: KindClaude, Tier: TierSimple}
	}

	if ackRe.MatchString(trimmed) {
		return Decision{Kind: KindAck, Tier: TierNone}
	}

	for _, in := range intents {
		if m := in.re.FindStringSubmatch(trimmed); m != nil {
			return Decision{
				Kind:   KindAction,
				Tier:   in.tier,
				Action: in.action,
				Params: map[string]string{"text": trimmed},
			}
		}
	}

	switch {
	case len(trimmed) > agenticLengthCutoff || agenticRe.MatchString(trimmed):
		return Decision{Kind: KindClaude, Tier: TierAgentic}
	case contextRe.MatchString(trimmed):
		return Decision{Kind: KindClaude, Tier: TierContext}
	default:
		return Decision{Kind: KindClaude, Tier: TierSimple}
	}
}
