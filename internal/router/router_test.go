package router

import (
	"strings"
	"testing"
)

func TestSlashCommands(t *testing.T) {
	d := Route("/status")
	if d.Kind != KindAction || d.Action != "status" || d.Tier != TierNone {
		t.Errorf("decision = %+v", d)
	}

	d = Route("/note pick up the dry cleaning")
	if d.Kind != KindAction || d.Action != "note" {
		t.Fatalf("decision = %+v", d)
	}
	if d.Params["args"] != "pick up the dry cleaning" {
		t.Errorf("args = %q", d.Params["args"])
	}

	d = Route("/clear")
	if d.Kind != KindAction || d.Action != "clear" || d.Tier != TierNone {
		t.Errorf("decision = %+v, want local clear action", d)
	}

	d = Route("/frobnicate")
	if d.Kind != KindClaude || d.Tier != TierSimple {
		t.Errorf("unknown slash command = %+v, want tier 1 model reply", d)
	}
}

func TestAcknowledgments(t *testing.T) {
	for _, msg := range []string{"ok", "thanks!", "gracias", "vale", "got it", "sounds good", "listo", "ty"} {
		if d := Route(msg); d.Kind != KindAck {
			t.Errorf("Route(%q) = %+v, want ack", msg, d)
		}
	}
	// Gratitude with a tail is not a bare ack.
	if d := Route("thanks, and can you also check my calendar"); d.Kind == KindAck {
		t.Errorf("trailing request should not be swallowed")
	}
}

func TestBilingualIntents(t *testing.T) {
	tests := []struct {
		msg    string
		action string
	}{
		{"what's the status?", "status"},
		{"como va", "status"},
		{"show my goals", "goals"},
		{"muestra mis metas", "goals"},
		{"how much have you spent", "costs"},
		{"cuánto hemos gastado", "costs"},
		{"remind me to call mom tomorrow", "remind"},
		{"recuérdame pagar el alquiler", "remind"},
		{"nota: el plomero viene el jueves", "note"},
		{"pause", "pause"},
		{"sigue", "resume"},
		{"search plumber recommendations", "search"},
	}
	for _, tt := range tests {
		d := Route(tt.msg)
		if d.Kind != KindAction || d.Action != tt.action {
			t.Errorf("Route(%q) = %+v, want action %s", tt.msg, d, tt.action)
		}
	}
}

func TestTierClassification(t *testing.T) {
	tests := []struct {
		msg  string
		tier int
	}{
		{"what do you think about electric bikes?", TierSimple},
		{"what did we discuss last week about the trip?", TierContext},
		{"remember my notes about the landlord?", TierContext},
		{"debug why the webhook keeps failing", TierAgentic},
		{"investiga los vuelos a Madrid y compara precios", TierAgentic},
		{strings.Repeat("long message ", 50), TierAgentic},
	}
	for _, tt := range tests {
		d := Route(tt.msg)
		if d.Kind != KindClaude || d.Tier != tt.tier {
			t.Errorf("Route(%q) = %+v, want claude tier %d", tt.msg, d, tt.tier)
		}
	}
}

func TestEmptyMessageIsAck(t *testing.T) {
	if d := Route("   "); d.Kind != KindAck {
		t.Errorf("decision = %+v", d)
	}
}

func TestRouteIsPure(t *testing.T) {
	a := Route("debug the parser")
	b := Route("debug the parser")
	if a.Kind != b.Kind || a.Tier != b.Tier || a.Action != b.Action {
		t.Errorf("same input diverged: %+v vs %+v", a, b)
	}
}
