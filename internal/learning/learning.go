// Package learning turns cycle reflections into durable rules and tracks
// hypotheses until evidence settles them.
package learning

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/vigil/internal/store"
)

// Gaps graduate from detected to proposed once they recur this often.
const promoteGapAfter = 3

type Engine struct {
	st     *store.Store
	logger *slog.Logger
}

func New(st *store.Store, logger *slog.Logger) *Engine {
	return &Engine{st: st, logger: logger}
}

// RecordReflection stores a cycle reflection as a learning entry. New rules
// start at middling confidence; repetition is what raises it.
func (e *Engine) RecordReflection(signalType, action, reflection string) error {
	rule := strings.TrimSpace(reflection)
	if rule == "" {
		return nil
	}
	return e.st.InsertLearning(store.LearningEntry{
		SignalType: signalType,
		Action:     action,
		Outcome:    "reflected",
		Rule:       rule,
		Confidence: 0.5,
	})
}

// RecordOutcome logs how an action landed, reinforcing or weakening the
// latest rule with the same outcome shape.
func (e *Engine) RecordOutcome(signalType, action string, positive bool) error {
	outcome := "negative"
	confidence := 0.3
	if positive {
		outcome = "positive"
		confidence = 0.7
	}
	return e.st.InsertLearning(store.LearningEntry{
		SignalType: signalType,
		Action:     action,
		Outcome:    outcome,
		Confidence: confidence,
	})
}

// RecordExperimentOutcome journals how an experiment ended so future
// prompts know which behavior changes survived contact with the metrics.
// Reverted outcomes carry more weight than quiet conclusions.
func (e *Engine) RecordExperimentOutcome(experimentID, metric, outcome, conclusion string) error {
	confidence := 0.6
	if outcome == "reverted" {
		confidence = 0.8
	}
	return e.st.InsertLearning(store.LearningEntry{
		SignalType: "experiment",
		Action:     experimentID,
		Outcome:    outcome,
		Rule:       conclusion,
		Confidence: confidence,
	})
}

// OpenHypothesis starts tracking a theory. Returns the tracking id.
func (e *Engine) OpenHypothesis(hypothesis string) (string, error) {
	hypothesis = strings.TrimSpace(hypothesis)
	if hypothesis == "" {
		return "", fmt.Errorf("empty hypothesis")
	}
	id := "h-" + uuid.NewString()[:8]
	err := e.st.InsertReasoning(store.ReasoningEntry{
		ID:         id,
		Hypothesis: hypothesis,
		Status:     "open",
	})
	return id, err
}

// AddEvidence appends an observation to an open hypothesis.
func (e *Engine) AddEvidence(id, evidence string) error {
	return e.st.AppendReasoningEvidence(id, strings.TrimSpace(evidence))
}

// Conclude settles a hypothesis and distills it into a learning rule so the
// conclusion keeps informing prompts after the journal entry ages out.
func (e *Engine) Conclude(id, conclusion string) error {
	if err := e.st.ConcludeReasoning(id, conclusion); err != nil {
		return err
	}
	return e.st.InsertLearning(store.LearningEntry{
		SignalType: "hypothesis",
		Action:     id,
		Outcome:    "concluded",
		Rule:       conclusion,
		Confidence: 0.8,
	})
}

// NoteGap records a capability the agent wished it had. Recurrence is
// tracked per topic.
func (e *Engine) NoteGap(topic, description string) error {
	id := "gap-" + uuid.NewString()[:8]
	_, err := e.st.RecordCapabilityGap(id, topic, description)
	return err
}

// PromoteGaps moves recurring detected gaps to proposed, returning the
// promoted topics. Called from weekly maintenance.
func (e *Engine) PromoteGaps() ([]string, error) {
	gaps, err := e.st.ListCapabilityGaps("detected")
	if err != nil {
		return nil, err
	}
	var promoted []string
	for _, g := range gaps {
		if g.Occurrences < promoteGapAfter {
			continue
		}
		if err := e.st.SetCapabilityGapStatus(g.ID, "proposed", ""); err != nil {
			e.logger.Warn("failed to promote capability gap", "gap", g.ID, "error", err)
			continue
		}
		promoted = append(promoted, g.Topic)
	}
	return promoted, nil
}

// RulesFor returns recent rules for the prompt, strongest first.
func (e *Engine) RulesFor(window time.Duration, limit int) ([]store.LearningEntry, error) {
	return e.st.TopLearningRules(window, limit)
}
