// Package trust tracks per-action-class autonomy levels earned from
// outcomes. Levels: 0 always confirm, 1 propose and wait, 2 execute and
// inform, 3 execute silently.
package trust

import (
	"log/slog"
	"time"

	"github.com/antigravity-dev/vigil/internal/store"
)

// Destructive action classes are hard-capped at level 1 no matter how much
// trust they accumulate.
var destructiveClasses = map[string]bool{
	"delete":   true,
	"rollback": true,
	"restart":  true,
}

const (
	trustKey = "trust-counters"

	// Volume and quality gates per level.
	level1MinAttempts = 3
	level2MinAttempts = 10
	level3MinAttempts = 25
	level2MinRate     = 0.85
	level3MinRate     = 0.95

	// Successes older than this stop counting toward promotion.
	recencyWindow = 30 * 24 * time.Hour
)

// Counters is the persisted per-class record.
type Counters struct {
	Successes   int   `json:"successes"`
	Failures    int   `json:"failures"`
	LastSuccess int64 `json:"lastSuccess"`
	LastFailure int64 `json:"lastFailure"`
}

// Autonomy is the decision for one action class.
type Autonomy struct {
	Level    int     `json:"level"`
	Rate     float64 `json:"rate"`
	Attempts int     `json:"attempts"`
	Capped   bool    `json:"capped"` // destructive-class cap applied
}

// Engine owns the counters; nothing else writes them.
type Engine struct {
	st     *store.Store
	logger *slog.Logger
}

func New(st *store.Store, logger *slog.Logger) *Engine {
	return &Engine{st: st, logger: logger}
}

func (e *Engine) load() map[string]Counters {
	counters := make(map[string]Counters)
	if _, err := e.st.GetJSON(trustKey, &counters); err != nil {
		e.logger.Warn("failed to load trust counters", "error", err)
	}
	return counters
}

// RecordOutcome updates the counters for an action class.
func (e *Engine) RecordOutcome(class string, success bool) error {
	counters := e.load()
	c := counters[class]
	now := time.Now().UnixMilli()
	if success {
		c.Successes++
		c.LastSuccess = now
	} else {
		c.Failures++
		c.LastFailure = now
	}
	counters[class] = c
	return e.st.SetJSON(trustKey, counters)
}

// GetAutonomyLevel computes the current level for an action class.
func (e *Engine) GetAutonomyLevel(class string) Autonomy {
	counters := e.load()
	return levelFor(class, counters[class], time.Now())
}

// Levels returns the decision for every known class.
func (e *Engine) Levels() map[string]Autonomy {
	counters := e.load()
	now := time.Now()
	out := make(map[string]Autonomy, len(counters))
	for class, c := range counters {
		out[class] = levelFor(class, c, now)
	}
	return out
}

func levelFor(class string, c Counters, now time.Time) Autonomy {
	attempts := c.Successes + c.Failures
	var rate float64
	if attempts > 0 {
		rate = float64(c.Successes) / float64(attempts)
	}

	level := 0
	recentSuccess := c.LastSuccess > 0 && now.Sub(time.UnixMilli(c.LastSuccess)) <= recencyWindow
	switch {
	case attempts >= level3MinAttempts && rate >= level3MinRate && recentSuccess:
		level = 3
	case attempts >= level2MinAttempts && rate >= level2MinRate && recentSuccess:
		level = 2
	case attempts >= level1MinAttempts && c.Successes > c.Failures:
		level = 1
	}

	capped := false
	if destructiveClasses[class] && level > 1 {
		level = 1
		capped = true
	}
	return Autonomy{Level: level, Rate: rate, Attempts: attempts, Capped: capped}
}

// Decay halves all counters, nudging every class back toward confirmation.
// Trust must be re-earned; run by weekly maintenance.
func (e *Engine) Decay() error {
	counters := e.load()
	for class, c := range counters {
		c.Successes /= 2
		c.Failures /= 2
		counters[class] = c
	}
	return e.st.SetJSON(trustKey, counters)
}
