// Package signal defines detector-produced observations and the per-tick
// collection pipeline: detect, age-escalate, cooldown-filter, pick.
// The collector performs zero network or LLM calls.
package signal

import (
	"fmt"
	"time"
)

// Urgency orders signals and controls cooldowns, model choice and
// quiet-hours bypass.
type Urgency int

const (
	Low Urgency = iota
	Medium
	High
	Critical
)

func (u Urgency) String() string {
	switch u {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Signal is a structured observation, a candidate for attention this cycle.
// Synthesized fresh each cycle; consumed exactly once if picked.
type Signal struct {
	Type    string
	Urgency Urgency
	Summary string
	Data    map[string]any

	// KeySuffix distinguishes instances of the same type for cooldown
	// identity. Empty means the type itself is the identity.
	KeySuffix string

	// DueAt/CreatedAt (Unix ms) feed age escalation; zero means none.
	DueAt     int64
	CreatedAt int64
}

// Key is the cooldown identity (type, keyFields).
func (s Signal) Key() string {
	if s.KeySuffix == "" {
		return s.Type
	}
	return s.Type + ":" + s.KeySuffix
}

// Age escalation thresholds.
const (
	escalateMediumAfter = 4 * 24 * time.Hour
	escalateHighAfter   = 14 * 24 * time.Hour
)

// Escalate upgrades urgency as overdue time crosses the thresholds.
// Critical is never produced by aging, only by detectors.
func Escalate(s Signal, now time.Time) Signal {
	ref := s.DueAt
	if ref == 0 {
		ref = s.CreatedAt
	}
	if ref == 0 || s.Urgency >= High {
		return s
	}
	overdue := now.Sub(time.UnixMilli(ref))
	steps := 0
	if overdue >= escalateHighAfter {
		steps = 2
	} else if overdue >= escalateMediumAfter {
		steps = 1
	}
	u := s.Urgency + Urgency(steps)
	if u > High {
		u = High
	}
	s.Urgency = u
	return s
}

// Detector produces signals from local state. Must be cheap: no I/O beyond
// the store, no network.
type Detector struct {
	Name string
	Fn   func(now time.Time) []Signal
}

// run invokes the detector, converting a panic into a logged failure and
// an empty result.
func (d Detector) run(now time.Time) (signals []Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			signals = nil
			err = fmt.Errorf("detector %s panicked: %v", d.Name, r)
		}
	}()
	return d.Fn(now), nil
}
