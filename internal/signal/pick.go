package signal

import (
	"log/slog"
	"sort"
	"time"
)

const (
	maxPerCycle          = 2
	maxExpensivePerCycle = 1
)

// Collector runs the detector set and yields the signals that survive
// escalation and cooldown filtering.
type Collector struct {
	detectors []Detector
	cooldowns *Cooldowns
	logger    *slog.Logger
}

func NewCollector(detectors []Detector, cooldowns *Cooldowns, logger *slog.Logger) *Collector {
	return &Collector{detectors: detectors, cooldowns: cooldowns, logger: logger}
}

// AddDetector registers an extra detector (module manifests, guardian).
func (c *Collector) AddDetector(d Detector) {
	c.detectors = append(c.detectors, d)
}

// Collect runs every detector, isolating failures, then escalates ages and
// applies cooldowns. A broken detector never takes the cycle down.
func (c *Collector) Collect(now time.Time) []Signal {
	var all []Signal
	for _, d := range c.detectors {
		signals, err := d.run(now)
		if err != nil {
			c.logger.Error("detector failed", "detector", d.Name, "error", err)
			continue
		}
		all = append(all, signals...)
	}
	for i := range all {
		all[i] = Escalate(all[i], now)
	}
	return c.cooldowns.Filter(all, now)
}

// ageRef is what "oldest" sorts on: due time, else creation time.
func ageRef(s Signal) int64 {
	if s.DueAt != 0 {
		return s.DueAt
	}
	return s.CreatedAt
}

// Pick selects at most two signals for a cycle: highest urgency first,
// oldest first within equal urgency, and at most one expensive signal so a
// single cycle cannot double the pricey model spend.
func Pick(signals []Signal, expensive func(Signal) bool) []Signal {
	sorted := make([]Signal, len(signals))
	copy(sorted, signals)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Urgency != sorted[j].Urgency {
			return sorted[i].Urgency > sorted[j].Urgency
		}
		ri, rj := ageRef(sorted[i]), ageRef(sorted[j])
		if ri == 0 || rj == 0 {
			return rj == 0 && ri != 0
		}
		return ri < rj
	})

	picked := make([]Signal, 0, maxPerCycle)
	expensiveCount := 0
	for _, s := range sorted {
		if len(picked) == maxPerCycle {
			break
		}
		if expensive != nil && expensive(s) {
			if expensiveCount == maxExpensivePerCycle {
				continue
			}
			expensiveCount++
		}
		picked = append(picked, s)
	}
	return picked
}

// HasUrgent reports whether any signal is high or critical, which forces the
// base cadence even during quiet hours.
func HasUrgent(signals []Signal) bool {
	for _, s := range signals {
		if s.Urgency >= High {
			return true
		}
	}
	return false
}

// HasCritical reports whether any signal is critical.
func HasCritical(signals []Signal) bool {
	for _, s := range signals {
		if s.Urgency == Critical {
			return true
		}
	}
	return false
}
