package signal

import (
	"log/slog"
	"time"

	"github.com/antigravity-dev/vigil/internal/store"
)

const cooldownKey = "cooldowns"

// Cooldowns suppresses repeat firing of the same signal key. Windows apply
// per urgency; high and critical always pass so escalation can never be
// silenced by an earlier firing.
type Cooldowns struct {
	st     *store.Store
	low    time.Duration
	medium time.Duration
	logger *slog.Logger
}

func NewCooldowns(st *store.Store, low, medium time.Duration, logger *slog.Logger) *Cooldowns {
	return &Cooldowns{st: st, low: low, medium: medium, logger: logger}
}

func (c *Cooldowns) window(u Urgency) time.Duration {
	switch u {
	case Low:
		return c.low
	case Medium:
		return c.medium
	default:
		return 0
	}
}

func (c *Cooldowns) load() map[string]int64 {
	fired := map[string]int64{}
	if _, err := c.st.GetJSON(cooldownKey, &fired); err != nil {
		c.logger.Warn("failed to load cooldown map", "error", err)
	}
	return fired
}

// Filter drops signals whose key fired within the urgency window.
func (c *Cooldowns) Filter(signals []Signal, now time.Time) []Signal {
	fired := c.load()
	kept := make([]Signal, 0, len(signals))
	for _, s := range signals {
		w := c.window(s.Urgency)
		if w > 0 {
			if last, ok := fired[s.Key()]; ok && now.Sub(time.UnixMilli(last)) < w {
				continue
			}
		}
		kept = append(kept, s)
	}
	return kept
}

// MarkFired records firing times for the picked signals and prunes entries
// older than the longest window.
func (c *Cooldowns) MarkFired(signals []Signal, now time.Time) {
	if len(signals) == 0 {
		return
	}
	fired := c.load()
	for _, s := range signals {
		fired[s.Key()] = now.UnixMilli()
	}
	longest := c.low
	if c.medium > longest {
		longest = c.medium
	}
	for k, ts := range fired {
		if now.Sub(time.UnixMilli(ts)) > longest {
			delete(fired, k)
		}
	}
	if err := c.st.SetJSON(cooldownKey, fired); err != nil {
		c.logger.Warn("failed to persist cooldown map", "error", err)
	}
}
