package memguard

import (
	"runtime"
	"strings"
	"time"
)

// Keys the shedder must never trim wholesale.
var protectedKeys = map[string]bool{
	"heap-snapshots": true,
	"memory-tiers":   true,
	"recent-actions": true,
	"cooldowns":      true,
	"followups":      true,
}

const (
	testArtifactPrefix = "test-"
	briefingCachePref  = "briefing-cache:"
	briefingCacheKeep  = 3
	oversizedKeyBytes  = 100 * 1024
)

// maybeShed runs the eviction ladder if the cooldown allows. Returns
// whether an eviction attempt ran.
func (g *Guardian) maybeShed(now time.Time) bool {
	if now.Sub(g.lastShed) < g.opts.ShedCooldown {
		return false
	}
	g.lastShed = now
	g.shedCache()
	return true
}

// shedCache evicts in a deterministic order: GC, test artifacts, stale
// briefing caches (keep newest three), oversized unprotected keys, and
// finally prunes the memory-tiers key down to its highest-weight entries.
func (g *Guardian) shedCache() {
	runtime.GC()

	keys, err := g.st.ListKeys(testArtifactPrefix)
	if err == nil {
		for _, k := range keys {
			if err := g.st.Delete(k); err != nil {
				g.logger.Warn("shed: delete test artifact failed", "key", k, "error", err)
			}
		}
	}

	briefings, err := g.st.ListKeys(briefingCachePref)
	if err == nil && len(briefings) > briefingCacheKeep {
		// ListKeys orders oldest first; drop everything but the tail.
		for _, k := range briefings[:len(briefings)-briefingCacheKeep] {
			if err := g.st.Delete(k); err != nil {
				g.logger.Warn("shed: delete briefing cache failed", "key", k, "error", err)
			}
		}
	}

	oversized, err := g.st.OversizedKeys(oversizedKeyBytes)
	if err == nil {
		for _, k := range oversized {
			if protectedKeys[k] || strings.HasPrefix(k, briefingCachePref) {
				continue
			}
			if err := g.st.Delete(k); err != nil {
				g.logger.Warn("shed: trim oversized key failed", "key", k, "error", err)
			} else {
				g.logger.Info("shed: trimmed oversized key", "key", k)
			}
		}
	}

	if n, err := g.PruneTiers(g.opts.MaxTrackedTiers); err != nil {
		g.logger.Warn("shed: prune memory tiers failed", "error", err)
	} else if n > 0 {
		g.logger.Info("shed: pruned memory tiers", "removed", n)
	}
}
