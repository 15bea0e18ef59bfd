package memguard

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"
)

// TierEntry is one weighted memory item tracked under the memory-tiers key.
type TierEntry struct {
	Fingerprint  string   `json:"fingerprint"`
	Type         string   `json:"type"`
	Weight       float64  `json:"weight"` // 0..1
	Tags         []string `json:"tags,omitempty"`
	AccessCount  int      `json:"accessCount"`
	MentionCount int      `json:"mentionCount"`
	Tier         string   `json:"tier"` // T1, T2, T3
	LastSeen     int64    `json:"lastSeen"`
}

const memoryTiersKey = "memory-tiers"

// Fingerprint returns the stable hash of the lowercased trimmed prefix
// (at most 120 chars) of text.
func Fingerprint(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	if len(s) > 120 {
		s = s[:120]
	}
	h := fnv.New64a()
	h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}

func (g *Guardian) loadTiers() (map[string]TierEntry, error) {
	entries := make(map[string]TierEntry)
	if _, err := g.st.GetJSON(memoryTiersKey, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// TouchTier boosts (or creates) the entry for text, confirming it.
func (g *Guardian) TouchTier(text, entryType string, tags []string) error {
	entries, err := g.loadTiers()
	if err != nil {
		return err
	}
	fp := Fingerprint(text)
	e, ok := entries[fp]
	if !ok {
		e = TierEntry{Fingerprint: fp, Type: entryType, Weight: 0.5, Tags: tags, Tier: "T2"}
	}
	e.AccessCount++
	e.MentionCount++
	e.Weight = min(1, e.Weight+0.1)
	e.LastSeen = time.Now().UnixMilli()
	entries[fp] = e
	return g.st.SetJSON(memoryTiersKey, entries)
}

// DecayTiers multiplies every weight by factor; entries decayed to near
// zero drop to T3. Run by weekly maintenance.
func (g *Guardian) DecayTiers(factor float64) error {
	entries, err := g.loadTiers()
	if err != nil {
		return err
	}
	for fp, e := range entries {
		e.Weight *= factor
		if e.Weight < 0.1 {
			e.Tier = "T3"
		}
		entries[fp] = e
	}
	return g.st.SetJSON(memoryTiersKey, entries)
}

// PruneTiers keeps only the maxTracked highest-weight entries. Returns the
// number removed.
func (g *Guardian) PruneTiers(maxTracked int) (int, error) {
	entries, err := g.loadTiers()
	if err != nil {
		return 0, err
	}
	if len(entries) <= maxTracked {
		return 0, nil
	}

	sorted := make([]TierEntry, 0, len(entries))
	for _, e := range entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Weight > sorted[j].Weight })

	kept := make(map[string]TierEntry, maxTracked)
	for _, e := range sorted[:maxTracked] {
		kept[e.Fingerprint] = e
	}
	removed := len(entries) - len(kept)
	return removed, g.st.SetJSON(memoryTiersKey, kept)
}
