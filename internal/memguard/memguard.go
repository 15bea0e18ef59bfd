// Package memguard watches process RSS against a configured limit,
// classifies graduated pressure tiers and sheds caches under pressure.
// The guardian is read-only to everything except its own state.
package memguard

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/pbnjay/memory"

	"github.com/antigravity-dev/vigil/internal/notify"
	"github.com/antigravity-dev/vigil/internal/store"
)

// Tier is the graduated pressure level.
type Tier int

const (
	TierNormal Tier = iota
	TierWarn
	TierShed
	TierCritical
	TierRestart
)

func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "NORMAL"
	case TierWarn:
		return "WARN"
	case TierShed:
		return "SHED"
	case TierCritical:
		return "CRITICAL"
	case TierRestart:
		return "RESTART"
	default:
		return "UNKNOWN"
	}
}

// ClassifyTier maps RSS% of the process limit to a tier.
func ClassifyTier(pct float64) Tier {
	switch {
	case pct <= 70:
		return TierNormal
	case pct <= 80:
		return TierWarn
	case pct <= 90:
		return TierShed
	case pct <= 96:
		return TierCritical
	default:
		return TierRestart
	}
}

// Snapshot is one persisted pressure reading.
type Snapshot struct {
	TS         int64   `json:"ts"`
	HeapPct    float64 `json:"heapPct"` // RSS as % of limit
	HeapUsedMB float64 `json:"heapUsedMB"`
	RSSMB      float64 `json:"rssMB"`
	Tier       string  `json:"tier"`
}

const (
	snapshotKey  = "heap-snapshots"
	snapshotCap  = 100
	trendWindow  = 10
	trendDeltaPc = 3.0
)

// Options tunes the guardian; zero values get defaults.
type Options struct {
	LimitBytes       uint64 // 0 = detect via cgroup then host total
	ChronicWindow    time.Duration
	ChronicThreshold float64
	ShedCooldown     time.Duration
	AlertCooldown    time.Duration
	MaxTrackedTiers  int
}

// Guardian samples memory every proactive tick.
type Guardian struct {
	st       *store.Store
	notifier *notify.Notifier
	logger   *slog.Logger
	opts     Options

	sample    func() (rssBytes, heapBytes uint64) // overridable for tests
	lastShed  time.Time
	lastAlert time.Time
}

// TickReport is the outcome of one guardian tick.
type TickReport struct {
	Tier    Tier
	HeapPct float64
	RSSMB   float64
	Chronic bool
	Shed    bool
	Trend   string // rising, falling, stable
}

// New creates a Guardian. When no limit is configured it asks the cgroup,
// falling back to total host memory.
func New(st *store.Store, notifier *notify.Notifier, opts Options, logger *slog.Logger) *Guardian {
	if opts.LimitBytes == 0 {
		if limit, err := memlimit.FromCgroup(); err == nil && limit > 0 {
			opts.LimitBytes = limit
		} else {
			opts.LimitBytes = memory.TotalMemory()
		}
	}
	if opts.ChronicWindow <= 0 {
		opts.ChronicWindow = 15 * time.Minute
	}
	if opts.ChronicThreshold <= 0 {
		opts.ChronicThreshold = 0.8
	}
	if opts.ShedCooldown <= 0 {
		opts.ShedCooldown = 10 * time.Minute
	}
	if opts.AlertCooldown <= 0 {
		opts.AlertCooldown = 30 * time.Minute
	}
	if opts.MaxTrackedTiers <= 0 {
		opts.MaxTrackedTiers = 500
	}
	return &Guardian{
		st:       st,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		sample:   sampleProcess,
	}
}

// LimitBytes returns the effective process memory limit.
func (g *Guardian) LimitBytes() uint64 {
	return g.opts.LimitBytes
}

// Tick samples memory, persists a snapshot and runs tier actions.
func (g *Guardian) Tick(now time.Time) TickReport {
	rss, heap := g.sample()
	pct := 100 * float64(rss) / float64(g.opts.LimitBytes)
	tier := ClassifyTier(pct)

	snap := Snapshot{
		TS:         now.UnixMilli(),
		HeapPct:    pct,
		HeapUsedMB: float64(heap) / (1 << 20),
		RSSMB:      float64(rss) / (1 << 20),
		Tier:       tier.String(),
	}
	ring := g.appendSnapshot(snap)

	report := TickReport{
		Tier:    tier,
		HeapPct: pct,
		RSSMB:   snap.RSSMB,
		Chronic: g.chronic(ring, now),
		Trend:   trend(ring),
	}

	if tier >= TierWarn {
		g.logger.Warn("memory pressure", "tier", tier.String(), "rss_pct", fmt.Sprintf("%.1f", pct), "rss_mb", fmt.Sprintf("%.0f", snap.RSSMB))
	}
	if tier >= TierShed {
		report.Shed = g.maybeShed(now)
	}
	if tier >= TierCritical && now.Sub(g.lastAlert) >= g.opts.AlertCooldown {
		g.lastAlert = now
		g.notifier.Notify(fmt.Sprintf("vigil memory %s: RSS %.0fMB (%.1f%% of limit)", tier.String(), snap.RSSMB, pct))
	}
	return report
}

// Snapshots returns the persisted ring, oldest first.
func (g *Guardian) Snapshots() []Snapshot {
	var ring []Snapshot
	if _, err := g.st.GetJSON(snapshotKey, &ring); err != nil {
		g.logger.Warn("failed to read snapshot ring", "error", err)
	}
	return ring
}

func (g *Guardian) appendSnapshot(snap Snapshot) []Snapshot {
	ring := g.Snapshots()
	ring = append(ring, snap)
	if len(ring) > snapshotCap {
		ring = ring[len(ring)-snapshotCap:]
	}
	if err := g.st.SetJSON(snapshotKey, ring); err != nil {
		g.logger.Warn("failed to persist snapshot ring", "error", err)
	}
	return ring
}

// chronic reports sustained pressure: at least the threshold fraction of
// snapshots inside the window sit above WARN.
func (g *Guardian) chronic(ring []Snapshot, now time.Time) bool {
	cutoff := now.Add(-g.opts.ChronicWindow).UnixMilli()
	total, hot := 0, 0
	for _, s := range ring {
		if s.TS < cutoff {
			continue
		}
		total++
		if s.HeapPct > 70 { // above the NORMAL/WARN boundary
			hot++
		}
	}
	if total < 3 {
		return false
	}
	return float64(hot)/float64(total) >= g.opts.ChronicThreshold
}

// trend compares mean heap% of the first vs. second half of the last 10
// snapshots. Requires a >3% delta to leave "stable".
func trend(ring []Snapshot) string {
	if len(ring) < 4 {
		return "stable"
	}
	window := ring
	if len(window) > trendWindow {
		window = window[len(window)-trendWindow:]
	}
	half := len(window) / 2
	var first, second float64
	for _, s := range window[:half] {
		first += s.HeapPct
	}
	for _, s := range window[half:] {
		second += s.HeapPct
	}
	first /= float64(half)
	second /= float64(len(window) - half)

	switch {
	case second-first > trendDeltaPc:
		return "rising"
	case first-second > trendDeltaPc:
		return "falling"
	default:
		return "stable"
	}
}

func sampleProcess() (rssBytes, heapBytes uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapBytes = ms.HeapAlloc
	rssBytes = readRSS()
	if rssBytes == 0 {
		// No /proc (non-Linux); heap is the best available proxy.
		rssBytes = ms.Sys
	}
	return rssBytes, heapBytes
}

// readRSS parses /proc/self/statm. Returns 0 when unavailable.
func readRSS() uint64 {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * uint64(os.Getpagesize())
}
