package module

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/antigravity-dev/vigil/internal/signal"
)

// Registry holds registered manifests in registration order.
type Registry struct {
	manifests []Manifest
	byName    map[string]int
	logger    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{byName: map[string]int{}, logger: logger}
}

// Register adds a manifest. Re-registering a name replaces the earlier
// manifest in place.
func (r *Registry) Register(m Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("manifest has no name")
	}
	if i, ok := r.byName[m.Name]; ok {
		r.manifests[i] = m
		return nil
	}
	r.byName[m.Name] = len(r.manifests)
	r.manifests = append(r.manifests, m)
	return nil
}

// Names returns registered module names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.manifests))
	for i, m := range r.manifests {
		names[i] = m.Name
	}
	return names
}

// Detectors wraps each module's DetectSignals as a named detector.
func (r *Registry) Detectors() []signal.Detector {
	var out []signal.Detector
	for _, m := range r.manifests {
		if m.DetectSignals == nil {
			continue
		}
		out = append(out, signal.Detector{Name: "module:" + m.Name, Fn: m.DetectSignals})
	}
	return out
}

// BriefFor renders one picked signal through the first module claiming its
// type, labeled by module. Empty when no module claims the type or the
// builder has nothing to say.
func (r *Registry) BriefFor(s signal.Signal) string {
	for _, m := range r.manifests {
		b, ok := m.BriefBuilders[s.Type]
		if !ok || b == nil {
			continue
		}
		if text := strings.TrimSpace(b(s)); text != "" {
			return fmt.Sprintf("[%s]\n%s", m.Name, text)
		}
		return ""
	}
	return ""
}

// Routes collects every module's API routes in registration order.
func (r *Registry) Routes() []Route {
	var out []Route
	for _, m := range r.manifests {
		out = append(out, m.APIRoutes...)
	}
	return out
}

// DashboardPages collects every module's dashboard page names.
func (r *Registry) DashboardPages() []string {
	var out []string
	for _, m := range r.manifests {
		out = append(out, m.DashboardPages...)
	}
	return out
}

// ContextFor collects context sections from providers whose signal types
// intersect the picked set.
func (r *Registry) ContextFor(now time.Time, picked []signal.Signal) []string {
	pickedTypes := map[string]bool{}
	for _, s := range picked {
		pickedTypes[s.Type] = true
	}
	var out []string
	for _, m := range r.manifests {
		if m.Context == nil || m.Context.Build == nil {
			continue
		}
		hit := len(m.Context.SignalTypes) == 0
		for _, t := range m.Context.SignalTypes {
			if pickedTypes[t] {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		if text := strings.TrimSpace(m.Context.Build(now, picked)); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// SonnetSignalTypes is the union of all modules' expensive signal types.
func (r *Registry) SonnetSignalTypes() map[string]bool {
	set := map[string]bool{}
	for _, m := range r.manifests {
		for _, t := range m.SonnetSignalTypes {
			set[t] = true
		}
	}
	return set
}

// StateKeyFor resolves the kv key to timestamp after acting on a signal
// type, or "" when no module claims it.
func (r *Registry) StateKeyFor(signalType string) string {
	for _, m := range r.manifests {
		if k, ok := m.StateKeyMap[signalType]; ok {
			return k
		}
	}
	return ""
}

// MessageCategories maps each claimed category to the claiming module.
func (r *Registry) MessageCategories() map[string]string {
	out := map[string]string{}
	for _, m := range r.manifests {
		for _, c := range m.MessageCategories {
			if _, taken := out[c]; !taken {
				out[c] = m.Name
			}
		}
	}
	return out
}

// AnyUrgentWork asks every module; a panicking module counts as no.
func (r *Registry) AnyUrgentWork(now time.Time) bool {
	for _, m := range r.manifests {
		if m.HasUrgentWork == nil {
			continue
		}
		if r.safeUrgent(m, now) {
			return true
		}
	}
	return false
}

func (r *Registry) safeUrgent(m Manifest, now time.Time) (urgent bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("module HasUrgentWork panicked", "module", m.Name, "panic", rec)
			urgent = false
		}
	}()
	return m.HasUrgentWork(now)
}

// manifestFile is the TOML shape for declarative modules dropped into the
// manifest directory. Declarative manifests carry no hooks; they extend the
// registry's static knowledge (expensive types, state keys, categories).
type manifestFile struct {
	Name              string            `toml:"name"`
	SonnetSignalTypes []string          `toml:"sonnet_signal_types"`
	StateKeys         map[string]string `toml:"state_keys"`
	MessageCategories []string          `toml:"message_categories"`
	DashboardPages    []string          `toml:"dashboard_pages"`
}

// LoadDir registers declarative manifests from *.toml files in dir. A
// missing directory is fine; a malformed file is logged and skipped.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading manifest dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		var mf manifestFile
		meta, err := toml.DecodeFile(path, &mf)
		if err != nil {
			r.logger.Warn("skipping malformed module manifest", "path", path, "error", err)
			continue
		}
		for _, k := range meta.Undecoded() {
			r.logger.Warn("unknown key in module manifest", "path", path, "key", k.String())
		}
		if mf.Name == "" {
			mf.Name = strings.TrimSuffix(name, ".toml")
		}
		if err := r.Register(Manifest{
			Name:              mf.Name,
			SonnetSignalTypes: mf.SonnetSignalTypes,
			StateKeyMap:       mf.StateKeys,
			MessageCategories: mf.MessageCategories,
			DashboardPages:    mf.DashboardPages,
		}); err != nil {
			r.logger.Warn("failed to register module manifest", "path", path, "error", err)
		}
	}
	return nil
}
