// Package module implements the capability registry. A module declares what
// it offers through an all-optional manifest; the host queries the registry
// and never reaches into modules directly.
package module

import (
	"net/http"
	"time"

	"github.com/antigravity-dev/vigil/internal/signal"
)

// BriefBuilder turns one picked signal into a prompt brief. Empty string
// means nothing to say about it.
type BriefBuilder func(s signal.Signal) string

// Route is an HTTP endpoint a module contributes to the operator API.
type Route struct {
	Method  string
	Pattern string
	Handler http.HandlerFunc
}

// ContextProvider contributes extra prompt context keyed by signal types it
// cares about; called only when one of those types was picked.
type ContextProvider struct {
	SignalTypes []string
	Build       func(now time.Time, picked []signal.Signal) string
}

// Manifest declares a module's capabilities. Every field is optional; the
// registry tolerates whatever subset a module fills in.
type Manifest struct {
	Name string

	// DetectSignals runs each cycle's collection phase.
	DetectSignals func(now time.Time) []signal.Signal

	// BriefBuilders render picked signals of the keyed types into prompt
	// briefs, one brief per picked signal.
	BriefBuilders map[string]BriefBuilder

	// Context contributes signal-conditional prompt sections.
	Context *ContextProvider

	// APIRoutes are mounted on the operator HTTP mux.
	APIRoutes []Route

	// DashboardPages names the dashboard views this module serves.
	DashboardPages []string

	// SonnetSignalTypes lists signal types that warrant the expensive model
	// regardless of urgency.
	SonnetSignalTypes []string

	// StateKeyMap maps the module's signal types to kv keys that should be
	// timestamped after a cycle acts on them.
	StateKeyMap map[string]string

	// MessageCategories this module claims for inbound routing.
	MessageCategories []string

	// HasUrgentWork lets a module force base cadence during quiet hours.
	HasUrgentWork func(now time.Time) bool
}
