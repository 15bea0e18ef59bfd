// Package tools is the registry of local capabilities the model may invoke
// during tool-augmented runs, with a shared rate limit so a confused model
// cannot spin the host.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Tool is a named local capability.
type Tool struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args string) (string, error)
}

// Registry holds tools behind a sliding one-minute rate window.
type Registry struct {
	logger     *slog.Logger
	ratePerMin int

	mu    sync.Mutex
	tools map[string]Tool
	calls []time.Time
}

func NewRegistry(ratePerMin int, logger *slog.Logger) *Registry {
	return &Registry{
		logger:     logger,
		ratePerMin: ratePerMin,
		tools:      map[string]Tool{},
	}
}

// Register adds a tool; later registrations win on name collision.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// List returns the registered tools, order unspecified.
func (r *Registry) List() []Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Exec runs a named tool, enforcing the shared rate limit. Tool panics come
// back as errors, never crashes.
func (r *Registry) Exec(ctx context.Context, name, args string) (result string, err error) {
	r.mu.Lock()
	t, ok := r.tools[name]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("unknown tool %q", name)
	}
	if !r.allowLocked(time.Now()) {
		r.mu.Unlock()
		return "", fmt.Errorf("tool rate limit reached (%d/min)", r.ratePerMin)
	}
	r.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, rec)
		}
	}()

	start := time.Now()
	result, err = t.Run(ctx, args)
	r.logger.Debug("tool executed", "tool", name, "duration", time.Since(start), "error", err)
	return result, err
}

// allowLocked is a sliding-window check; the caller holds the lock.
func (r *Registry) allowLocked(now time.Time) bool {
	cutoff := now.Add(-time.Minute)
	kept := r.calls[:0]
	for _, c := range r.calls {
		if c.After(cutoff) {
			kept = append(kept, c)
		}
	}
	r.calls = kept
	if len(r.calls) >= r.ratePerMin {
		return false
	}
	r.calls = append(r.calls, now)
	return true
}
