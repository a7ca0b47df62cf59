// Package health aggregates component liveness checks into one report for
// the /health endpoint.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is one component's check result
type Status struct {
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// CheckFunc probes one component. Implementations must honor the context
// deadline; a hung check degrades the whole report.
type CheckFunc func(ctx context.Context) Status

// Report is the aggregated view; Healthy is the AND of all components
type Report struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]Status `json:"components"`
}

// Registry holds named component checks
type Registry struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]CheckFunc)}
}

// Register adds or replaces a component check
func (r *Registry) Register(name string, fn CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = fn
}

// Names returns the registered component names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot runs every check and aggregates the results
func (r *Registry) Snapshot(ctx context.Context) Report {
	r.mu.RLock()
	checks := make(map[string]CheckFunc, len(r.checks))
	for name, fn := range r.checks {
		checks[name] = fn
	}
	r.mu.RUnlock()

	report := Report{Healthy: true, Components: make(map[string]Status, len(checks))}
	for name, fn := range checks {
		status := fn(ctx)
		report.Components[name] = status
		if !status.Healthy {
			report.Healthy = false
		}
	}
	return report
}

// Healthy wraps a boolean probe into a CheckFunc
func Healthy(probe func() bool, detail string) CheckFunc {
	return func(context.Context) Status {
		ok := probe()
		s := Status{Healthy: ok, CheckedAt: time.Now().UTC()}
		if !ok {
			s.Detail = detail
		}
		return s
	}
}
