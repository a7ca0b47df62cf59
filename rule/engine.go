package rule

import (
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/telemetrygate/telemetrygate/normalize"
)

// Engine holds a named-rule catalog and answers forwarding questions over it.
// The catalog is an immutable snapshot swapped atomically on reload, so a
// concurrent evaluation never sees a half-loaded set.
type Engine struct {
	logger  *slog.Logger
	catalog atomic.Pointer[map[string]Rule]
}

// NewEngine creates an Engine with an empty catalog
func NewEngine(logger *slog.Logger) *Engine {
	e := &Engine{logger: logger.With("component", "rule_engine")}
	empty := map[string]Rule{}
	e.catalog.Store(&empty)
	return e
}

// Load replaces the catalog with the given named rules
func (e *Engine) Load(rules map[string]Rule) error {
	snapshot := make(map[string]Rule, len(rules))
	for name, r := range rules {
		r.Name = name
		if err := r.Validate(); err != nil {
			return err
		}
		snapshot[name] = r
	}
	e.catalog.Store(&snapshot)
	e.logger.Info("rule catalog loaded", "rules", len(snapshot))
	return nil
}

// Get returns a named rule from the current catalog
func (e *Engine) Get(name string) (Rule, bool) {
	r, ok := (*e.catalog.Load())[name]
	return r, ok
}

// Names returns the sorted names of all loaded rules
func (e *Engine) Names() []string {
	catalog := *e.catalog.Load()
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ShouldForward reports whether at least one of the named rules matches the
// message. An empty rule list means always forward. Unknown rule names are
// skipped.
func (e *Engine) ShouldForward(msg *normalize.CanonicalMessage, ruleNames []string) bool {
	if len(ruleNames) == 0 {
		return true
	}
	tree := msg.AsMap()
	catalog := *e.catalog.Load()
	for _, name := range ruleNames {
		r, ok := catalog[name]
		if !ok {
			e.logger.Warn("unknown filter rule", "rule", name)
			continue
		}
		if r.EvaluateMap(tree) {
			return true
		}
	}
	return false
}

// AllPass reports whether every one of the given rules matches the message.
// Flow filter steps use this as a conditional gate. An unknown named rule
// fails the gate.
func (e *Engine) AllPass(msg *normalize.CanonicalMessage, rules []Rule, ruleNames []string) bool {
	tree := msg.AsMap()
	catalog := *e.catalog.Load()
	for _, name := range ruleNames {
		r, ok := catalog[name]
		if !ok {
			e.logger.Warn("unknown filter rule in flow gate", "rule", name)
			return false
		}
		if !r.EvaluateMap(tree) {
			return false
		}
	}
	for i := range rules {
		if !rules[i].EvaluateMap(tree) {
			return false
		}
	}
	return true
}

// MatchingRules returns the names of all catalog rules that match the message
func (e *Engine) MatchingRules(msg *normalize.CanonicalMessage) []string {
	tree := msg.AsMap()
	catalog := *e.catalog.Load()
	matched := make([]string, 0)
	for name, r := range catalog {
		if r.EvaluateMap(tree) {
			matched = append(matched, name)
		}
	}
	sort.Strings(matched)
	return matched
}
