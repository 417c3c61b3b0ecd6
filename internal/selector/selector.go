// Package selector picks the capability that handles a task.
//
// Selection is a first-match walk over an ordered rule list: an explicit
// capability on the task wins, then domain keyword rules, then per-phase
// defaults, then the general fallback. Rules whose capability has no
// registered handler are skipped, so the result always resolves in the
// registry.
package selector

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// ErrNoFallback is returned when the catalog has no general handler.
var ErrNoFallback = errors.New("general capability must be registered")

// Catalog reports which capabilities have handlers.
type Catalog interface {
	Has(c agent.Capability) bool
}

// Decision is the outcome of a selection.
type Decision struct {
	Capability agent.Capability
	// Rule names what decided: "explicit", a rule name, or "fallback".
	Rule string
}

// Selector is a deterministic task classifier. It is safe for concurrent
// use; the rule list is never modified after New.
type Selector struct {
	rules   []Rule
	catalog Catalog
}

// New builds a selector over rules, evaluated in the given order.
func New(rules []Rule, catalog Catalog) (*Selector, error) {
	if catalog == nil || !catalog.Has(agent.CapabilityGeneral) {
		return nil, ErrNoFallback
	}
	compiled := make([]Rule, len(rules))
	copy(compiled, rules)
	for i := range compiled {
		if err := compiled[i].compile(); err != nil {
			return nil, err
		}
	}
	return &Selector{rules: compiled, catalog: catalog}, nil
}

// Select returns the capability for task.
func (s *Selector) Select(task agent.Task) agent.Capability {
	return s.Explain(task).Capability
}

// Explain returns the capability for task and the rule that chose it.
func (s *Selector) Explain(task agent.Task) Decision {
	if task.RequiredCapability != "" && s.catalog.Has(task.RequiredCapability) {
		return Decision{Capability: task.RequiredCapability, Rule: "explicit"}
	}
	for i := range s.rules {
		r := &s.rules[i]
		if r.matches(task) && s.catalog.Has(r.Capability) {
			return Decision{Capability: r.Capability, Rule: r.Name}
		}
	}
	return Decision{Capability: agent.CapabilityGeneral, Rule: "fallback"}
}

// Rules returns the names of the configured rules in evaluation order.
func (s *Selector) Rules() []string {
	names := make([]string, len(s.rules))
	for i, r := range s.rules {
		names[i] = fmt.Sprintf("%s->%s", r.Name, r.Capability)
	}
	return names
}
