package agent

import (
	"context"
	"fmt"
	"sort"
)

// InvokeFunc runs an agent on its payload.
type InvokeFunc func(ctx context.Context, p Payload) (Result, error)

// Entry is a registered agent.
type Entry struct {
	Spec   CapabilitySpec
	Invoke InvokeFunc
}

// Registry maps agent names to entries. It is populated explicitly at start-up
// and read-only afterwards; each run may own its own registry.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds an agent. Names must be unique.
func (r *Registry) Register(spec CapabilitySpec, invoke InvokeFunc) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if invoke == nil {
		return fmt.Errorf("agent '%s': invoke function is required", spec.Name)
	}
	if _, exists := r.entries[spec.Name]; exists {
		return fmt.Errorf("agent '%s' is already registered", spec.Name)
	}
	r.entries[spec.Name] = Entry{Spec: spec, Invoke: invoke}
	return nil
}

// Get returns the entry registered under name.
func (r *Registry) Get(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks cross-agent references: every review gated producer must name
// a registered reviewer.
func (r *Registry) Validate() error {
	for _, name := range r.Names() {
		spec := r.entries[name].Spec
		if !spec.ReviewGated {
			continue
		}
		reviewer, ok := r.entries[spec.Reviewer]
		if !ok {
			return fmt.Errorf("agent '%s': reviewer '%s' is not registered", name, spec.Reviewer)
		}
		if reviewer.Spec.Role != RoleReviewer {
			return fmt.Errorf("agent '%s': '%s' is not a reviewer", name, spec.Reviewer)
		}
	}
	return nil
}
