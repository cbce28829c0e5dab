package health

import "sync"

// Registry holds one Monitor per target name, created lazily so the
// Fan-out Dispatcher and the status snapshot can share a single
// source of truth without the engine threading monitors through every
// call site by hand.
type Registry struct {
	mu       sync.RWMutex
	monitors map[string]*Monitor
	newOpts  []Option
}

// NewRegistry builds a Registry; opts are applied to every Monitor it
// creates, so fleet-wide defaults (max_failures, recovery_delay) are
// set once.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{monitors: make(map[string]*Monitor), newOpts: opts}
}

// Get returns the Monitor for target, creating it on first use.
func (r *Registry) Get(target string) *Monitor {
	r.mu.RLock()
	m, ok := r.monitors[target]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.monitors[target]; ok {
		return m
	}
	m = New(target, r.newOpts...)
	r.monitors[target] = m
	return m
}

// Snapshot returns the current State of every target known to the
// registry, keyed by target name, for the status surface (spec.md §6).
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.monitors))
	for name, m := range r.monitors {
		out[name] = m.State()
	}
	return out
}

// Targets returns the names of every target known to the registry.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.monitors))
	for name := range r.monitors {
		out = append(out, name)
	}
	return out
}
