package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/redisbridge/redisbridge/internal/config"
)

// Registry owns the source Session and one Session per target,
// giving the engine a single place to open and tear down every
// connection the topology needs.
type Registry struct {
	Source  *Session
	targets map[string]*Session
	mu      sync.RWMutex
}

// Open dials the source and every enabled target, returning a
// Registry ready for use. A dial failure on any endpoint tears down
// everything already opened and returns the error, so a bad config
// never leaves half a fleet of dangling connections behind.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Registry, error) {
	r := &Registry{targets: make(map[string]*Session)}

	source, err := New(ctx, "source", cfg.Source, opts...)
	if err != nil {
		return nil, fmt.Errorf("session registry: source: %w", err)
	}
	r.Source = source

	for _, target := range cfg.Targets {
		if !target.Enabled {
			continue
		}
		s, err := New(ctx, target.Name, target.Endpoint, opts...)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("session registry: target %s: %w", target.Name, err)
		}
		r.targets[target.Name] = s
	}

	return r, nil
}

// Target returns the Session for a named target, or nil if unknown.
func (r *Registry) Target(name string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.targets[name]
}

// Targets returns every target Session currently registered.
func (r *Registry) Targets() map[string]*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Session, len(r.targets))
	for k, v := range r.targets {
		out[k] = v
	}
	return out
}

// Close tears down the source and every target session.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	if r.Source != nil {
		if err := r.Source.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range r.targets {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
