// Package filter implements the Key Filter: a pure predicate over a key's
// name, remaining TTL, and serialized size, derived from configuration.
// Glob matching uses gobwas/glob, compiled once at construction, rather
// than path.Match — Redis key glob syntax has no path-separator concept,
// and gobwas/glob matches accordingly.
package filter

import (
	"time"

	"github.com/gobwas/glob"
)

// Probe is the minimal record the filter needs to decide accept/reject,
// without requiring the full value to have been read yet.
type Probe struct {
	Key                    string
	RemainingTTL           time.Duration
	SerializedSizeEstimate int64
}

// Filter is a pure predicate: construction compiles the glob patterns
// once, so Accept never allocates on the hot path.
type Filter struct {
	include    []glob.Glob
	exclude    []glob.Glob
	minTTL     time.Duration
	maxKeySize int64
}

// Config mirrors internal/config.Filters, kept separate so this package
// never needs to import the config package.
type Config struct {
	IncludePatterns []string
	ExcludePatterns []string
	MinTTL          time.Duration
	MaxKeySize      int64
}

// New compiles cfg into a Filter. A malformed glob pattern is a
// configuration error and returned as such — rejected at load, per
// spec.md §7.
func New(cfg Config) (*Filter, error) {
	f := &Filter{minTTL: cfg.MinTTL, maxKeySize: cfg.MaxKeySize}

	for _, p := range cfg.IncludePatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, err
		}
		f.include = append(f.include, g)
	}
	for _, p := range cfg.ExcludePatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, err
		}
		f.exclude = append(f.exclude, g)
	}

	return f, nil
}

// Accept reports whether probe passes the filter: exclude always wins,
// an empty include set accepts anything not excluded, min_ttl=0 means no
// floor, and max_key_size=0 means no ceiling.
func (f *Filter) Accept(probe Probe) bool {
	for _, g := range f.exclude {
		if g.Match(probe.Key) {
			return false
		}
	}

	if len(f.include) > 0 {
		matched := false
		for _, g := range f.include {
			if g.Match(probe.Key) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if f.minTTL > 0 && probe.RemainingTTL > 0 && probe.RemainingTTL < f.minTTL {
		return false
	}

	if f.maxKeySize > 0 && probe.SerializedSizeEstimate > f.maxKeySize {
		return false
	}

	return true
}
