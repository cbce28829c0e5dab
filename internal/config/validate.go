package config

import (
	"fmt"
	"time"
)

// applyDefaults fills in the zero-value defaults named throughout spec.md,
// mirroring the teacher's pattern of a dedicated defaulting pass that runs
// before validation (xconf keeps this implicit via mapstructure zero
// values; here the defaults are numerous enough to warrant their own pass).
func (c *Config) applyDefaults() {
	if c.Sync.Mode == "" {
		c.Sync.Mode = ModeHybrid
	}
	if c.Sync.FullSync.Strategy == "" {
		c.Sync.FullSync.Strategy = StrategyScan
	}
	if c.Sync.FullSync.BatchSize <= 0 {
		c.Sync.FullSync.BatchSize = 500
	}
	if c.Sync.IncrementalSync.Driver == "" {
		c.Sync.IncrementalSync.Driver = DriverScan
	}
	if c.Sync.IncrementalSync.Interval <= 0 {
		c.Sync.IncrementalSync.Interval = 30 * time.Second
	}
	if c.Sync.IncrementalSync.MaxChangesPerSync <= 0 {
		c.Sync.IncrementalSync.MaxChangesPerSync = 100000
	}
	if c.Service.Retry.MaxAttempts == 0 {
		c.Service.Retry.MaxAttempts = 5
	}
	if c.Service.Retry.BackoffFactor <= 0 {
		c.Service.Retry.BackoffFactor = 2
	}
	if c.Service.Retry.InitialDelay <= 0 {
		c.Service.Retry.InitialDelay = time.Second
	}
	if c.Service.Retry.MaxDelay <= 0 {
		c.Service.Retry.MaxDelay = 60 * time.Second
	}
	if c.Service.Failover.MaxFailures == 0 {
		c.Service.Failover.MaxFailures = 10
	}
	if c.Service.Failover.RecoveryDelay <= 0 {
		c.Service.Failover.RecoveryDelay = 120 * time.Second
	}
	if c.Service.Performance.MaxWorkers <= 0 {
		c.Service.Performance.MaxWorkers = 16
	}
	if c.Status.ListenAddr == "" {
		c.Status.ListenAddr = ":9595"
	}
	for i := range c.Targets {
		applyEndpointDefaults(&c.Targets[i].Endpoint)
	}
	applyEndpointDefaults(&c.Source)
}

func applyEndpointDefaults(e *Endpoint) {
	if e.SocketTimeout <= 0 {
		e.SocketTimeout = 5 * time.Second
	}
	if e.SocketConnectTimeout <= 0 {
		e.SocketConnectTimeout = 5 * time.Second
	}
}

// Validate checks the record for the invariants spec.md assumes the loader
// already enforced: a source endpoint, unique target names, recognized
// enum values, and an incremental interval no finer than 1s (spec.md §4.6,
// "tunable to >= 1s").
func (c *Config) Validate() error {
	if c.Source.Host == "" {
		return ErrNoSource
	}

	seen := make(map[string]struct{}, len(c.Targets))
	for _, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("%w: target with empty name", ErrDuplicateTarget)
		}
		if _, ok := seen[t.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTarget, t.Name)
		}
		seen[t.Name] = struct{}{}
	}

	switch c.Sync.Mode {
	case ModeFull, ModeIncremental, ModeHybrid:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidMode, c.Sync.Mode)
	}

	switch c.Sync.FullSync.Strategy {
	case StrategyScan, StrategySync, StrategyDumpRestore:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidStrategy, c.Sync.FullSync.Strategy)
	}

	switch c.Sync.IncrementalSync.Driver {
	case DriverScan, DriverSync, DriverPSync:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidDriver, c.Sync.IncrementalSync.Driver)
	}

	if c.Sync.IncrementalSync.Enabled && c.Sync.IncrementalSync.Interval < time.Second {
		return ErrInvalidInterval
	}

	return nil
}

// Normalize applies defaults and validates in one call; Load and
// NewFromBytes both funnel through it so every Config the engine ever sees
// has already passed both passes.
func (c *Config) Normalize() error {
	c.applyDefaults()
	return c.Validate()
}
