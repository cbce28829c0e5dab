// Package health implements the Health & Failover Monitor: one
// per-target circuit breaker tracking Active/Cooling/Disabled state,
// built directly on sony/gobreaker/v2 rather than reimplementing
// consecutive-failure counting and cooldown timers by hand. Closed
// maps to Active, Open maps to Cooling (with Timeout set to the
// configured recovery delay), and HalfOpen's single probe transitions
// back to Closed/Active on success with the failure counter reset —
// exactly the "after expiry the target transitions to Active with
// counter reset" behavior a hand-rolled state machine would also need
// to implement. Disabled is layered on top as a manual supervisory
// flag, checked before the breaker is ever consulted. Grounded on the
// teacher's pkg/resilience/xbreaker package.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
)

// State is the externally visible health state of one target, the
// "Target health record" spec.md §3 names.
type State int

const (
	Active State = iota
	Cooling
	Disabled
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Cooling:
		return "cooling"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// ErrDisabled is returned by Guard when the target has been manually
// disabled (via config reload), before the breaker is ever consulted.
var ErrDisabled = errors.New("health: target manually disabled")

// CoolingError wraps gobreaker's open/too-many-requests errors so
// internal/backoff's IsRetryable sees it as non-retryable: a cooling
// target should fail fast, not be spun on by a retryer that has no
// way to know the breaker already rejected the attempt.
type CoolingError struct {
	Target string
	Err    error
}

func (e *CoolingError) Error() string {
	return fmt.Sprintf("health: target %s is cooling: %v", e.Target, e.Err)
}

func (e *CoolingError) Unwrap() error { return e.Err }

// Retryable implements internal/backoff.RetryableError.
func (e *CoolingError) Retryable() bool { return false }

// Monitor tracks one target's health. Zero value is not usable; build
// with New.
type Monitor struct {
	target  string
	cb      *gobreaker.CircuitBreaker[any]
	options options

	disabled atomic.Bool
}

type options struct {
	maxFailures    uint32
	recoveryDelay  time.Duration
	halfOpenProbes uint32
	onStateChange  func(target string, from, to State)
}

// Option configures a Monitor.
type Option func(*options)

// WithMaxFailures sets the consecutive-failure threshold that trips
// Active -> Cooling. Default 5.
func WithMaxFailures(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFailures = n
		}
	}
}

// WithRecoveryDelay sets how long a target stays Cooling before a
// single probe is allowed through. Default 30s.
func WithRecoveryDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.recoveryDelay = d
		}
	}
}

// WithHalfOpenProbes sets how many probe requests are allowed through
// while transitioning out of Cooling. Default 1, matching "after
// expiry the target transitions to Active" being decided by a single
// probe's outcome.
func WithHalfOpenProbes(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.halfOpenProbes = n
		}
	}
}

// WithOnStateChange installs a callback invoked (asynchronously, panic
// isolated) whenever the breaker transitions state — useful for
// logging and for internal/status counters. Receives the health
// States, not gobreaker's own, already translated.
func WithOnStateChange(fn func(target string, from, to State)) Option {
	return func(o *options) {
		if fn != nil {
			o.onStateChange = fn
		}
	}
}

// New builds a Monitor for one named target.
func New(target string, opts ...Option) *Monitor {
	o := options{
		maxFailures:    5,
		recoveryDelay:  30 * time.Second,
		halfOpenProbes: 1,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Monitor{target: target, options: o}

	settings := gobreaker.Settings{
		Name:        target,
		MaxRequests: o.halfOpenProbes,
		Timeout:     o.recoveryDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.maxFailures
		},
	}
	if o.onStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			go func() {
				defer func() { _ = recover() }()
				o.onStateChange(name, translateState(from), translateState(to))
			}()
		}
	}

	m.cb = gobreaker.NewCircuitBreaker[any](settings)
	return m
}

func translateState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Cooling
	case gobreaker.StateHalfOpen:
		// HalfOpen is an internal probing state; the Target health
		// record spec.md §3 names only Active/Cooling/Disabled, so a
		// probe in flight is reported as still Cooling until it
		// resolves.
		return Cooling
	default:
		return Active
	}
}

// Disable manually marks the target Disabled, skipped entirely by the
// dispatcher regardless of breaker state, until Enable is called.
func (m *Monitor) Disable() { m.disabled.Store(true) }

// Enable clears a manual Disabled flag. The breaker's own state
// (Active/Cooling) is unaffected.
func (m *Monitor) Enable() { m.disabled.Store(false) }

// State reports the target's current health, Disabled taking
// precedence over the breaker's own Active/Cooling state.
func (m *Monitor) State() State {
	if m.disabled.Load() {
		return Disabled
	}
	return translateState(m.cb.State())
}

// Counts returns the breaker's current statistics window, exposing
// the ConsecutiveFailures counter spec.md §3's health record names.
func (m *Monitor) Counts() gobreaker.Counts {
	return m.cb.Counts()
}

// Guard runs fn through the breaker, short-circuiting with ErrDisabled
// if manually disabled (the breaker is never even consulted in that
// case) and wrapping any breaker rejection in a CoolingError so the
// caller's retryer never spins against an already-cooling target.
func (m *Monitor) Guard(ctx context.Context, fn func() error) error {
	if m.disabled.Load() {
		return ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := m.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &CoolingError{Target: m.target, Err: err}
	}
	return err
}

// Target returns the monitor's target identifier.
func (m *Monitor) Target() string { return m.target }
