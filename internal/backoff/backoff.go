// Package backoff implements the delay policies the Connection Supervisor,
// the Full-Sync Engine, and the PSYNC driver all use when retrying a
// failed operation, plus a Retryer that drives avast/retry-go/v5 with one
// of them. It mirrors the teacher's xretry package, trimmed to the
// policies this module actually exercises.
package backoff

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"
)

// Policy computes the delay before attempt N (1-indexed).
type Policy interface {
	NextDelay(attempt int) time.Duration
}

// Fixed always waits the same delay.
type Fixed struct{ delay time.Duration }

// NewFixed returns a Policy with a constant delay; negative input clamps to 0.
func NewFixed(delay time.Duration) *Fixed {
	if delay < 0 {
		delay = 0
	}
	return &Fixed{delay: delay}
}

func (b *Fixed) NextDelay(_ int) time.Duration { return b.delay }

// Exponential implements delay = min(initial * multiplier^(attempt-1) *
// (1 +/- jitter), max) — the policy backing service.retry in
// internal/config, and the driver backoff used when a PSYNC connection
// drops.
type Exponential struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       float64
}

// ExponentialOption configures an Exponential policy.
type ExponentialOption func(*Exponential)

// WithInitialDelay overrides the first-attempt delay (ignored if d <= 0).
func WithInitialDelay(d time.Duration) ExponentialOption {
	return func(b *Exponential) {
		if d > 0 {
			b.initialDelay = d
		}
	}
}

// WithMaxDelay overrides the ceiling delay (ignored if d <= 0).
func WithMaxDelay(d time.Duration) ExponentialOption {
	return func(b *Exponential) {
		if d > 0 {
			b.maxDelay = d
		}
	}
}

// WithMultiplier overrides the growth factor; values < 1 are ignored since
// they would shrink the delay over time, which is never the intent of an
// exponential backoff.
func WithMultiplier(m float64) ExponentialOption {
	return func(b *Exponential) {
		if m >= 1 {
			b.multiplier = m
		}
	}
}

// WithJitter sets the jitter fraction, clamped to [0,1].
func WithJitter(j float64) ExponentialOption {
	return func(b *Exponential) {
		if j < 0 {
			j = 0
		} else if j > 1 {
			j = 1
		}
		b.jitter = j
	}
}

// NewExponential returns an Exponential policy defaulting to a 1s initial
// delay, 60s ceiling, 2x multiplier and 10% jitter — the config.Retry
// defaults this module applies when a deployment doesn't override them.
func NewExponential(opts ...ExponentialOption) *Exponential {
	b := &Exponential{
		initialDelay: time.Second,
		maxDelay:     60 * time.Second,
		multiplier:   2.0,
		jitter:       0.1,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxDelay < b.initialDelay {
		b.maxDelay = b.initialDelay
	}
	return b
}

func (b *Exponential) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.initialDelay) * math.Pow(b.multiplier, float64(attempt-1))

	if b.jitter > 0 {
		delay *= 1.0 + (randomFloat64()*2-1)*b.jitter
	}

	// math.Pow overflows to +Inf for large attempt counts; multiplying by a
	// jitter factor of exactly 0 then yields NaN, which compares false
	// against maxDelay and would otherwise escape the ceiling check.
	if math.IsNaN(delay) || delay < 0 {
		return b.maxDelay
	}
	if delay >= float64(b.maxDelay) {
		return b.maxDelay
	}
	return time.Duration(delay)
}

// Linear implements delay = min(initial + increment*(attempt-1), max).
type Linear struct {
	initialDelay time.Duration
	increment    time.Duration
	maxDelay     time.Duration
}

// NewLinear returns a Linear policy; maxDelay is raised to initialDelay if
// configured lower.
func NewLinear(initialDelay, increment, maxDelay time.Duration) *Linear {
	if initialDelay < 0 {
		initialDelay = 0
	}
	if increment < 0 {
		increment = 0
	}
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}
	return &Linear{initialDelay: initialDelay, increment: increment, maxDelay: maxDelay}
}

func (b *Linear) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if b.increment > 0 && attempt > 1 {
		available := b.maxDelay - b.initialDelay
		if available < 0 {
			return b.maxDelay
		}
		maxMultiplier := available / b.increment
		if time.Duration(attempt-1) > maxMultiplier {
			return b.maxDelay
		}
	}

	delay := b.initialDelay + b.increment*time.Duration(attempt-1)
	if delay > b.maxDelay {
		delay = b.maxDelay
	}
	return delay
}

// None never delays, used for in-process retries where the caller handles
// pacing itself (e.g. a bounded in-memory re-dispatch).
type None struct{}

// NewNone returns a zero-delay Policy.
func NewNone() *None { return &None{} }

func (b *None) NextDelay(_ int) time.Duration { return 0 }

var (
	_ Policy = (*Fixed)(nil)
	_ Policy = (*Exponential)(nil)
	_ Policy = (*Linear)(nil)
	_ Policy = (*None)(nil)
)

const (
	floatBits  = 53
	floatScale = 1.0 / (1 << floatBits)
)

func randomFloat64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return float64(binary.LittleEndian.Uint64(buf[:])>>11) * floatScale
}
