package backoff

import (
	"context"
	"errors"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// ErrNilRetryer is returned by a nil *Retryer's methods.
var ErrNilRetryer = errors.New("backoff: nil retryer")

// RetryableError lets a caller mark an error as permanent (not worth a
// retry) by implementing Retryable() bool — used by the PSYNC driver to
// stop retrying a handshake the target has explicitly rejected.
type RetryableError interface {
	error
	Retryable() bool
}

// Permanent wraps err so IsRetryable reports false for it.
type Permanent struct{ Err error }

func (e *Permanent) Error() string {
	if e.Err == nil {
		return "backoff: permanent error"
	}
	return e.Err.Error()
}
func (e *Permanent) Unwrap() error   { return e.Err }
func (e *Permanent) Retryable() bool { return false }

// IsRetryable reports whether err should be retried: nil is never
// retryable, an error implementing RetryableError defers to it, and
// anything else defaults to retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return true
}

// Retryer drives avast/retry-go/v5 using a fixed attempt budget and a
// Policy for inter-attempt delay.
type Retryer struct {
	maxAttempts uint
	policy      Policy
	onRetry     func(attempt int, err error)
}

// RetryerOption configures a Retryer.
type RetryerOption func(*Retryer)

// WithMaxAttempts overrides the retry budget (ignored if n <= 0).
func WithMaxAttempts(n int) RetryerOption {
	return func(r *Retryer) {
		if n > 0 {
			r.maxAttempts = uint(n)
		}
	}
}

// WithPolicy overrides the delay policy (ignored if nil).
func WithPolicy(p Policy) RetryerOption {
	return func(r *Retryer) {
		if p != nil {
			r.policy = p
		}
	}
}

// WithOnRetry installs a callback invoked before each retry.
func WithOnRetry(f func(attempt int, err error)) RetryerOption {
	return func(r *Retryer) {
		if f != nil {
			r.onRetry = f
		}
	}
}

// NewRetryer returns a Retryer defaulting to 5 attempts (config.Retry's
// default) and an Exponential policy.
func NewRetryer(opts ...RetryerOption) *Retryer {
	r := &Retryer{maxAttempts: 5, policy: NewExponential()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retryer) options(ctx context.Context) []retry.Option {
	policy := r.policy
	if policy == nil {
		policy = NewExponential()
	}
	attempts := r.maxAttempts
	if attempts == 0 {
		attempts = 5
	}

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.RetryIf(func(err error) bool { return IsRetryable(err) }),
		retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
			return policy.NextDelay(int(n) + 1)
		}),
		retry.LastErrorOnly(true),
	}
	if r.onRetry != nil {
		opts = append(opts, retry.OnRetry(func(n uint, err error) {
			r.onRetry(int(n)+1, err)
		}))
	}
	return opts
}

// Do runs fn, retrying per the configured policy until it succeeds, the
// budget is exhausted, or fn returns a non-retryable error.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil {
		return ErrNilRetryer
	}
	return retry.New(r.options(ctx)...).Do(func() error { return fn(ctx) })
}

// DoWithResult behaves like Do but returns a value alongside the error;
// must be a package function since Go methods cannot be generic.
func DoWithResult[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	if r == nil {
		var zero T
		return zero, ErrNilRetryer
	}
	return retry.NewWithData[T](r.options(ctx)...).Do(func() (T, error) { return fn(ctx) })
}
