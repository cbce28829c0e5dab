// Package lock provides a Redis-backed distributed mutex. Its only user
// is internal/schedule, whose Scheduler nothing in this module
// constructs; the full-sync phase and the Sync driver's resync run
// without taking a lock. Grounded on the teacher's xdlock
// redis backend (go-redsync/redsync/v4), trimmed to single-client use —
// this module never needs Redlock's multi-node quorum since each
// replicator instance already owns exactly one connection per endpoint.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Errors returned by Handle operations, translated from redsync's own
// error set so callers never import redsync directly.
var (
	ErrLockHeld    = errors.New("lock: already held by another holder")
	ErrLockFailed  = errors.New("lock: acquisition failed")
	ErrLockExpired = errors.New("lock: expired or lost")
	ErrNotLocked   = errors.New("lock: not held")
)

const keyPrefix = "redisbridge:lock:"

// Factory creates locks scoped to a single Redis connection.
type Factory struct {
	rs *redsync.Redsync
}

// New builds a Factory backed by rdb.
func New(rdb redis.UniversalClient) *Factory {
	pool := goredis.NewPool(rdb)
	return &Factory{rs: redsync.New(pool)}
}

// Handle represents a held lock; call Unlock to release it, or Extend to
// push its expiry out before a long-running full sync's TTL would
// otherwise lapse.
type Handle struct {
	mutex *redsync.Mutex
	key   string
}

// TryLock attempts to acquire name without blocking, returning (nil, nil)
// when another holder already has it.
func (f *Factory) TryLock(ctx context.Context, name string, expiry time.Duration) (*Handle, error) {
	mutex := f.newMutex(name, expiry)
	if err := mutex.TryLockContext(ctx); err != nil {
		wrapped := wrapError(err)
		if errors.Is(wrapped, ErrLockHeld) {
			return nil, nil
		}
		return nil, wrapped
	}
	return &Handle{mutex: mutex, key: keyPrefix + name}, nil
}

// Lock blocks (respecting ctx) until name is acquired.
func (f *Factory) Lock(ctx context.Context, name string, expiry time.Duration) (*Handle, error) {
	mutex := f.newMutex(name, expiry)
	if err := mutex.LockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, wrapError(err)
	}
	return &Handle{mutex: mutex, key: keyPrefix + name}, nil
}

func (f *Factory) newMutex(name string, expiry time.Duration) *redsync.Mutex {
	if expiry <= 0 {
		expiry = 30 * time.Second
	}
	return f.rs.NewMutex(keyPrefix+name, redsync.WithExpiry(expiry))
}

// Key returns the fully-prefixed lock key.
func (h *Handle) Key() string { return h.key }

// Unlock releases the lock.
func (h *Handle) Unlock(ctx context.Context) error {
	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		wrapped := wrapError(err)
		if errors.Is(wrapped, ErrLockExpired) {
			return ErrNotLocked
		}
		return wrapped
	}
	if !ok {
		return ErrNotLocked
	}
	return nil
}

// Extend pushes the lock's expiry out by its original TTL, used while a
// full sync is still copying keys and hasn't finished within the lock's
// initial expiry.
func (h *Handle) Extend(ctx context.Context) error {
	ok, err := h.mutex.ExtendContext(ctx)
	if err != nil {
		wrapped := wrapError(err)
		if errors.Is(wrapped, ErrLockExpired) {
			return ErrNotLocked
		}
		return wrapped
	}
	if !ok {
		return ErrNotLocked
	}
	return nil
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var errTaken *redsync.ErrTaken
	if errors.As(err, &errTaken) {
		return fmt.Errorf("%w: %w", ErrLockHeld, err)
	}
	if errors.Is(err, redsync.ErrFailed) {
		return fmt.Errorf("%w: %w", ErrLockFailed, err)
	}
	if errors.Is(err, redsync.ErrExtendFailed) {
		return fmt.Errorf("%w: %w", ErrLockExpired, err)
	}
	if errors.Is(err, redsync.ErrLockAlreadyExpired) {
		return fmt.Errorf("%w: %w", ErrLockExpired, err)
	}
	return err
}
