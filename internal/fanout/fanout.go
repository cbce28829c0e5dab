// Package fanout implements the Fan-out Dispatcher: for a given
// change event, concurrently applies it to every enabled target,
// tracks per-target success/failure counters, and gates attempts
// through each target's Health & Failover Monitor. Grounded on the
// teacher's pkg/util/xpool generic worker pool, split into one
// single-worker pool per target so a target's writes stay strictly
// ordered while different targets still run in parallel — plus a
// shared semaphore bounding total in-flight target operations to
// service.performance.max_workers, the resource limit xpool itself
// leaves to its caller to enforce across pools.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redisbridge/redisbridge/internal/dedup"
	"github.com/redisbridge/redisbridge/internal/event"
	"github.com/redisbridge/redisbridge/internal/filter"
	"github.com/redisbridge/redisbridge/internal/health"
	"github.com/redisbridge/redisbridge/internal/session"
	"github.com/redisbridge/redisbridge/pkg/util/xpool"
)

// Stats is one target's observable counters, read by the status
// surface.
type Stats struct {
	Applied             int64
	Failed              int64
	ConsecutiveFailures int64
}

// target bundles everything the dispatcher needs to apply an event
// to one destination: its own session, its own (possibly overridden)
// filter, and its own health monitor.
type target struct {
	name    string
	session *session.Session
	filter  *filter.Filter
	monitor *health.Monitor

	pool *xpool.Pool[dispatchTask]

	applied             atomic.Int64
	failed              atomic.Int64
	consecutiveFailures atomic.Int64
}

// dispatchTask is one event queued onto a target's single-worker
// pool; wg lets Dispatch wait for every target's attempt to finish
// before returning, per spec.md §4.7 ("returns as soon as every
// per-target attempt has terminated").
type dispatchTask struct {
	ctx context.Context
	ev  event.Event
	wg  *sync.WaitGroup
}

// Dispatcher fans a single Change Event out to every registered
// target.
type Dispatcher struct {
	targets map[string]*target
	dedup   *dedup.Cache
	sem     chan struct{}
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New builds a Dispatcher with no targets registered yet; call
// AddTarget for each one. maxInFlight bounds the number of
// concurrent target-apply operations across ALL targets combined
// (service.performance.max_workers); values <= 0 default to 16.
func New(cache *dedup.Cache, maxInFlight int, opts ...Option) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	d := &Dispatcher{
		targets: make(map[string]*target),
		dedup:   cache,
		sem:     make(chan struct{}, maxInFlight),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddTarget registers one target. Its own single-worker pool
// enforces FIFO application order for that target regardless of how
// many other targets are dispatched to concurrently.
func (d *Dispatcher) AddTarget(name string, sess *session.Session, f *filter.Filter, monitor *health.Monitor, queueSize int) error {
	if queueSize <= 0 {
		queueSize = 1000
	}
	t := &target{name: name, session: sess, filter: f, monitor: monitor}

	pool, err := xpool.New(1, queueSize, func(task dispatchTask) {
		d.apply(task.ctx, t, task.ev)
		task.wg.Done()
	})
	if err != nil {
		return err
	}
	t.pool = pool
	d.targets[name] = t
	return nil
}

// Targets lists the registered target names.
func (d *Dispatcher) Targets() []string {
	names := make([]string, 0, len(d.targets))
	for name := range d.targets {
		names = append(names, name)
	}
	return names
}

// Stats reports a target's current counters, or the zero value for
// an unknown target.
func (d *Dispatcher) Stats(name string) Stats {
	t, ok := d.targets[name]
	if !ok {
		return Stats{}
	}
	return Stats{
		Applied:             t.applied.Load(),
		Failed:              t.failed.Load(),
		ConsecutiveFailures: t.consecutiveFailures.Load(),
	}
}

// Dispatch applies ev to every registered target concurrently,
// deduplicating once up front (the Dedup Cache is shared across every
// target rather than consulted N times for the same event), and
// returns once every target's attempt — success, recorded failure, or
// skip — has terminated.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) {
	if d.dedup != nil && d.dedup.Seen(ev.Fingerprint) {
		return
	}

	var wg sync.WaitGroup
	for _, t := range d.targets {
		wg.Add(1)
		task := dispatchTask{ctx: ctx, ev: ev, wg: &wg}
		if err := t.pool.Submit(task); err != nil {
			d.logger.Warn("fanout: target queue rejected event",
				slog.String("target", t.name), slog.Any("error", err))
			wg.Done()
		}
	}
	wg.Wait()
}

// apply runs the per-target algorithm from spec.md §4.7: filter,
// acquire a session, guard through the health monitor, apply, then
// update counters.
func (d *Dispatcher) apply(ctx context.Context, t *target, ev event.Event) {
	if !t.filter.Accept(filter.Probe{Key: ev.Key, RemainingTTL: ev.RemainingTTL}) {
		return
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-d.sem }()

	err := t.monitor.Guard(ctx, func() error {
		client, err := t.session.Acquire()
		if err != nil {
			return err
		}
		return ev.Apply(ctx, client)
	})

	switch {
	case err == nil:
		t.applied.Add(1)
		t.consecutiveFailures.Store(0)
	case isSkippable(err):
		// Disabled or already Cooling: the breaker already recorded
		// the failures that led here, so this attempt never happened
		// from the target's point of view.
	default:
		t.failed.Add(1)
		t.consecutiveFailures.Add(1)
		t.session.MarkBroken()
		d.logger.Warn("fanout: apply failed",
			slog.String("target", t.name), slog.String("key", ev.Key), slog.Any("error", err))
	}
}

func isSkippable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, health.ErrDisabled) {
		return true
	}
	var coolingErr *health.CoolingError
	return errors.As(err, &coolingErr)
}

// Close shuts every target's pool down, waiting for queued events to
// drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	var firstErr error
	for _, t := range d.targets {
		if err := t.pool.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
