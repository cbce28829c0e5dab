// Package engine wires the nine core components plus the ambient
// stack into the running replicator process spec.md describes only
// as a set of interface contracts: Connection Supervisor sessions for
// the source and every target, the Full-Sync Engine (run once at
// startup for modes full/hybrid), the selected Incremental Engine
// driver, the Dedup Cache, the Fan-out Dispatcher, a Health & Failover
// Monitor per target, and the Status Surface. Grounded on the
// teacher's internal/runsvc.Group as the cooperative-scheduling
// backbone every long-lived task runs under (spec.md §5).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redisbridge/redisbridge/internal/codec"
	"github.com/redisbridge/redisbridge/internal/config"
	"github.com/redisbridge/redisbridge/internal/dedup"
	"github.com/redisbridge/redisbridge/internal/event"
	"github.com/redisbridge/redisbridge/internal/fanout"
	"github.com/redisbridge/redisbridge/internal/filter"
	"github.com/redisbridge/redisbridge/internal/fullsync"
	"github.com/redisbridge/redisbridge/internal/health"
	"github.com/redisbridge/redisbridge/internal/incremental"
	"github.com/redisbridge/redisbridge/internal/psync"
	"github.com/redisbridge/redisbridge/internal/ratelimit"
	"github.com/redisbridge/redisbridge/internal/runsvc"
	"github.com/redisbridge/redisbridge/internal/session"
	"github.com/redisbridge/redisbridge/internal/status"
)

// ErrSourceUnreachable is wrapped around the initial source session
// error, letting cmd/redisbridged map it to spec.md §6's exit code 3.
var ErrSourceUnreachable = errors.New("engine: source unreachable")

// target bundles one destination's session, health monitor, and the
// name it is registered under everywhere else (dispatcher, status).
type target struct {
	name    string
	session *session.Session
	monitor *health.Monitor
}

// Engine owns every long-lived collaborator for one replication
// deployment: one source, N targets, one active incremental driver.
type Engine struct {
	cfg        config.Config
	logger     *slog.Logger
	instanceID string

	source     *session.Session
	filter     *filter.Filter
	codec      *codec.Codec
	dedupCache *dedup.Cache
	dispatcher *fanout.Dispatcher
	limiter    *ratelimit.Limiter
	targets    []*target

	status *status.Registry

	statsMu   sync.Mutex
	lastStats map[string]fanout.Stats
}

// New builds every collaborator and connects the source session, but
// starts no background work yet; call Run to do that. A failure to
// reach the source is wrapped in ErrSourceUnreachable.
func New(ctx context.Context, cfg config.Config, instanceID string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := filter.New(filter.Config{
		IncludePatterns: cfg.Filters.IncludePatterns,
		ExcludePatterns: cfg.Filters.ExcludePatterns,
		MinTTL:          cfg.Filters.MinTTL,
		MaxKeySize:      cfg.Filters.MaxKeySize,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: key filter: %w", err)
	}

	srcSession, err := session.New(ctx, "source", cfg.Source, session.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnreachable, err)
	}

	srcClient, err := srcSession.Acquire()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnreachable, err)
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		instanceID: instanceID,
		source:     srcSession,
		filter:     f,
		codec:      codec.New(cfg.Sync.FullSync.PreserveTTL),
		dedupCache: dedup.New(config.DedupMaxEntries, config.DedupWindow),
		limiter:    ratelimit.New(srcClient),
		status:     status.New(instanceID),
	}
	e.status.SetSourceState(srcSession.State().String())

	maxWorkers := cfg.Service.Performance.MaxWorkers
	e.dispatcher = fanout.New(e.dedupCache, maxWorkers, fanout.WithLogger(logger))

	for _, tc := range cfg.Targets {
		t, err := e.buildTarget(ctx, tc)
		if err != nil {
			return nil, err
		}
		e.targets = append(e.targets, t)
		e.status.RegisterTarget(t.name)
		if !tc.Enabled {
			t.monitor.Disable()
			e.status.SetTargetState(t.name, health.Disabled.String())
		}
		if err := e.dispatcher.AddTarget(t.name, t.session, f, t.monitor, 0); err != nil {
			return nil, fmt.Errorf("engine: add target %s: %w", t.name, err)
		}
	}

	return e, nil
}

// buildTarget connects a target session and wires its Health &
// Failover Monitor to keep the status surface's target state in sync
// with the breaker — including Disabled, since Disable/Enable never
// flow through Guard.
func (e *Engine) buildTarget(ctx context.Context, tc config.Target) (*target, error) {
	sess, err := session.New(ctx, tc.Name, tc.Endpoint, session.WithLogger(e.logger))
	if err != nil {
		return nil, fmt.Errorf("engine: target %s: %w", tc.Name, err)
	}

	name := tc.Name
	mon := health.New(name,
		health.WithMaxFailures(e.cfg.Service.Failover.MaxFailures),
		health.WithRecoveryDelay(e.cfg.Service.Failover.RecoveryDelay),
		health.WithOnStateChange(func(target string, _, to health.State) {
			e.status.SetTargetState(target, to.String())
		}),
	)
	return &target{name: name, session: sess, monitor: mon}, nil
}

// Status exposes the Status Surface for cmd/redisbridged's HTTP
// wiring and for tests.
func (e *Engine) Status() *status.Registry { return e.status }

// Close releases every session's underlying connection and drains the
// dispatcher's target queues. Safe to call after Run returns, or
// during a forced shutdown once the grace period elapses.
func (e *Engine) Close(ctx context.Context) error {
	var firstErr error
	if err := e.dispatcher.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, t := range e.targets {
		if err := t.session.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.source.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Run executes the full-sync phase (modes full, hybrid) to completion,
// then the incremental phase (modes incremental, hybrid). The
// incremental driver, the target-health sync and the status server run
// under one runsvc.Group, so ctx's cancellation or a fatal error in any
// of them stops the others; the full-sync phase runs before that group
// exists and ends on ctx's cancellation or its own error.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.Sync.Mode == config.ModeFull || e.cfg.Sync.Mode == config.ModeHybrid {
		if err := e.runFullSync(ctx); err != nil {
			return fmt.Errorf("engine: full sync: %w", err)
		}
	}
	e.status.SetFullSyncComplete(true)

	if e.cfg.Sync.Mode == config.ModeFull {
		return nil
	}
	if !e.cfg.Sync.IncrementalSync.Enabled {
		return nil
	}

	g, _ := runsvc.NewGroup(ctx, runsvc.WithLogger(e.logger), runsvc.WithName("engine"))
	g.GoWithName("incremental", e.runIncremental)
	g.GoWithName("target-health-sync", e.runTargetHealthSync)
	if e.cfg.Status.ListenAddr != "" {
		srv := status.NewHTTPServer(e.cfg.Status.ListenAddr, e.status, e)
		g.GoWithName("status-server", runsvc.HTTPServer(srv, 5*time.Second))
	}
	return g.Wait()
}

// EnableTarget implements status.Enabler, letting cmd/redisbridgectl's
// "cooldown <target>" command manually clear a target's Disabled flag
// over HTTP. A target whose breaker is Cooling stays Cooling until its
// recovery delay elapses; the status surface records whatever state the
// monitor reports once the flag is cleared.
func (e *Engine) EnableTarget(name string) error {
	for _, t := range e.targets {
		if t.name == name {
			t.monitor.Enable()
			e.status.SetTargetState(t.name, t.monitor.State().String())
			return nil
		}
	}
	return fmt.Errorf("%w: %s", status.ErrUnknownTarget, name)
}

// runFullSync materializes the source keyspace into every enabled
// target once via the Full-Sync Engine, handing each emitted event to
// the dispatcher's Dispatch, the same path incremental events take,
// dedup check included.
func (e *Engine) runFullSync(ctx context.Context) error {
	srcClient, err := e.source.Acquire()
	if err != nil {
		return err
	}

	fse := fullsync.New(srcClient, e.filter, e.codec, e.cfg.Sync.FullSync.BatchSize)
	strategy := fullsync.Strategy(e.cfg.Sync.FullSync.Strategy)

	return fse.Run(ctx, strategy, func(ctx context.Context, ev event.Event) error {
		e.dispatcher.Dispatch(ctx, ev)
		return nil
	})
}

// runIncremental builds and starts the configured driver, pumping its
// events into the dispatcher until it exits. A PSYNC driver that
// downgrades to scan (three consecutive unrecognized handshake
// replies, spec.md §9) signals through downgraded, causing this loop
// to rebuild with the scan driver forced instead of returning.
func (e *Engine) runIncremental(ctx context.Context) error {
	forceScan := false
	for {
		downgraded := make(chan struct{}, 1)
		driver, driverName, err := e.buildDriver(forceScan, downgraded)
		if err != nil {
			return err
		}

		if err := driver.Start(ctx); err != nil {
			return fmt.Errorf("engine: start %s driver: %w", driverName, err)
		}
		e.status.SetDriverState(driverName)

		e.pumpEvents(ctx, driver)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-downgraded:
			e.logger.Warn("engine: psync driver downgraded, switching to scan driver")
			forceScan = true
			continue
		default:
			return nil
		}
	}
}

// pumpEvents drains driver's Events channel into the dispatcher,
// throttled to max_changes_per_sync per configured interval when set,
// and keeps the PSYNC offset on the status surface current.
func (e *Engine) pumpEvents(ctx context.Context, driver incremental.Driver) {
	limit := e.cfg.Sync.IncrementalSync.MaxChangesPerSync
	window := e.cfg.Sync.IncrementalSync.Interval
	if window <= 0 {
		window = 30 * time.Second
	}

	for ev := range driver.Events() {
		if limit > 0 {
			res, err := e.limiter.Allow(ctx, "incremental-dispatch", limit, limit, window)
			if err != nil {
				e.logger.Warn("engine: dispatch rate limiter error, applying anyway", slog.Any("error", err))
			} else if !res.Allowed {
				select {
				case <-time.After(res.RetryAfter):
				case <-ctx.Done():
				}
			}
		}
		e.dispatcher.Dispatch(ctx, ev)
		if pd, ok := driver.(*psync.Driver); ok {
			e.status.SetPSyncOffset(pd.Offset())
		}
	}
}

// buildDriver constructs the configured incremental driver, or the
// scan driver regardless of configuration when forceScan is set
// (post-downgrade). downgraded holds at most one pending signal: the
// PSYNC driver's onDowngrade callback sends on it without blocking and
// never closes it.
func (e *Engine) buildDriver(forceScan bool, downgraded chan struct{}) (incremental.Driver, string, error) {
	srcClient, err := e.source.Acquire()
	if err != nil {
		return nil, "", err
	}

	driverKind := e.cfg.Sync.IncrementalSync.Driver
	if forceScan {
		driverKind = config.DriverScan
	}

	interval := e.cfg.Sync.IncrementalSync.Interval

	switch driverKind {
	case config.DriverSync:
		fse := fullsync.New(srcClient, e.filter, e.codec, e.cfg.Sync.FullSync.BatchSize)
		return incremental.NewSyncDriver(fse, interval, incremental.WithSyncLogger(e.logger)), "sync", nil

	case config.DriverPSync:
		d := psync.New(srcClient, e.filter, e.codec,
			psync.WithLogger(e.logger),
			psync.WithOnDowngrade(func() {
				select {
				case downgraded <- struct{}{}:
				default:
				}
			}),
		)
		return d, "psync", nil

	default: // config.DriverScan, and the forceScan post-downgrade path
		return incremental.NewScanDriver(srcClient, e.filter, e.codec, interval, e.cfg.Sync.FullSync.BatchSize,
			incremental.WithScanLimiter(e.limiter), incremental.WithScanLogger(e.logger)), "scan", nil
	}
}

// runTargetHealthSync periodically copies the dispatcher's per-target
// counters into the status surface. It runs outside the dispatcher
// itself so fanout never needs to know the status package exists.
func (e *Engine) runTargetHealthSync(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.syncStats()
		}
	}
}

func (e *Engine) syncStats() {
	e.status.SetSourceState(e.source.State().String())
	for _, t := range e.targets {
		e.reconcileCounter(t.name, e.dispatcher.Stats(t.name))
	}
}

// reconcileCounter folds the dispatcher's absolute counters into the
// status registry's own Record* increments. The dispatcher's atomics
// are the source of truth; this keeps the two from drifting without
// requiring fanout to import internal/status.
func (e *Engine) reconcileCounter(name string, stats fanout.Stats) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	if e.lastStats == nil {
		e.lastStats = make(map[string]fanout.Stats)
	}
	prev := e.lastStats[name]
	if delta := stats.Applied - prev.Applied; delta > 0 {
		for i := int64(0); i < delta; i++ {
			e.status.RecordApplied(name)
		}
	}
	if delta := stats.Failed - prev.Failed; delta > 0 {
		for i := int64(0); i < delta; i++ {
			e.status.RecordFailed(name, nil)
		}
	}
	e.lastStats[name] = stats
}
