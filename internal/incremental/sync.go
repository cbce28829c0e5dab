package incremental

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redisbridge/redisbridge/internal/event"
	"github.com/redisbridge/redisbridge/internal/fullsync"
)

// SyncDriver re-runs a full resync (strategy rdb-sync) every interval
// and re-dispatches everything it finds as events. Simplest and most
// bandwidth-heavy of the three drivers; correctness is eventual
// (spec.md §4.6).
type SyncDriver struct {
	engine   *fullsync.Engine
	interval time.Duration
	logger   *slog.Logger

	events chan event.Event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// SyncOption configures a SyncDriver.
type SyncOption func(*SyncDriver)

// WithSyncLogger overrides slog.Default().
func WithSyncLogger(l *slog.Logger) SyncOption {
	return func(d *SyncDriver) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewSyncDriver builds a SyncDriver around an already-configured
// fullsync.Engine. interval <= 0 defaults to 30s.
func NewSyncDriver(engine *fullsync.Engine, interval time.Duration, opts ...SyncOption) *SyncDriver {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	d := &SyncDriver{
		engine:   engine,
		interval: interval,
		logger:   slog.Default(),
		events:   make(chan event.Event, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *SyncDriver) Events() <-chan event.Event { return d.events }

func (d *SyncDriver) Start(ctx context.Context) error {
	go d.run(ctx)
	return nil
}

func (d *SyncDriver) Stop() {
	d.once.Do(func() { close(d.stop) })
	<-d.done
}

func (d *SyncDriver) run(ctx context.Context) {
	defer close(d.events)
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			err := d.engine.Run(ctx, fullsync.StrategySync, func(ctx context.Context, ev event.Event) error {
				select {
				case d.events <- ev:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			if err != nil && ctx.Err() == nil {
				d.logger.Warn("incremental: sync tick failed", slog.Any("error", err))
			}
		}
	}
}
