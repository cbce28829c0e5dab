package incremental

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redisbridge/redisbridge/internal/codec"
	"github.com/redisbridge/redisbridge/internal/event"
	"github.com/redisbridge/redisbridge/internal/filter"
	"github.com/redisbridge/redisbridge/internal/fingerprint"
	"github.com/redisbridge/redisbridge/internal/ratelimit"
)

// idleEpsilon widens the idletime-based changed-since-last-tick test
// (spec.md §4.6: "if idletime < I + ε, treat as changed") to absorb
// scheduling jitter between ticks.
const idleEpsilon = 2 * time.Second

// ScanDriver polls OBJECT IDLETIME across the whole keyspace every
// Interval, treating a key whose idle time is shorter than the
// interval as changed, and diffing the key set across ticks to
// synthesize deletion tombstones.
type ScanDriver struct {
	source    *redis.Client
	filter    *filter.Filter
	codec     *codec.Codec
	limiter   *ratelimit.Limiter
	batchSize int64
	interval  time.Duration
	logger    *slog.Logger

	events chan event.Event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// ScanOption configures a ScanDriver.
type ScanOption func(*ScanDriver)

// WithScanLimiter paces SCAN calls through a shared rate limiter, the
// "unified scan" source-load control spec.md §4.7 requires when
// multiple targets would otherwise each trigger their own scan.
func WithScanLimiter(l *ratelimit.Limiter) ScanOption {
	return func(d *ScanDriver) { d.limiter = l }
}

// WithScanLogger overrides slog.Default().
func WithScanLogger(l *slog.Logger) ScanOption {
	return func(d *ScanDriver) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewScanDriver builds a ScanDriver. interval <= 0 defaults to 30s
// (spec.md §4.6); batchSize <= 0 defaults to 1000.
func NewScanDriver(source *redis.Client, f *filter.Filter, c *codec.Codec, interval time.Duration, batchSize int, opts ...ScanOption) *ScanDriver {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	d := &ScanDriver{
		source:    source,
		filter:    f,
		codec:     c,
		batchSize: int64(batchSize),
		interval:  interval,
		logger:    slog.Default(),
		events:    make(chan event.Event, 256),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *ScanDriver) Events() <-chan event.Event { return d.events }

// Start launches the tick loop in the background.
func (d *ScanDriver) Start(ctx context.Context) error {
	go d.run(ctx)
	return nil
}

// Stop signals the tick loop to exit; Events closes once the current
// tick (if any) finishes.
func (d *ScanDriver) Stop() {
	d.once.Do(func() { close(d.stop) })
	<-d.done
}

func (d *ScanDriver) run(ctx context.Context) {
	defer close(d.events)
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	var prevKeys map[string]struct{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			next, err := d.tick(ctx, prevKeys)
			if err != nil {
				d.logger.Warn("incremental: scan tick failed", slog.Any("error", err))
				continue
			}
			prevKeys = next
		}
	}
}

func (d *ScanDriver) tick(ctx context.Context, prevKeys map[string]struct{}) (map[string]struct{}, error) {
	currentKeys := make(map[string]struct{}, len(prevKeys))

	var cursor uint64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.limiter != nil {
			res, err := d.limiter.Allow(ctx, "scan-driver", 1, 1, time.Second)
			if err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
			if !res.Allowed {
				select {
				case <-time.After(res.RetryAfter):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}

		keys, next, err := d.source.Scan(ctx, cursor, "", d.batchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("SCAN: %w", err)
		}

		for _, key := range keys {
			currentKeys[key] = struct{}{}
			if err := d.processKey(ctx, key); err != nil {
				d.logger.Warn("incremental: scan key failed", slog.String("key", key), slog.Any("error", err))
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	for key := range prevKeys {
		if _, stillPresent := currentKeys[key]; stillPresent {
			continue
		}
		d.emitTombstone(ctx, key)
	}

	return currentKeys, nil
}

func (d *ScanDriver) processKey(ctx context.Context, key string) error {
	idle, err := d.source.ObjectIdleTime(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("OBJECT IDLETIME %s: %w", key, err)
	}
	if idle >= d.interval+idleEpsilon {
		return nil // unchanged since before the previous tick
	}

	pttl, err := d.source.PTTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("PTTL %s: %w", key, err)
	}
	if !d.filter.Accept(filter.Probe{Key: key, RemainingTTL: pttl}) {
		return nil
	}

	rec, err := d.codec.Read(ctx, d.source, key)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}

	value := fmt.Sprint(rec.String, rec.Hash, rec.List, rec.Set, rec.ZSet, rec.Stream)
	fp := fingerprint.Of(rec.Key, byte(rec.Kind), []byte(value))
	ev := event.FromKeyRecord(rec, d.codec, fp, time.Now())
	select {
	case d.events <- ev:
	case <-ctx.Done():
	}
	return nil
}

func (d *ScanDriver) emitTombstone(ctx context.Context, key string) {
	if !d.filter.Accept(filter.Probe{Key: key}) {
		return
	}
	ev := event.Event{
		Key:         key,
		Tombstone:   true,
		OriginTime:  time.Now(),
		Fingerprint: fingerprint.Of(key, 0, []byte("tombstone")),
		Apply: func(ctx context.Context, dst *redis.Client) error {
			return dst.Del(ctx, key).Err()
		},
	}
	select {
	case d.events <- ev:
	case <-ctx.Done():
	}
}
