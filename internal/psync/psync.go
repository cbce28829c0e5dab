package psync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redisbridge/redisbridge/internal/backoff"
	"github.com/redisbridge/redisbridge/internal/codec"
	"github.com/redisbridge/redisbridge/internal/event"
	"github.com/redisbridge/redisbridge/internal/filter"
	"github.com/redisbridge/redisbridge/internal/fingerprint"
	"github.com/redisbridge/redisbridge/internal/rdb"
)

// State is one state in the PSYNC driver's handshake/streaming state
// machine (spec.md §4.6).
type State int

const (
	StateInit State = iota
	StateHandshake
	StateFullResync
	StateStreaming
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshake:
		return "handshake"
	case StateFullResync:
		return "full_resync"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// ackInterval is the REPLCONF ACK heartbeat cadence spec.md §4.6
// fixes at one second.
const ackInterval = time.Second

// maxHandshakeFailures is the consecutive-unrecognized-reply count
// that triggers a downgrade to the scan driver (spec.md §9).
const maxHandshakeFailures = 3

// Driver is the PSYNC incremental producer: it owns the replication
// cursor (replid, offset), drives the handshake/streaming state
// machine, and satisfies internal/incremental.Driver so the engine
// can swap it in for the scan or sync driver without any special
// casing.
type Driver struct {
	source        *redis.Client
	filter        *filter.Filter
	codec         *codec.Codec
	listeningPort int
	policy        backoff.Policy
	logger        *slog.Logger
	onDowngrade   func()

	state  atomic.Int32
	replID atomic.Value // string
	offset atomic.Int64

	events chan event.Event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Option configures a Driver.
type Option func(*Driver)

// WithListeningPort sets the port advertised in REPLCONF
// listening-port; defaults to 0 (this module never accepts inbound
// replication connections itself, only this handshake field).
func WithListeningPort(port int) Option {
	return func(d *Driver) { d.listeningPort = port }
}

// WithPolicy overrides the default exponential backoff policy used
// between reconnect attempts.
func WithPolicy(p backoff.Policy) Option {
	return func(d *Driver) {
		if p != nil {
			d.policy = p
		}
	}
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithOnDowngrade registers a callback fired once three consecutive
// handshakes fail with an unrecognized reply. The engine wires this
// to swap itself over to the scan driver.
func WithOnDowngrade(f func()) Option {
	return func(d *Driver) { d.onDowngrade = f }
}

// New builds a PSYNC Driver.
func New(source *redis.Client, f *filter.Filter, c *codec.Codec, opts ...Option) *Driver {
	d := &Driver{
		source: source,
		filter: f,
		codec:  c,
		policy: backoff.NewExponential(),
		logger: slog.Default(),
		events: make(chan event.Event, 256),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	d.replID.Store("")
	d.offset.Store(-1)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Events() <-chan event.Event { return d.events }

// State reports the driver's current position in the state machine.
func (d *Driver) State() State { return State(d.state.Load()) }

// Offset reports the last acknowledged replication offset.
func (d *Driver) Offset() int64 { return d.offset.Load() }

func (d *Driver) setState(s State) { d.state.Store(int32(s)) }

// Start launches the handshake/streaming loop in the background.
func (d *Driver) Start(ctx context.Context) error {
	go d.run(ctx)
	return nil
}

func (d *Driver) Stop() {
	d.once.Do(func() { close(d.stop) })
	<-d.done
}

func (d *Driver) run(ctx context.Context) {
	defer close(d.events)
	defer close(d.done)

	d.setState(StateInit)
	consecutiveFailures := 0
	reconnectAttempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		default:
		}

		err := d.session(ctx)
		if err == nil {
			return // ctx canceled cleanly mid-session
		}
		if errors.Is(err, errStopped) {
			return
		}
		reconnectAttempt++

		if errors.Is(err, ErrUnrecognizedHandshakeReply) {
			consecutiveFailures++
			if consecutiveFailures >= maxHandshakeFailures {
				d.logger.Warn("psync: too many unrecognized handshake replies, downgrading to scan driver",
					slog.Int("attempts", consecutiveFailures))
				if d.onDowngrade != nil {
					d.onDowngrade()
				}
				return
			}
		} else {
			consecutiveFailures = 0
		}

		d.setState(StateBackoff)
		d.logger.Warn("psync: session ended, backing off before reconnect", slog.Any("error", err))

		delay := d.policy.NextDelay(reconnectAttempt)
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-time.After(delay):
		}
	}
}

var errStopped = errors.New("psync: driver stopped")

// session performs one Init→Handshake→(FullResync)→Streaming pass,
// returning the error that ended it (a transport error, a context
// cancellation, or an unrecognized handshake reply).
func (d *Driver) session(ctx context.Context) error {
	d.setState(StateHandshake)

	c, err := dial(d.source)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	replID, _ := d.replID.Load().(string)
	offset := d.offset.Load()

	result, err := c.handshake(d.listeningPort, replID, offset)
	if err != nil {
		return err
	}

	if !result.continueOnly {
		d.setState(StateFullResync)
		if err := d.consumeFullResync(ctx, c); err != nil {
			return fmt.Errorf("full resync: %w", err)
		}
		d.replID.Store(result.replID)
		d.offset.Store(result.offset)
	} else if result.replID != "" {
		d.replID.Store(result.replID)
	}

	d.setState(StateStreaming)
	return d.stream(ctx, c)
}

// consumeFullResync parses the RDB bulk that follows FULLRESYNC
// through the Full-Sync Engine's own parser, emitting one event per
// record exactly as the rdb-sync full-sync strategy does.
func (d *Driver) consumeFullResync(ctx context.Context, c *conn) error {
	payload, _, err := c.readRDBBulk()
	if err != nil {
		return err
	}

	parser := rdb.NewParser(payload)
	if _, err := parser.ReadHeader(); err != nil {
		return fmt.Errorf("RDB header: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, ok, err := parser.Next(ctx)
		if err != nil {
			return fmt.Errorf("RDB record: %w", err)
		}
		if !ok {
			return nil
		}

		if !d.filter.Accept(filter.Probe{Key: rec.Key, RemainingTTL: rec.PTTL}) {
			continue
		}

		fp := recordFingerprint(rec)
		ev := event.FromKeyRecord(rec, d.codec, fp, time.Now())
		select {
		case d.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stream parses inline commands off the replication backlog,
// translating and emitting each one, while a background goroutine
// sends REPLCONF ACK every second using whatever offset is current —
// so heartbeats never stall behind a single oversized command
// (spec.md §9's PSYNC parser note).
func (d *Driver) stream(ctx context.Context, c *conn) error {
	ackCtx, cancelAck := context.WithCancel(ctx)
	defer cancelAck()

	ackErr := make(chan error, 1)
	go func() {
		ackErr <- d.ackLoop(ackCtx, c)
	}()

	// reader.readCommand blocks on the socket with no notion of ctx;
	// closing the connection on cancellation is what actually unsticks
	// it, same as the Connection Supervisor's MarkBroken path.
	closeOnStop := make(chan struct{})
	defer close(closeOnStop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-d.stop:
			c.Close()
		case <-closeOnStop:
		}
	}()

	reader := newRESPReader(c.r)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stop:
			return errStopped
		case err := <-ackErr:
			return fmt.Errorf("ACK loop: %w", err)
		default:
		}

		args, consumed, err := reader.readCommand()
		if err != nil {
			return fmt.Errorf("read command: %w", err)
		}

		events, terr := translate(ctx, d.source, d.codec, args)
		if terr != nil {
			if errors.Is(terr, errUnrecognizedCommand) {
				d.logger.Warn("psync: skipping unrecognized command", slog.Any("error", terr))
			} else {
				d.logger.Warn("psync: command translation failed", slog.Any("error", terr))
			}
		}

		for _, ev := range events {
			if !d.filter.Accept(filter.Probe{Key: ev.Key, RemainingTTL: ev.RemainingTTL}) {
				continue
			}
			select {
			case d.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// Offset advances only once the command is fully parsed and
		// its events handed off, never mid-command.
		d.offset.Add(consumed)
	}
}

func (d *Driver) ackLoop(ctx context.Context, c *conn) error {
	ticker := time.NewTicker(ackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.writeACK(d.offset.Load()); err != nil {
				return err
			}
		}
	}
}

// recordFingerprint builds a Dedup Cache fingerprint for a record
// materialized during FullResync. It only needs to distinguish
// values cheaply, not round-trip them.
func recordFingerprint(rec codec.KeyRecord) fingerprint.Fingerprint {
	var buf []byte
	switch rec.Kind {
	case codec.KindString:
		buf = []byte(rec.String)
	case codec.KindHash:
		for k, v := range rec.Hash {
			buf = append(buf, k...)
			buf = append(buf, v...)
		}
	case codec.KindList, codec.KindSet:
		for _, v := range rec.List {
			buf = append(buf, v...)
		}
		for _, v := range rec.Set {
			buf = append(buf, v...)
		}
	case codec.KindSortedSet:
		for _, z := range rec.ZSet {
			buf = append(buf, fmt.Sprintf("%v:%v;", z.Member, z.Score)...)
		}
	case codec.KindStream:
		for _, m := range rec.Stream {
			buf = append(buf, m.ID...)
		}
	}
	return fingerprint.Of(rec.Key, byte(rec.Kind), buf)
}
