// Package runsvc coordinates the concurrent lifetime of the engine's
// long-running services — the source supervisor, the incremental driver,
// the fan-out dispatcher, the status HTTP surface — on top of errgroup and
// context.WithCancelCause, mirroring the teacher's xrun package.
package runsvc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNilFunc is returned by Go when fn is nil.
var ErrNilFunc = errors.New("runsvc: nil service func")

// ErrNilService is returned when a nil Service is registered with RunServices.
var ErrNilService = errors.New("runsvc: nil service")

// ErrSignal identifies a shutdown caused by an OS signal via errors.Is.
var ErrSignal = errors.New("runsvc: received signal")

// SignalError carries the specific signal that triggered shutdown.
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	if e.Signal == nil {
		return "runsvc: received signal <nil>"
	}
	return "runsvc: received signal " + e.Signal.String()
}

func (e *SignalError) Is(target error) bool { return target == ErrSignal }
func (e *SignalError) Unwrap() error        { return ErrSignal }

// DefaultSignals returns the signal set every entry point in this module
// shuts down on. SIGHUP is included deliberately — a dropped controlling
// terminal should stop the replicator rather than leave it orphaned.
func DefaultSignals() []os.Signal {
	return []os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}
}

// Option configures a Group.
type Option func(*groupOptions)

type groupOptions struct {
	logger          *slog.Logger
	name            string
	signals         []os.Signal
	noSignalHandler bool
}

func defaultOptions() *groupOptions {
	return &groupOptions{logger: slog.Default(), name: "runsvc"}
}

// WithLogger sets the logger used for service lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *groupOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithName tags log lines with a group name, useful when more than one
// Group is running in the same process (e.g. the status server alongside
// the replication engine).
func WithName(name string) Option {
	return func(o *groupOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithoutSignalHandler disables the automatic signal-driven shutdown so the
// caller can wire its own (used by tests).
func WithoutSignalHandler() Option {
	return func(o *groupOptions) { o.noSignalHandler = true }
}

// Group runs a set of services concurrently and cancels all of them as soon
// as any one returns an error or the parent context is canceled.
//
// Go and Cancel are safe to call from multiple goroutines; Wait should be
// called exactly once.
type Group struct {
	eg       *errgroup.Group
	ctx      context.Context
	causeCtx context.Context
	cancel   context.CancelCauseFunc
	opts     *groupOptions
}

// NewGroup creates a Group derived from ctx (Background if nil).
func NewGroup(ctx context.Context, opts ...Option) (*Group, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	options := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	causeCtx, cancel := context.WithCancelCause(ctx)
	eg, egCtx := errgroup.WithContext(causeCtx)

	return &Group{eg: eg, ctx: egCtx, causeCtx: causeCtx, cancel: cancel, opts: options}, egCtx
}

// Go starts fn in a new goroutine. A non-nil return cancels the rest of the
// group.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.eg.Go(func() error {
		if fn == nil {
			return ErrNilFunc
		}
		return fn(g.ctx)
	})
}

// GoWithName behaves like Go but logs start/stop under name.
func (g *Group) GoWithName(name string, fn func(ctx context.Context) error) {
	g.eg.Go(func() error {
		if fn == nil {
			return ErrNilFunc
		}
		g.opts.logger.Debug("service starting", slog.String("group", g.opts.name), slog.String("service", name))
		err := fn(g.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.opts.logger.Warn("service exited with error",
				slog.String("group", g.opts.name), slog.String("service", name), slog.Any("error", err))
		} else {
			g.opts.logger.Debug("service stopped", slog.String("group", g.opts.name), slog.String("service", name))
		}
		return err
	})
}

// Wait blocks until every registered service has returned, then returns the
// first non-context.Canceled error, preserving an explicit Cancel(cause)
// even when every service exits with nil or plain cancellation.
func (g *Group) Wait() error {
	defer g.cancel(nil)

	err := g.eg.Wait()

	if errors.Is(err, context.Canceled) {
		if g.causeCtx.Err() != nil {
			if cause := context.Cause(g.causeCtx); cause != nil && !errors.Is(cause, context.Canceled) {
				return cause
			}
			return nil
		}
		return err
	}

	if err == nil && g.causeCtx.Err() != nil {
		if cause := context.Cause(g.causeCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
	}

	return err
}

// Cancel stops every service in the group, recording cause as the reason
// Wait will report.
func (g *Group) Cancel(cause error) {
	g.cancel(cause)
}

// Context returns the Group's derived context.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Run wires a signal-driven Group around services and blocks until they all
// exit, returning a *SignalError when shutdown was signal-driven.
func Run(ctx context.Context, opts []Option, services ...func(ctx context.Context) error) error {
	g, _ := NewGroup(ctx, opts...)

	if !g.opts.noSignalHandler {
		signals := g.opts.signals
		if len(signals) == 0 {
			signals = DefaultSignals()
		}
		g.Go(func(ctx context.Context) error {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, signals...)
			defer signal.Stop(sigCh)

			select {
			case sig := <-sigCh:
				g.opts.logger.Info("received signal", slog.String("group", g.opts.name), slog.String("signal", sig.String()))
				g.cancel(&SignalError{Signal: sig})
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	for _, svc := range services {
		g.Go(svc)
	}
	return g.Wait()
}

// HTTPServer wraps an *http.Server as a Group-compatible service func with
// graceful shutdown bounded by shutdownTimeout (0 = wait indefinitely).
func HTTPServer(server *http.Server, shutdownTimeout time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if server == nil {
			return errors.New("runsvc: nil http server")
		}
		shutdownErrCh := make(chan error, 1)
		listenDone := make(chan struct{})

		go func() {
			select {
			case <-ctx.Done():
				shutdownCtx := context.Background()
				if shutdownTimeout > 0 {
					var cancel context.CancelFunc
					shutdownCtx, cancel = context.WithTimeout(shutdownCtx, shutdownTimeout)
					defer cancel()
				}
				shutdownErrCh <- server.Shutdown(shutdownCtx)
			case <-listenDone:
			}
		}()

		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			select {
			case shutdownErr := <-shutdownErrCh:
				return shutdownErr
			case <-ctx.Done():
				return <-shutdownErrCh
			default:
				close(listenDone)
				return nil
			}
		}
		close(listenDone)
		return err
	}
}

// Ticker returns a service func that invokes fn every interval until ctx is
// canceled, optionally firing once immediately.
func Ticker(interval time.Duration, immediate bool, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if interval <= 0 {
			return errors.New("runsvc: interval must be positive")
		}
		if fn == nil {
			return ErrNilFunc
		}
		if immediate {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := fn(ctx); err != nil {
				return err
			}
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				if err := fn(ctx); err != nil {
					return err
				}
			}
		}
	}
}
