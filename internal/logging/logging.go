// Package logging builds the structured logger every component in this
// module writes through. It mirrors the teacher's xlog package: a
// single-goroutine Builder assembles options and produces an *slog.Logger,
// with optional rotation to a local file via lumberjack.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Format selects the slog handler used to render records.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ReplaceAttrFunc matches slog.HandlerOptions.ReplaceAttr's signature so
// callers can redact or rename attributes (e.g. stripping endpoint
// passwords before they ever reach a sink).
type ReplaceAttrFunc func(groups []string, a slog.Attr) slog.Attr

// Builder assembles logger configuration. It is not concurrency-safe: build
// the chain on one goroutine, then call Build once, exactly like the
// teacher's xlog.Builder.
type Builder struct {
	output      io.Writer
	level       slog.Leveler
	format      Format
	addSource   bool
	replaceAttr ReplaceAttrFunc
	onError     func(error)
	rotator     *lumberjack.Logger
	instanceID  string
}

// New returns a Builder defaulting to info-level text logging on stderr,
// matching the teacher's zero-value behavior.
func New() *Builder {
	return &Builder{
		output: os.Stderr,
		level:  slog.LevelInfo,
		format: FormatText,
	}
}

// SetOutput overrides the destination writer. Calling SetRotation after
// SetOutput replaces it; calling SetOutput after SetRotation closes the
// previously configured rotator first — last call wins, same as xlog.
func (b *Builder) SetOutput(w io.Writer) *Builder {
	if b.rotator != nil {
		_ = b.rotator.Close()
		b.rotator = nil
	}
	b.output = w
	return b
}

// SetLevel sets the minimum enabled level.
func (b *Builder) SetLevel(l slog.Level) *Builder {
	b.level = l
	return b
}

// SetLevelString parses "debug"/"info"/"warn"/"error" (case-insensitive)
// and falls back to info on an unrecognized value rather than erroring —
// a bad log_level in a config file should never prevent startup.
func (b *Builder) SetLevelString(s string) *Builder {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		b.level = slog.LevelDebug
	case "warn", "warning":
		b.level = slog.LevelWarn
	case "error":
		b.level = slog.LevelError
	default:
		b.level = slog.LevelInfo
	}
	return b
}

// SetFormat selects text or JSON rendering.
func (b *Builder) SetFormat(f Format) *Builder {
	b.format = f
	return b
}

// SetAddSource toggles file:line caller attribution.
func (b *Builder) SetAddSource(v bool) *Builder {
	b.addSource = v
	return b
}

// SetReplaceAttr installs an attribute rewrite hook, e.g. redacting
// endpoint passwords before a record leaves the process.
func (b *Builder) SetReplaceAttr(fn ReplaceAttrFunc) *Builder {
	b.replaceAttr = fn
	return b
}

// SetOnError installs a callback invoked when the underlying handler fails
// to write a record (e.g. disk full). The callback runs with panic
// isolation so a misbehaving hook can never bring the logger down.
func (b *Builder) SetOnError(fn func(error)) *Builder {
	b.onError = fn
	return b
}

// SetRotation routes output through a lumberjack rotator at filename.
// Closing the previously configured rotator (if SetRotation is called
// twice) avoids leaking the prior file handle.
func (b *Builder) SetRotation(filename string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) *Builder {
	if b.rotator != nil {
		_ = b.rotator.Close()
	}
	r := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   compress,
	}
	b.rotator = r
	b.output = r
	return b
}

// WithInstanceID attaches a fixed "instance_id" attribute to every record
// produced by the built logger — the Sonyflake-derived process identity
// (see internal/idgen), so log lines from a fleet of replicator processes
// can be attributed without out-of-band correlation.
func (b *Builder) WithInstanceID(id string) *Builder {
	b.instanceID = id
	return b
}

// Build assembles the final *slog.Logger plus a cleanup func that flushes
// and closes any rotator. Cleanup is always safe to call, even when no
// rotation was configured.
func (b *Builder) Build() (*slog.Logger, func() error, error) {
	if b.output == nil {
		return nil, nil, fmt.Errorf("logging: nil output")
	}

	w := &errIsolatedWriter{w: b.output, onError: b.onError}

	opts := &slog.HandlerOptions{
		AddSource: b.addSource,
		Level:     b.level,
	}
	if b.replaceAttr != nil {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			return b.replaceAttr(groups, a)
		}
	}

	var handler slog.Handler
	switch b.format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	if b.instanceID != "" {
		logger = logger.With(slog.String("instance_id", b.instanceID))
	}

	cleanup := func() error {
		if b.rotator != nil {
			return b.rotator.Close()
		}
		return nil
	}
	return logger, cleanup, nil
}

// errIsolatedWriter recovers from a panicking onError hook so a buggy
// alerting callback can never crash the process it's meant to be
// monitoring, mirroring the teacher's handleError recursion guard.
type errIsolatedWriter struct {
	w       io.Writer
	onError func(error)
	mu      sync.Mutex
}

func (w *errIsolatedWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil && w.onError != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		func() {
			defer func() { recover() }()
			w.onError(err)
		}()
	}
	return n, err
}

// contextKey is unexported so other packages cannot collide with it when
// stashing a logger on a context.Context.
type contextKey struct{}

// Into attaches logger to ctx.
func Into(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// From retrieves the logger attached by Into, falling back to
// slog.Default() so a call site never has to nil-check.
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
