package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is called after a debounced file-system change with either a
// freshly decoded and validated Config, or the error that reload produced
// (in which case the previous Config stays in effect — a bad edit never
// tears down a running engine).
type ReloadFunc func(cfg *Config, err error)

// Watcher reloads a YAML/JSON config file on change and reports the result
// through a callback. Nothing in cmd/redisbridged or internal/engine
// starts a Watcher, so a running engine does not see a reloaded Config.
type Watcher struct {
	path     string
	callback ReloadFunc
	debounce time.Duration

	fsw  *fsnotify.Watcher
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithDebounce overrides the default 100ms debounce window. Editors that
// write a file in several small syscalls would otherwise trigger one
// reload per syscall.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watch starts watching path for changes and invokes cb after each
// debounced write. Call Stop to release the underlying inotify/kqueue
// watch.
func Watch(path string, cb ReloadFunc, opts ...WatchOption) (*Watcher, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	if cb == nil {
		cb = func(*Config, error) {}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		callback: cb,
		debounce: 100 * time.Millisecond,
		fsw:      fsw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			cfg, err := Load(w.path)
			w.callback(cfg, err)
			timerC = nil
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Stop releases the filesystem watch and blocks until the watch goroutine
// has exited. It is not idempotent: call it exactly once, since a second
// call closes an already-closed channel and panics.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
	_ = w.fsw.Close()
}
