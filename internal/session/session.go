// Package session implements the Connection Supervisor: one
// go-redis client per configured endpoint (source or target), a
// background health-check tick that PINGs outside any breaker path,
// and backoff-driven reconnection when a session is marked broken.
// Per-operation deadlines come from the endpoint's socket_timeout,
// set as the client's read and write timeouts (3s when unset); the
// health-check PING derives its own deadline from the same value via
// context.WithTimeout. Grounded on the teacher's
// pkg/util/xpool worker-pool lifecycle conventions (atomic state,
// context-aware Shutdown) adapted to a single long-lived connection
// instead of a task queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redisbridge/redisbridge/internal/backoff"
	"github.com/redisbridge/redisbridge/internal/config"
)

// State is the Connection Supervisor's view of one session's
// liveness, independent of the Health & Failover Monitor's
// Active/Cooling/Disabled breaker state (internal/health governs
// whether a target is used; this package governs whether its
// connection is currently usable at all).
type State int

const (
	StateConnected State = iota
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Acquire once the session has been Closed.
var ErrClosed = errors.New("session: closed")

// Session supervises one endpoint's *redis.Client across reconnects.
type Session struct {
	name     string
	endpoint config.Endpoint
	retryer  *backoff.Retryer
	logger   *slog.Logger

	mu      sync.RWMutex
	client  *redis.Client
	state   atomic.Int32
	broken  chan struct{}
	closeCh chan struct{}
	once    sync.Once
}

// Option configures a Session.
type Option func(*Session)

// WithRetryer overrides the default reconnect backoff (5 attempts,
// exponential 1s..60s).
func WithRetryer(r *backoff.Retryer) Option {
	return func(s *Session) {
		if r != nil {
			s.retryer = r
		}
	}
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds and connects a Session for endpoint. name identifies the
// session in logs and the status surface (e.g. "source" or a target
// name).
func New(ctx context.Context, name string, endpoint config.Endpoint, opts ...Option) (*Session, error) {
	s := &Session{
		name:     name,
		endpoint: endpoint,
		retryer:  backoff.NewRetryer(),
		logger:   slog.Default(),
		broken:   make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	client, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("session %s: initial connect: %w", name, err)
	}
	s.client = client
	s.state.Store(int32(StateConnected))

	go s.reconnectLoop(context.Background())

	return s, nil
}

func (s *Session) dial(ctx context.Context) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", s.endpoint.Host, s.endpoint.Port),
		DB:           s.endpoint.DB,
		Password:     s.endpoint.Password,
		DialTimeout:  nonZeroOr(s.endpoint.SocketConnectTimeout, 5*time.Second),
		ReadTimeout:  nonZeroOr(s.endpoint.SocketTimeout, 3*time.Second),
		WriteTimeout: nonZeroOr(s.endpoint.SocketTimeout, 3*time.Second),
	}
	if s.endpoint.SocketKeepalive {
		opts.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
			return d.DialContext(ctx, network, addr)
		}
	}
	if s.endpoint.TLS != nil && s.endpoint.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(*s.endpoint.TLS)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsConfig
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func nonZeroOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// Acquire returns the current client, erroring if the session has
// been Closed. The returned client remains valid until the next
// successful reconnect swaps it out; callers should not cache it
// across a MarkBroken/reconnect cycle.
func (s *Session) Acquire() (*redis.Client, error) {
	if State(s.state.Load()) == StateClosed {
		return nil, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, nil
}

// MarkBroken signals the supervisor that the caller observed the
// current connection fail, triggering the backoff-driven reconnect
// loop. Safe to call repeatedly; extra signals while already
// reconnecting are dropped.
func (s *Session) MarkBroken() {
	if State(s.state.Load()) == StateClosed {
		return
	}
	select {
	case s.broken <- struct{}{}:
	default:
	}
}

// State reports the supervisor's current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Name returns the session's identifier.
func (s *Session) Name() string { return s.name }

func (s *Session) reconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(config.HealthTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return

		case <-ticker.C:
			s.healthCheck(ctx)

		case <-s.broken:
			s.state.Store(int32(StateReconnecting))
			s.reconnect(ctx)
		}
	}
}

func (s *Session) healthCheck(ctx context.Context) {
	if State(s.state.Load()) != StateConnected {
		return
	}
	client, err := s.Acquire()
	if err != nil {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, nonZeroOr(s.endpoint.SocketTimeout, 3*time.Second))
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		s.logger.Warn("session: health check ping failed", slog.String("session", s.name), slog.Any("error", err))
		s.MarkBroken()
	}
}

func (s *Session) reconnect(ctx context.Context) {
	err := s.retryer.Do(ctx, func() error {
		client, err := s.dial(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		old := s.client
		s.client = client
		s.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}
		return nil
	})
	if err != nil {
		s.logger.Error("session: reconnect exhausted retries", slog.String("session", s.name), slog.Any("error", err))
		return
	}
	s.state.Store(int32(StateConnected))
	s.logger.Info("session: reconnected", slog.String("session", s.name))
}

// Close shuts down the supervisor and its underlying client. Safe to
// call more than once.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closeCh)
		s.mu.RLock()
		client := s.client
		s.mu.RUnlock()
		if client != nil {
			err = client.Close()
		}
	})
	return err
}
