// Package config defines the validated configuration record consumed by
// the replication engine and the koanf-backed loader that produces it.
//
// The engine never parses files itself: every entry point (cmd/redisbridged,
// tests) builds a Config value through Load or NewFromBytes and passes the
// validated record into the engine. This mirrors the boundary spec.md draws
// between "the core" and its external collaborators.
package config

import "time"

// TLS holds optional TLS parameters for an endpoint connection.
type TLS struct {
	Enabled            bool   `koanf:"enabled"`
	CAFile             string `koanf:"ca_file"`
	CertFile           string `koanf:"cert_file"`
	KeyFile            string `koanf:"key_file"`
	InsecureSkipVerify bool   `koanf:"insecure_skip_verify"`
}

// Endpoint describes a single Redis instance: host, port, database index,
// optional auth/TLS, and the socket-level timeouts the Connection
// Supervisor applies to every operation.
type Endpoint struct {
	Host                 string        `koanf:"host"`
	Port                 int           `koanf:"port"`
	DB                   int           `koanf:"db"`
	Password             string        `koanf:"password"`
	TLS                  *TLS          `koanf:"tls"`
	SocketTimeout        time.Duration `koanf:"socket_timeout"`
	SocketConnectTimeout time.Duration `koanf:"socket_connect_timeout"`
	SocketKeepalive      bool          `koanf:"socket_keepalive"`
}

// Target is one replication destination: a named endpoint plus an enabled
// flag a config reload can flip to Disabled without touching anything else.
type Target struct {
	Name     string   `koanf:"name"`
	Endpoint Endpoint `koanf:"endpoint"`
	Enabled  bool     `koanf:"enabled"`
}

// FullSyncStrategy selects how the Full-Sync Engine materializes the
// source's key space into a target.
type FullSyncStrategy string

const (
	StrategyScan        FullSyncStrategy = "scan"
	StrategySync        FullSyncStrategy = "sync"
	StrategyDumpRestore FullSyncStrategy = "dump_restore"
)

// SyncMode selects whether the engine runs full-sync only, incremental
// only, or full-sync followed by a gated incremental phase.
type SyncMode string

const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
	ModeHybrid      SyncMode = "hybrid"
)

// Driver selects which of the three interchangeable incremental producers
// feeds the dispatcher.
type Driver string

const (
	DriverScan  Driver = "scan"
	DriverSync  Driver = "sync"
	DriverPSync Driver = "psync"
)

// FullSync configures the one-shot materialization phase.
type FullSync struct {
	Strategy    FullSyncStrategy `koanf:"strategy"`
	BatchSize   int              `koanf:"batch_size"`
	PreserveTTL bool             `koanf:"preserve_ttl"`
}

// IncrementalSync configures the ongoing change-propagation phase.
//
// CronExpr is a supplement to spec.md: it is loaded from cron_expr, but
// nothing reads it; the Sync driver always resyncs on the fixed Interval.
type IncrementalSync struct {
	Enabled           bool          `koanf:"enabled"`
	Driver            Driver        `koanf:"driver"`
	Interval          time.Duration `koanf:"interval"`
	MaxChangesPerSync int           `koanf:"max_changes_per_sync"`
	CronExpr          string        `koanf:"cron_expr"`
}

// Sync groups the full-sync and incremental-sync configuration blocks.
type Sync struct {
	Mode            SyncMode        `koanf:"mode"`
	FullSync        FullSync        `koanf:"full_sync"`
	IncrementalSync IncrementalSync `koanf:"incremental_sync"`
}

// Filters configures the pure Key Filter predicate.
type Filters struct {
	IncludePatterns []string      `koanf:"include_patterns"`
	ExcludePatterns []string      `koanf:"exclude_patterns"`
	MinTTL          time.Duration `koanf:"min_ttl"`
	MaxKeySize      int64         `koanf:"max_key_size"`
}

// Retry configures the Connection Supervisor's reconnect backoff.
type Retry struct {
	MaxAttempts   int           `koanf:"max_attempts"`
	BackoffFactor float64       `koanf:"backoff_factor"`
	InitialDelay  time.Duration `koanf:"initial_delay"`
	MaxDelay      time.Duration `koanf:"max_delay"`
}

// Failover configures the per-target Health & Failover Monitor.
type Failover struct {
	Enabled       bool          `koanf:"enabled"`
	MaxFailures   uint32        `koanf:"max_failures"`
	RecoveryDelay time.Duration `koanf:"recovery_delay"`
}

// Performance bounds the Fan-out Dispatcher's concurrency and the
// resource-exhaustion backpressure threshold.
type Performance struct {
	MaxWorkers  int   `koanf:"max_workers"`
	MemoryLimit int64 `koanf:"memory_limit"`
}

// Service groups the cross-cutting retry/failover/performance knobs.
type Service struct {
	Retry       Retry       `koanf:"retry"`
	Failover    Failover    `koanf:"failover"`
	Performance Performance `koanf:"performance"`
}

// Status configures the (ambient, out-of-core) JSON/Prometheus surface.
type Status struct {
	ListenAddr string `koanf:"listen_addr"`
}

// Config is the full validated record consumed by the engine.
type Config struct {
	Source  Endpoint `koanf:"source"`
	Targets []Target `koanf:"targets"`
	Sync    Sync     `koanf:"sync"`
	Filters Filters  `koanf:"filters"`
	Service Service  `koanf:"service"`
	Status  Status   `koanf:"status"`
}

// HealthTick is the interval between supervisor PING health checks
// (spec.md §4.1, default 30s). It is not configured per-deployment in
// spec.md, so it stays a package constant rather than a config field.
const HealthTick = 30 * time.Second

// DedupWindow is the default dedup cache age window (spec.md §4.4).
const DedupWindow = 3 * time.Second

// DedupMaxEntries is the default dedup cache size bound (spec.md §4.4).
const DedupMaxEntries = 10000
