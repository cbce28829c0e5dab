// Package status implements the Status Surface: the atomic counters
// spec.md §6 names (source state, per-target state/applied/failed/
// last-error/consecutive-failures, driver state, PSYNC offset),
// exposed as a JSON snapshot and as Prometheus metrics. Counters are
// updated without ever holding a lock across I/O, per spec.md §5 —
// every field here is either an atomic or a value copied under a
// short-lived mutex, never a call-through to the component it
// describes. Grounded on the teacher's pkg/resilience/xbreaker
// Counts() pattern (read-only snapshot struct over atomics) and the
// prometheus/client_golang usage already pulled in by the teacher's
// dependency pack.
package status

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TargetSnapshot is one target's portion of the status snapshot,
// exactly the fields spec.md §6 names for "per-target".
type TargetSnapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	Applied             int64     `json:"applied"`
	Failed              int64     `json:"failed"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastErrorAt         time.Time `json:"last_error_at,omitempty"`
}

// Snapshot is the full point-in-time status surface spec.md §6
// describes, plus the instance identity SPEC_FULL.md §5 adds.
type Snapshot struct {
	InstanceID   string           `json:"instance_id"`
	SourceState  string           `json:"source_state"`
	DriverState  string           `json:"driver_state"`
	PSyncOffset  int64            `json:"psync_offset"`
	FullSyncDone bool             `json:"full_sync_done"`
	Targets      []TargetSnapshot `json:"targets"`
}

// target holds one target's mutable counters.
type target struct {
	mu          sync.Mutex
	name        string
	state       string
	applied     int64
	failed      int64
	consec      int64
	lastError   string
	lastErrorAt time.Time
}

// Registry aggregates the whole process's status surface: it is the
// single object both the JSON endpoint and the Prometheus collector
// read from.
type Registry struct {
	instanceID string

	mu          sync.Mutex
	sourceState string
	driverState string
	psyncOffset int64
	fullSync    bool
	targets     map[string]*target
	order       []string

	metrics *metrics
}

// New builds an empty Registry for instanceID (typically
// idgen.Generator's stringified instance ID).
func New(instanceID string) *Registry {
	r := &Registry{
		instanceID:  instanceID,
		sourceState: "unknown",
		driverState: "unknown",
		targets:     make(map[string]*target),
	}
	r.metrics = newMetrics(r)
	return r
}

// RegisterTarget adds a target to the snapshot, in the order it was
// registered (so the JSON array order is stable across snapshots).
func (r *Registry) RegisterTarget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[name]; ok {
		return
	}
	r.targets[name] = &target{name: name, state: "active"}
	r.order = append(r.order, name)
}

// SetSourceState records the Connection Supervisor's current view of
// the source session.
func (r *Registry) SetSourceState(state string) {
	r.mu.Lock()
	r.sourceState = state
	r.mu.Unlock()
}

// SetDriverState records the active Incremental Engine driver's
// current state (idle, scanning, handshake, streaming, backoff, ...).
func (r *Registry) SetDriverState(state string) {
	r.mu.Lock()
	r.driverState = state
	r.mu.Unlock()
}

// SetPSyncOffset records the PSYNC driver's last acknowledged
// replication offset; a no-op for the scan and sync drivers.
func (r *Registry) SetPSyncOffset(offset int64) {
	r.mu.Lock()
	r.psyncOffset = offset
	r.mu.Unlock()
}

// SetFullSyncComplete raises the full-sync-complete marker hybrid
// mode gates incremental emission on.
func (r *Registry) SetFullSyncComplete(done bool) {
	r.mu.Lock()
	r.fullSync = done
	r.mu.Unlock()
}

func (r *Registry) target(name string) *target {
	r.mu.Lock()
	t, ok := r.targets[name]
	if !ok {
		t = &target{name: name, state: "active"}
		r.targets[name] = t
		r.order = append(r.order, name)
	}
	r.mu.Unlock()
	return t
}

// RecordApplied increments a target's applied counter and resets its
// consecutive-failure count, mirroring fanout.Dispatcher's own
// bookkeeping so the status surface never drifts from the
// dispatcher's view.
func (r *Registry) RecordApplied(targetName string) {
	t := r.target(targetName)
	t.mu.Lock()
	t.applied++
	t.consec = 0
	t.mu.Unlock()
	r.metrics.applied.WithLabelValues(targetName).Inc()
}

// RecordFailed increments a target's failure counters and records the
// error that caused it.
func (r *Registry) RecordFailed(targetName string, err error) {
	t := r.target(targetName)
	t.mu.Lock()
	t.failed++
	t.consec++
	if err != nil {
		t.lastError = err.Error()
		t.lastErrorAt = time.Now()
	}
	t.mu.Unlock()
	r.metrics.failed.WithLabelValues(targetName).Inc()
}

// SetTargetState records a target's Health & Failover Monitor state
// (active, cooling, disabled).
func (r *Registry) SetTargetState(targetName, state string) {
	t := r.target(targetName)
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
	r.metrics.state.WithLabelValues(targetName).Set(stateValue(state))
}

func stateValue(state string) float64 {
	switch state {
	case "active":
		return 0
	case "cooling":
		return 1
	case "disabled":
		return 2
	default:
		return -1
	}
}

// Snapshot returns a point-in-time copy of the whole status surface.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	snap := Snapshot{
		InstanceID:   r.instanceID,
		SourceState:  r.sourceState,
		DriverState:  r.driverState,
		PSyncOffset:  r.psyncOffset,
		FullSyncDone: r.fullSync,
	}
	order := append([]string(nil), r.order...)
	targets := make(map[string]*target, len(r.targets))
	for k, v := range r.targets {
		targets[k] = v
	}
	r.mu.Unlock()

	for _, name := range order {
		t := targets[name]
		t.mu.Lock()
		snap.Targets = append(snap.Targets, TargetSnapshot{
			Name:                t.name,
			State:               t.state,
			Applied:             t.applied,
			Failed:              t.failed,
			LastError:           t.lastError,
			ConsecutiveFailures: t.consec,
			LastErrorAt:         t.lastErrorAt,
		})
		t.mu.Unlock()
	}
	return snap
}

// MarshalJSON renders the current snapshot directly, so callers can
// pass a *Registry straight to json.Marshal or http.Handler plumbing.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Snapshot())
}

// Collector returns the Prometheus collector feeding
// /metrics; NewServer registers it on its own private registry.
func (r *Registry) Collector() prometheus.Collector {
	return r.metrics
}
