package status

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySnapshotReflectsRecordedCounters(t *testing.T) {
	r := New("inst-1")
	r.RegisterTarget("t1")
	r.SetSourceState("connected")
	r.SetDriverState("streaming")
	r.SetPSyncOffset(42)
	r.SetFullSyncComplete(true)

	r.RecordApplied("t1")
	r.RecordApplied("t1")
	r.RecordFailed("t1", errors.New("boom"))
	r.SetTargetState("t1", "cooling")

	snap := r.Snapshot()
	assert.Equal(t, "inst-1", snap.InstanceID)
	assert.Equal(t, "connected", snap.SourceState)
	assert.Equal(t, "streaming", snap.DriverState)
	assert.Equal(t, int64(42), snap.PSyncOffset)
	assert.True(t, snap.FullSyncDone)

	require.Len(t, snap.Targets, 1)
	got := snap.Targets[0]
	assert.Equal(t, "t1", got.Name)
	assert.Equal(t, "cooling", got.State)
	assert.Equal(t, int64(2), got.Applied)
	assert.Equal(t, int64(1), got.Failed)
	assert.Equal(t, "boom", got.LastError)
}

func TestRegistryRecordAppliedResetsConsecutiveFailures(t *testing.T) {
	r := New("inst-1")
	r.RegisterTarget("t1")
	r.RecordFailed("t1", errors.New("x"))
	r.RecordFailed("t1", errors.New("x"))
	r.RecordApplied("t1")

	snap := r.Snapshot()
	require.Len(t, snap.Targets, 1)
	assert.Equal(t, int64(0), snap.Targets[0].ConsecutiveFailures)
}

func TestServerStatusEndpointServesJSONSnapshot(t *testing.T) {
	r := New("inst-1")
	r.RegisterTarget("t1")
	r.RecordApplied("t1")

	srv := NewServer(r, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Targets, 1)
	assert.Equal(t, int64(1), snap.Targets[0].Applied)
}

func TestServerMetricsEndpointServesPrometheusExposition(t *testing.T) {
	r := New("inst-1")
	r.RegisterTarget("t1")
	r.RecordApplied("t1")

	srv := NewServer(r, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "redisbridge_target_applied_total")
}

type fakeEnabler struct {
	enabled []string
	err     error
}

func (f *fakeEnabler) EnableTarget(name string) error {
	if f.err != nil {
		return f.err
	}
	f.enabled = append(f.enabled, name)
	return nil
}

func TestServerCooldownEndpointCallsEnabler(t *testing.T) {
	r := New("inst-1")
	r.RegisterTarget("t1")
	fe := &fakeEnabler{}

	srv := NewServer(r, fe)

	req := httptest.NewRequest(http.MethodPost, "/targets/t1/cooldown", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"t1"}, fe.enabled)
}

func TestServerCooldownEndpointWithoutEnablerReturnsNotImplemented(t *testing.T) {
	r := New("inst-1")
	srv := NewServer(r, nil)

	req := httptest.NewRequest(http.MethodPost, "/targets/t1/cooldown", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServerCooldownEndpointUnknownTarget(t *testing.T) {
	r := New("inst-1")
	fe := &fakeEnabler{err: ErrUnknownTarget}
	srv := NewServer(r, fe)

	req := httptest.NewRequest(http.MethodPost, "/targets/ghost/cooldown", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
