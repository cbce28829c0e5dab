package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestMonitorStartsActive(t *testing.T) {
	m := New("target-a")
	assert.Equal(t, Active, m.State())
}

func TestMonitorTripsToCooling(t *testing.T) {
	m := New("target-a", WithMaxFailures(2), WithRecoveryDelay(50*time.Millisecond))

	ctx := context.Background()
	_ = m.Guard(ctx, func() error { return errBoom })
	assert.Equal(t, Active, m.State())

	_ = m.Guard(ctx, func() error { return errBoom })
	assert.Equal(t, Cooling, m.State())
}

func TestMonitorCoolingRejectsWithNonRetryableError(t *testing.T) {
	m := New("target-a", WithMaxFailures(1))

	ctx := context.Background()
	_ = m.Guard(ctx, func() error { return errBoom })
	require.Equal(t, Cooling, m.State())

	err := m.Guard(ctx, func() error { return nil })
	require.Error(t, err)

	var coolingErr *CoolingError
	require.ErrorAs(t, err, &coolingErr)
	assert.False(t, coolingErr.Retryable())
}

func TestMonitorRecoversToActiveOnSuccessfulProbe(t *testing.T) {
	m := New("target-a", WithMaxFailures(1), WithRecoveryDelay(20*time.Millisecond))

	ctx := context.Background()
	_ = m.Guard(ctx, func() error { return errBoom })
	require.Equal(t, Cooling, m.State())

	time.Sleep(30 * time.Millisecond)

	err := m.Guard(ctx, func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Active, m.State())
	assert.EqualValues(t, 0, m.Counts().ConsecutiveFailures)
}

func TestMonitorDisabledSkipsBreakerEntirely(t *testing.T) {
	m := New("target-a")
	m.Disable()
	assert.Equal(t, Disabled, m.State())

	called := false
	err := m.Guard(context.Background(), func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrDisabled)
	assert.False(t, called, "fn must not run when target is disabled")

	m.Enable()
	assert.Equal(t, Active, m.State())
}

func TestMonitorOnStateChangeCallback(t *testing.T) {
	changed := make(chan struct{}, 4)
	m := New("target-a",
		WithMaxFailures(1),
		WithOnStateChange(func(target string, from, to State) {
			if target == "target-a" {
				changed <- struct{}{}
			}
		}),
	)

	_ = m.Guard(context.Background(), func() error { return errBoom })

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("OnStateChange callback not invoked within timeout")
	}
}

func TestRegistryGetIsStableAndLazy(t *testing.T) {
	r := NewRegistry(WithMaxFailures(3))

	a := r.Get("target-a")
	b := r.Get("target-a")
	assert.Same(t, a, b)

	r.Get("target-b")
	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, Active, snap["target-a"])
	assert.Equal(t, Active, snap["target-b"])

	targets := r.Targets()
	assert.ElementsMatch(t, []string{"target-a", "target-b"}, targets)
}
