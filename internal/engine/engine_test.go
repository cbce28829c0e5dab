package engine

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redisbridge/redisbridge/internal/config"
)

func endpointFor(t *testing.T, addr string) config.Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.Endpoint{Host: host, Port: port}
}

func baseConfig(t *testing.T, source string, targets ...string) config.Config {
	cfg := config.Config{
		Source: endpointFor(t, source),
		Sync: config.Sync{
			Mode: config.ModeFull,
			FullSync: config.FullSync{
				Strategy:  config.StrategyScan,
				BatchSize: 100,
			},
			IncrementalSync: config.IncrementalSync{
				Driver:   config.DriverScan,
				Interval: time.Second,
			},
		},
		Service: config.Service{
			Failover: config.Failover{MaxFailures: 3, RecoveryDelay: 50 * time.Millisecond},
			Performance: config.Performance{
				MaxWorkers: 4,
			},
		},
	}
	for i, addr := range targets {
		cfg.Targets = append(cfg.Targets, config.Target{
			Name:     "t" + strconv.Itoa(i+1),
			Endpoint: endpointFor(t, addr),
			Enabled:  true,
		})
	}
	return cfg
}

func TestEngineRunFullModeReplicatesExistingKeys(t *testing.T) {
	src, err := miniredis.Run()
	require.NoError(t, err)
	defer src.Close()
	require.NoError(t, src.Set("k", "v"))

	dst, err := miniredis.Run()
	require.NoError(t, err)
	defer dst.Close()

	cfg := baseConfig(t, src.Addr(), dst.Addr())

	ctx := context.Background()
	e, err := New(ctx, cfg, "test-instance", nil)
	require.NoError(t, err)
	defer e.Close(context.Background())

	require.NoError(t, e.Run(ctx))

	assert.Equal(t, "v", dst.Get("k"))
	assert.True(t, e.Status().Snapshot().FullSyncDone)
}

func TestEngineNewRejectsWhenSourceUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := baseConfig(t, addr)

	_, err = New(context.Background(), cfg, "test-instance", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnreachable)
}

func TestEngineIncrementalModeDispatchesScanDriverEvents(t *testing.T) {
	src, err := miniredis.Run()
	require.NoError(t, err)
	defer src.Close()

	dst, err := miniredis.Run()
	require.NoError(t, err)
	defer dst.Close()

	cfg := baseConfig(t, src.Addr(), dst.Addr())
	cfg.Sync.Mode = config.ModeIncremental
	cfg.Sync.IncrementalSync.Enabled = true
	cfg.Sync.IncrementalSync.Interval = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	e, err := New(context.Background(), cfg, "test-instance", nil)
	require.NoError(t, err)
	defer e.Close(context.Background())

	require.NoError(t, src.Set("k", "v"))

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return dst.Get("k") == "v"
	}, time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
