package session

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

func endpointFor(addr string) config.Endpoint {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	return config.Endpoint{Host: host, Port: port, SocketTimeout: time.Second, SocketConnectTimeout: time.Second}
}

func TestNewConnectsAndPings(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s, err := New(context.Background(), "source", endpointFor(mr.Addr()))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, StateConnected, s.State())

	client, err := s.Acquire()
	require.NoError(t, err)
	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestMarkBrokenTriggersReconnect(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s, err := New(context.Background(), "source", endpointFor(mr.Addr()))
	require.NoError(t, err)
	defer s.Close()

	before, err := s.Acquire()
	require.NoError(t, err)

	s.MarkBroken()

	require.Eventually(t, func() bool {
		after, err := s.Acquire()
		return err == nil && after != before && s.State() == StateConnected
	}, time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotentAndRejectsAcquire(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s, err := New(context.Background(), "source", endpointFor(mr.Addr()))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Acquire()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistryOpenSkipsDisabledTargets(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := config.Config{
		Source: endpointFor(mr.Addr()),
		Targets: []config.Target{
			{Name: "t1", Endpoint: endpointFor(mr.Addr()), Enabled: true},
			{Name: "t2", Endpoint: endpointFor(mr.Addr()), Enabled: false},
		},
	}

	reg, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer reg.Close()

	assert.NotNil(t, reg.Target("t1"))
	assert.Nil(t, reg.Target("t2"))
	assert.Len(t, reg.Targets(), 1)
}
