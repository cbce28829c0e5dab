package fanout

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redisbridge/redisbridge/internal/config"
	"github.com/redisbridge/redisbridge/internal/dedup"
	"github.com/redisbridge/redisbridge/internal/event"
	"github.com/redisbridge/redisbridge/internal/filter"
	"github.com/redisbridge/redisbridge/internal/fingerprint"
	"github.com/redisbridge/redisbridge/internal/health"
	"github.com/redisbridge/redisbridge/internal/session"
)

func endpointFor(t *testing.T, addr string) config.Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.Endpoint{Host: host, Port: port}
}

func newTestTarget(t *testing.T, name, addr string) (*session.Session, *filter.Filter, *health.Monitor) {
	t.Helper()
	ctx := context.Background()
	sess, err := session.New(ctx, name, endpointFor(t, addr))
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	f, err := filter.New(filter.Config{})
	require.NoError(t, err)

	mon := health.New(name, health.WithMaxFailures(2), health.WithRecoveryDelay(50*time.Millisecond))
	return sess, f, mon
}

func setEvent(key, value string) event.Event {
	return event.Event{
		Key:         key,
		Fingerprint: fingerprint.Of(key, 0, []byte(value)),
		Apply: func(ctx context.Context, dst *redis.Client) error {
			return dst.Set(ctx, key, value, 0).Err()
		},
	}
}

func TestDispatchAppliesToAllTargets(t *testing.T) {
	t1, err := miniredis.Run()
	require.NoError(t, err)
	defer t1.Close()
	t2, err := miniredis.Run()
	require.NoError(t, err)
	defer t2.Close()

	cache := dedup.New(100, time.Second)
	d := New(cache, 4)

	sess1, f1, mon1 := newTestTarget(t, "t1", t1.Addr())
	sess2, f2, mon2 := newTestTarget(t, "t2", t2.Addr())
	require.NoError(t, d.AddTarget("t1", sess1, f1, mon1, 10))
	require.NoError(t, d.AddTarget("t2", sess2, f2, mon2, 10))

	d.Dispatch(context.Background(), setEvent("k", "v"))
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, "v", t1.Get("k"))
	assert.Equal(t, "v", t2.Get("k"))
	assert.Equal(t, int64(1), d.Stats("t1").Applied)
	assert.Equal(t, int64(1), d.Stats("t2").Applied)
}

func TestDispatchDedupsRepeatedFingerprint(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cache := dedup.New(100, time.Second)
	d := New(cache, 4)
	sess, f, mon := newTestTarget(t, "t1", mr.Addr())
	require.NoError(t, d.AddTarget("t1", sess, f, mon, 10))

	ev := setEvent("k", "v")
	d.Dispatch(context.Background(), ev)
	d.Dispatch(context.Background(), ev)
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, int64(1), d.Stats("t1").Applied)
}

func TestDispatchSkipsDisabledTarget(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cache := dedup.New(100, time.Second)
	d := New(cache, 4)
	sess, f, mon := newTestTarget(t, "t1", mr.Addr())
	mon.Disable()
	require.NoError(t, d.AddTarget("t1", sess, f, mon, 10))

	d.Dispatch(context.Background(), setEvent("k", "v"))
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, "", mr.Get("k"))
	assert.Equal(t, int64(0), d.Stats("t1").Applied)
	assert.Equal(t, int64(0), d.Stats("t1").Failed)
}

func TestDispatchOnePartialFailureDoesNotBlockOthers(t *testing.T) {
	good, err := miniredis.Run()
	require.NoError(t, err)
	defer good.Close()

	cache := dedup.New(100, time.Second)
	d := New(cache, 4)

	sessGood, fGood, monGood := newTestTarget(t, "good", good.Addr())
	require.NoError(t, d.AddTarget("good", sessGood, fGood, monGood, 10))

	// A target pointed at a closed port: session.New still succeeds
	// against miniredis then the miniredis instance is closed so all
	// subsequent operations fail, simulating a broken target.
	broken, err := miniredis.Run()
	require.NoError(t, err)
	sessBroken, fBroken, monBroken := newTestTarget(t, "broken", broken.Addr())
	broken.Close()
	require.NoError(t, d.AddTarget("broken", sessBroken, fBroken, monBroken, 10))

	d.Dispatch(context.Background(), setEvent("k", "v"))
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, "v", good.Get("k"))
	assert.Equal(t, int64(1), d.Stats("good").Applied)
	assert.GreaterOrEqual(t, d.Stats("broken").Failed, int64(1))
}
