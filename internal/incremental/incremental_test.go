package incremental

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redisbridge/redisbridge/internal/codec"
	"github.com/redisbridge/redisbridge/internal/filter"
	"github.com/redisbridge/redisbridge/internal/fullsync"
)

func TestScanDriverTickEmitsAcceptedKeys(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "keep:1", "a", 0).Err())
	require.NoError(t, client.Set(ctx, "skip:1", "b", 0).Err())

	f, err := filter.New(filter.Config{IncludePatterns: []string{"keep:*"}})
	require.NoError(t, err)

	d := NewScanDriver(client, f, codec.New(true), time.Minute, 10)

	currentKeys, err := d.tick(ctx, nil)
	require.NoError(t, err)
	assert.Contains(t, currentKeys, "keep:1")
	assert.Contains(t, currentKeys, "skip:1")

	close(d.events)
	var seen []string
	for ev := range d.events {
		seen = append(seen, ev.Key)
	}
	assert.Equal(t, []string{"keep:1"}, seen)
}

func TestScanDriverEmitsTombstoneForDeletedKey(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())

	f, err := filter.New(filter.Config{})
	require.NoError(t, err)
	d := NewScanDriver(client, f, codec.New(true), time.Minute, 10)

	prevKeys, err := d.tick(ctx, nil)
	require.NoError(t, err)
	require.Contains(t, prevKeys, "k")

	require.NoError(t, client.Del(ctx, "k").Err())

	currentKeys, err := d.tick(ctx, prevKeys)
	require.NoError(t, err)
	assert.NotContains(t, currentKeys, "k")

	close(d.events)
	var tombstoned bool
	for ev := range d.events {
		if ev.Key == "k" && ev.Tombstone {
			tombstoned = true
		}
	}
	assert.True(t, tombstoned, "expected a tombstone event for the deleted key")
}

func TestSyncDriverEmitsEventsOnTick(t *testing.T) {
	src, err := miniredis.Run()
	require.NoError(t, err)
	defer src.Close()

	client := redis.NewClient(&redis.Options{Addr: src.Addr()})
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())

	f, err := filter.New(filter.Config{})
	require.NoError(t, err)
	engine := fullsync.New(client, f, codec.New(true), 10)

	d := NewSyncDriver(engine, 20*time.Millisecond)
	require.NoError(t, d.Start(ctx))

	select {
	case ev, ok := <-d.Events():
		require.True(t, ok)
		assert.Equal(t, "k", ev.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sync driver event")
	}

	d.Stop()
}
