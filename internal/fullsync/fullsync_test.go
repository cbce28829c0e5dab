package fullsync

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redisbridge/redisbridge/internal/codec"
	"github.com/redisbridge/redisbridge/internal/event"
	"github.com/redisbridge/redisbridge/internal/filter"
)

func TestRunScanWalkEmitsEveryAcceptedKey(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "keep:1", "a", 0).Err())
	require.NoError(t, client.Set(ctx, "keep:2", "b", 0).Err())
	require.NoError(t, client.Set(ctx, "skip:1", "c", 0).Err())

	f, err := filter.New(filter.Config{IncludePatterns: []string{"keep:*"}})
	require.NoError(t, err)
	c := codec.New(true)
	engine := New(client, f, c, 10)

	var seen []string
	err = engine.Run(ctx, StrategyScan, func(ctx context.Context, ev event.Event) error {
		seen = append(seen, ev.Key)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"keep:1", "keep:2"}, seen)
}

func TestRunScanWalkAppliesEmittedEventsToTarget(t *testing.T) {
	src, err := miniredis.Run()
	require.NoError(t, err)
	defer src.Close()
	dst, err := miniredis.Run()
	require.NoError(t, err)
	defer dst.Close()

	srcClient := redis.NewClient(&redis.Options{Addr: src.Addr()})
	defer srcClient.Close()
	dstClient := redis.NewClient(&redis.Options{Addr: dst.Addr()})
	defer dstClient.Close()

	ctx := context.Background()
	require.NoError(t, srcClient.Set(ctx, "k", "v", 0).Err())

	f, err := filter.New(filter.Config{})
	require.NoError(t, err)
	c := codec.New(true)
	engine := New(srcClient, f, c, 10)

	err = engine.Run(ctx, StrategyScan, func(ctx context.Context, ev event.Event) error {
		return ev.Apply(ctx, dstClient)
	})
	require.NoError(t, err)

	v, err := dstClient.Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestRunUnknownStrategyErrors(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	f, err := filter.New(filter.Config{})
	require.NoError(t, err)
	engine := New(client, f, codec.New(true), 10)

	err = engine.Run(context.Background(), Strategy("bogus"), func(context.Context, event.Event) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
