package psync

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redisbridge/redisbridge/internal/codec"
)

func TestTranslateSetBuildsDirectApplyEvent(t *testing.T) {
	events, err := translate(context.Background(), nil, nil, []string{"SET", "k", "v", "PX", "60000"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "k", events[0].Key)
	assert.Equal(t, 60*time.Second, events[0].RemainingTTL)
}

func TestTranslateDelBuildsTombstones(t *testing.T) {
	events, err := translate(context.Background(), nil, nil, []string{"DEL", "a", "b"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Tombstone)
	assert.True(t, events[1].Tombstone)
}

func TestTranslateFlushAllBuildsSingleTombstone(t *testing.T) {
	events, err := translate(context.Background(), nil, nil, []string{"FLUSHALL"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Tombstone)
}

func TestTranslateUnrecognizedCommandErrors(t *testing.T) {
	_, err := translate(context.Background(), nil, nil, []string{"CLUSTER", "INFO"})
	assert.ErrorIs(t, err, errUnrecognizedCommand)
}

func TestTranslateHSetResyncsCurrentHash(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.HSet(ctx, "h", "f1", "v1", "f2", "v2").Err())

	c := codec.New(true)
	events, err := translate(ctx, client, c, []string{"HSET", "h", "f1", "v1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "h", events[0].Key)
	assert.Equal(t, codec.KindHash, events[0].Kind)

	dst, err := miniredis.Run()
	require.NoError(t, err)
	defer dst.Close()
	dstClient := redis.NewClient(&redis.Options{Addr: dst.Addr()})
	defer dstClient.Close()

	require.NoError(t, events[0].Apply(ctx, dstClient))
	got, err := dstClient.HGetAll(ctx, "h").Result()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, got)
}

func TestTranslateResyncOnVanishedKeyEmitsTombstone(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := codec.New(true)
	events, err := translate(context.Background(), client, c, []string{"SADD", "missing", "m"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Tombstone)
}
