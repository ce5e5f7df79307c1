package redis_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	capredis "ms-registration/internal/capacity/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisIncrement_StopsAtMax(t *testing.T) {
	client, mr := setupTestRedis(t)
	r := capredis.NewRedis(client)
	ctx := context.Background()

	ok, count, err := r.Increment(ctx, "evt", 1, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, count)

	ok, count, err = r.Increment(ctx, "evt", 1, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, count)

	v, err := mr.Get("capacity:evt")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestRedisDecrement_FloorBreach(t *testing.T) {
	client, _ := setupTestRedis(t)
	r := capredis.NewRedis(client)
	ctx := context.Background()

	seeded, err := r.Seed(ctx, "evt", 2)
	require.NoError(t, err)
	require.True(t, seeded)

	count, breach, err := r.Decrement(ctx, "evt", 1)
	require.NoError(t, err)
	assert.False(t, breach)
	assert.Equal(t, 1, count)

	count, breach, err = r.Decrement(ctx, "evt", 2)
	require.NoError(t, err)
	assert.True(t, breach)
	assert.Equal(t, 0, count)

	stored, err := r.Count(ctx, "evt")
	require.NoError(t, err)
	assert.Equal(t, 0, stored)
}

func TestRedisIncrement_Concurrent(t *testing.T) {
	client, _ := setupTestRedis(t)
	r := capredis.NewRedis(client)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := r.Increment(context.Background(), "evt", 1, 10)
			if err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), granted.Load())
	count, err := r.Count(context.Background(), "evt")
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}

func TestRedisCount_Missing(t *testing.T) {
	client, _ := setupTestRedis(t)
	count, err := capredis.NewRedis(client).Count(context.Background(), "none")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRedisSeed_OnlyWritesMissingKeys(t *testing.T) {
	client, mr := setupTestRedis(t)
	r := capredis.NewRedis(client)
	ctx := context.Background()

	require.NoError(t, mr.Set("capacity:live", "4"))

	seeded, err := r.Seed(ctx, "live", 1)
	require.NoError(t, err)
	assert.False(t, seeded)

	seeded, err = r.Seed(ctx, "flushed", 3)
	require.NoError(t, err)
	assert.True(t, seeded)

	live, err := r.Count(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, 4, live)

	// a rebuilt key is enforced against max like any other count
	ok, count, err := r.Increment(ctx, "flushed", 1, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, count)
}
