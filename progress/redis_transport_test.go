package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisTransportPublishAndGet(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()
	ctx := context.Background()

	rt := NewRedisTransport(redisClient, "capq:")
	snap := Snapshot{JobID: "job-1", UserID: "u1", Step: "working", Percent: 42, UpdatedAt: time.Now()}

	require.NoError(t, rt.Publish(ctx, snap, time.Minute))

	got, ok, err := rt.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42, got.Percent)
	assert.Equal(t, "working", got.Step)
}

func TestRedisTransportGetMissingJobIsNotAnError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	rt := NewRedisTransport(redisClient, "capq:")
	_, ok, err := rt.Get(context.Background(), "no-such-job")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisTransportShrinkAllTTLOnlyTouchesProgressKeys(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()
	ctx := context.Background()

	rt := NewRedisTransport(redisClient, "capq:")
	require.NoError(t, rt.Publish(ctx, Snapshot{JobID: "job-1", UserID: "u1", Step: "working", Percent: 10}, time.Hour))
	require.NoError(t, rt.Publish(ctx, Snapshot{JobID: "job-2", UserID: "u2", Step: "working", Percent: 20}, time.Hour))

	n, err := rt.ShrinkAllTTL(ctx, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mr.FastForward(50 * time.Millisecond)

	_, ok, err := rt.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// user_progress keys share the snapshot's own lifetime and are left
	// alone by ShrinkAllTTL; the long original TTL should still be set.
	ttl := redisClient.TTL(ctx, rt.userProgressKey("u2", "job-2")).Val()
	assert.Greater(t, ttl, 30*time.Millisecond)
}

func TestRedisTransportSubscribeReceivesPublishedSnapshot(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()
	ctx := context.Background()

	rt := NewRedisTransport(redisClient, "capq:")
	ch, cancel, err := rt.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, rt.Publish(ctx, Snapshot{JobID: "job-1", Step: "step-1", Percent: 5}, time.Minute))

	select {
	case snap := <-ch:
		assert.Equal(t, "step-1", snap.Step)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive published snapshot")
	}
}
