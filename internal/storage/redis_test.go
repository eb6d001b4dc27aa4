package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/position-monitor/internal/config"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisInvalidationSet(t *testing.T) {
	_, client := setupMiniredis(t)
	ctx := testContext(t)
	set := NewRedisInvalidationSet(client)

	require.NoError(t, set.Mark(ctx, "0xABC"))
	require.NoError(t, set.Mark(ctx, "0xabc"))
	require.NoError(t, set.Mark(ctx, "0xdef"))

	drained, err := set.Drain(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0xabc", "0xdef"}, drained)

	drained, err = set.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, drained)
}

func TestRedisSeenSet(t *testing.T) {
	mr, client := setupMiniredis(t)
	ctx := testContext(t)
	seen := NewRedisSeenSet(client, time.Minute)

	first, err := seen.FirstSeen(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = seen.FirstSeen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, first)

	mr.FastForward(2 * time.Minute)
	first, err = seen.FirstSeen(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, first, "id may be accepted again after the TTL")

	require.NoError(t, seen.Forget(ctx, "evt-1"))
	first, err = seen.FirstSeen(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, first, "a forgotten id is new again")
}

func TestNewRedisClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := &config.RedisConfig{Host: mr.Host(), Port: mr.Port(), MaxConnections: 4}
	client, err := NewRedisClient(cfg)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	mr.Close()
	_, err = NewRedisClient(cfg)
	assert.Error(t, err)
}
