package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	server := miniredis.RunT(t)
	c, err := NewRedisCache(RedisConfig{Address: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisCacheRoundTrip(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, c.Set(ctx, "key", payload{Name: "n", Count: 3}, time.Minute))

	var out payload
	require.NoError(t, c.Get(ctx, "key", &out))
	assert.Equal(t, "n", out.Name)
	assert.Equal(t, 3, out.Count)
}

func TestRedisCacheGetMissing(t *testing.T) {
	c := newTestRedisCache(t)

	var out string
	err := c.Get(context.Background(), "missing", &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisCacheDelete(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", "value", time.Minute))
	require.NoError(t, c.Delete(ctx, "key"))

	exists, err := c.Exists(ctx, "key")
	require.NoError(t, err)
	assert.False(t, exists)
}
