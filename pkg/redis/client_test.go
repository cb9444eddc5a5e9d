package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ara-campus/ara/pkg/config"
)

func TestHashRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewClient(config.RedisConfig{Addr: mr.Addr(), PoolSize: 2})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.HSet(ctx, "corpus:documents", map[string]string{"a": "1", "b": "2"}))
	got, err := c.HGetAll(ctx, "corpus:documents")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, got)

	require.NoError(t, c.HDel(ctx, "corpus:documents", "a"))
	got, err = c.HGetAll(ctx, "corpus:documents")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "2"}, got)

	require.NoError(t, c.Del(ctx, "corpus:documents"))
	got, err = c.HGetAll(ctx, "corpus:documents")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, c.Ping(ctx))
}

func TestNewClientFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := NewClient(config.RedisConfig{Addr: addr})
	assert.Error(t, err)
}
