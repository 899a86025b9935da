package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisDedupSeenAgainstMiniredis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	d, err := NewRedisDedup(mr.Addr(), "")
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()

	seen, err := d.Seen(ctx, "bucket/foo.pdf", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = d.Seen(ctx, "bucket/foo.pdf", time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRedisDedupWindowExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	d, err := NewRedisDedup(mr.Addr(), "")
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	_, err = d.Seen(ctx, "k", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	seen, err := d.Seen(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.False(t, seen)
}
