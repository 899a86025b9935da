package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDedupResetsOnlyOnProcessedEvent(t *testing.T) {
	d := NewMemoryDedup()
	ctx := context.Background()

	seen, err := d.Seen(ctx, "node-1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, seen, "first sighting is never seen")

	seen, err = d.Seen(ctx, "node-1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, seen, "second arrival within window is dropped")

	time.Sleep(60 * time.Millisecond)
	seen, err = d.Seen(ctx, "node-1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, seen, "after the window elapses the event is accepted again")
}

func TestMemoryDedupForget(t *testing.T) {
	d := NewMemoryDedup()
	ctx := context.Background()

	_, _ = d.Seen(ctx, "node-2", time.Minute)
	d.Forget("node-2")

	seen, err := d.Seen(ctx, "node-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
}
