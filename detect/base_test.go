package detect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indexsync.dev/cache"
)

func newTestBase(debounce time.Duration) *Base {
	return NewBase("test", cache.NewMemoryDedup(), debounce)
}

func TestClassifyCreateNewDocumentPassesThrough(t *testing.T) {
	b := newTestBase(0)
	ev := ChangeEvent{ChangeType: Create, Metadata: FileMetadata{Path: "a.txt", SourceID: "id-1"}}

	out := b.Classify(ev)

	assert.Equal(t, Create, out.ChangeType)
	assert.False(t, out.IsModifyDelete)
}

func TestClassifyCreateKnownDocumentSynthesizesModify(t *testing.T) {
	b := newTestBase(0)
	b.SeedKnownID("id-1")
	ev := ChangeEvent{ChangeType: Create, Metadata: FileMetadata{Path: "a.txt", SourceID: "id-1"}}

	out := b.Classify(ev)

	assert.Equal(t, Delete, out.ChangeType)
	assert.True(t, out.IsModifyDelete)
	require.NotNil(t, out.ModifyCallback)
}

func TestClassifyUpdateUnknownDocumentBecomesCreate(t *testing.T) {
	b := newTestBase(0)
	ev := ChangeEvent{ChangeType: Update, Metadata: FileMetadata{Path: "a.txt", SourceID: "id-1"}}

	out := b.Classify(ev)

	assert.Equal(t, Create, out.ChangeType)
	assert.False(t, out.IsModifyDelete)
}

func TestClassifyUpdateKnownDocumentSynthesizesModify(t *testing.T) {
	b := newTestBase(0)
	b.SeedKnownID("id-1")
	ev := ChangeEvent{ChangeType: Update, Metadata: FileMetadata{Path: "a.txt", SourceID: "id-1"}}

	out := b.Classify(ev)

	assert.Equal(t, Delete, out.ChangeType)
	assert.True(t, out.IsModifyDelete)
}

func TestClassifyDeleteRemovesFromKnownIDs(t *testing.T) {
	b := newTestBase(0)
	b.SeedKnownID("id-1")
	ev := ChangeEvent{ChangeType: Delete, Metadata: FileMetadata{Path: "a.txt", SourceID: "id-1"}}

	out := b.Classify(ev)
	assert.Equal(t, Delete, out.ChangeType)

	// A subsequent CREATE for the same id is now treated as genuinely new.
	again := b.Classify(ChangeEvent{ChangeType: Create, Metadata: FileMetadata{Path: "a.txt", SourceID: "id-1"}})
	assert.Equal(t, Create, again.ChangeType)
	assert.False(t, again.IsModifyDelete)
}

func TestSynthesizedModifyAddCallbackRepublishesOnOwnChannel(t *testing.T) {
	b := newTestBase(0)
	b.SeedKnownID("id-1")
	ev := ChangeEvent{ChangeType: Update, Metadata: FileMetadata{Path: "a.txt", SourceID: "id-1"}}

	out := b.Classify(ev)
	require.NotNil(t, out.ModifyCallback)

	ctx := context.Background()
	require.NoError(t, out.ModifyCallback(ctx))

	msg := <-b.Changes()
	assert.Equal(t, MessageEvent, msg.Kind)
	assert.Equal(t, "a.txt", msg.Event.Metadata.Path)
}

func TestDebounceSuppressesWithinWindow(t *testing.T) {
	b := newTestBase(50 * time.Millisecond)
	ctx := context.Background()

	assert.False(t, b.Debounce(ctx, "id-1"), "first sighting must not be debounced")
	assert.True(t, b.Debounce(ctx, "id-1"), "second sighting within the window must be debounced")

	time.Sleep(75 * time.Millisecond)
	assert.False(t, b.Debounce(ctx, "id-1"), "sighting after the window expires must not be debounced")
}

func TestDebounceDisabledWhenWindowIsZero(t *testing.T) {
	b := newTestBase(0)
	ctx := context.Background()
	assert.False(t, b.Debounce(ctx, "id-1"))
	assert.False(t, b.Debounce(ctx, "id-1"))
}

func TestDiscardStaleBeforeStart(t *testing.T) {
	b := newTestBase(0)
	b.MarkStarted()

	past := b.StartedAt().Add(-time.Hour)
	assert.True(t, b.DiscardStale(past, false))

	future := b.StartedAt().Add(time.Hour)
	assert.False(t, b.DiscardStale(future, false))
}

func TestDiscardStaleSkippedWhenCursorPresent(t *testing.T) {
	b := newTestBase(0)
	b.MarkStarted()
	past := b.StartedAt().Add(-time.Hour)
	assert.False(t, b.DiscardStale(past, true))
}

func TestDiscardStaleZeroTimestampNeverDiscarded(t *testing.T) {
	b := newTestBase(0)
	b.MarkStarted()
	assert.False(t, b.DiscardStale(time.Time{}, false))
}

func TestPublishDropsOldestWhenChannelFull(t *testing.T) {
	b := newTestBase(0)
	ctx := context.Background()

	for i := 0; i < DefaultChannelBuffer+5; i++ {
		id := string(rune('a' + i%26))
		require.NoError(t, b.Publish(ctx, ChangeEvent{ChangeType: Create, Metadata: FileMetadata{Path: id, SourceID: id + "-unique-0"}}))
	}

	assert.Equal(t, DefaultChannelBuffer, len(b.Changes()))
}
