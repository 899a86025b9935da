package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indexsync.dev/target"
)

func seedState(t *testing.T, s *StateStore, d *DocumentState) {
	t.Helper()
	require.NoError(t, s.Save(context.Background(), d))
}

func TestShouldProcessNewDocument(t *testing.T) {
	pool := newTestPool(t)
	s := NewStateStore(pool)
	ctx := context.Background()

	reprocess, reason, err := s.ShouldProcess(ctx, "cfg:new.txt", 1, "hash-a")
	require.NoError(t, err)
	assert.True(t, reprocess)
	assert.Equal(t, ReasonNew, reason)
}

func TestShouldProcessStaleOrdinalIsSkipped(t *testing.T) {
	pool := newTestPool(t)
	s := NewStateStore(pool)
	ctx := context.Background()

	hash := "hash-a"
	seedState(t, s, &DocumentState{DocID: "cfg:stale.txt", ConfigID: "cfg", SourcePath: "stale.txt", Ordinal: 10, ContentHash: &hash})

	reprocess, reason, err := s.ShouldProcess(ctx, "cfg:stale.txt", 5, "hash-b")
	require.NoError(t, err)
	assert.False(t, reprocess)
	assert.Equal(t, ReasonStaleOrdinal, reason)
}

func TestShouldProcessUnchangedOrdinalIsSkipped(t *testing.T) {
	pool := newTestPool(t)
	s := NewStateStore(pool)
	ctx := context.Background()

	hash := "hash-a"
	seedState(t, s, &DocumentState{DocID: "cfg:same.txt", ConfigID: "cfg", SourcePath: "same.txt", Ordinal: 10, ContentHash: &hash})

	reprocess, reason, err := s.ShouldProcess(ctx, "cfg:same.txt", 10, "hash-b")
	require.NoError(t, err)
	assert.False(t, reprocess)
	assert.Equal(t, ReasonUnchangedOrdinal, reason)
}

func TestShouldProcessMissingHashRecentlySyncedFillsInPlace(t *testing.T) {
	pool := newTestPool(t)
	s := NewStateStore(pool)
	ctx := context.Background()

	now := time.Now()
	seedState(t, s, &DocumentState{
		DocID: "cfg:nohash.txt", ConfigID: "cfg", SourcePath: "nohash.txt",
		Ordinal: 1, ContentHash: nil, VectorSyncedAt: &now,
	})

	reprocess, reason, err := s.ShouldProcess(ctx, "cfg:nohash.txt", 2, "hash-new")
	require.NoError(t, err)
	assert.False(t, reprocess)
	assert.Equal(t, ReasonHashFilledInPlace, reason)

	got, err := s.Get(ctx, "cfg:nohash.txt")
	require.NoError(t, err)
	require.NotNil(t, got.ContentHash)
	assert.Equal(t, "hash-new", *got.ContentHash)
	assert.EqualValues(t, 1, got.Ordinal, "ordinal must not be bumped by rule 4")
}

func TestShouldProcessMissingHashStaleSyncProcesses(t *testing.T) {
	pool := newTestPool(t)
	s := NewStateStore(pool)
	ctx := context.Background()

	old := time.Now().Add(-10 * time.Minute)
	seedState(t, s, &DocumentState{
		DocID: "cfg:oldnohash.txt", ConfigID: "cfg", SourcePath: "oldnohash.txt",
		Ordinal: 1, ContentHash: nil, VectorSyncedAt: &old,
	})

	reprocess, reason, err := s.ShouldProcess(ctx, "cfg:oldnohash.txt", 2, "hash-new")
	require.NoError(t, err)
	assert.True(t, reprocess)
	assert.Equal(t, ReasonMissingHash, reason)
}

func TestShouldProcessUnchangedHashBumpsOrdinalInPlace(t *testing.T) {
	pool := newTestPool(t)
	s := NewStateStore(pool)
	ctx := context.Background()

	hash := "stable-hash"
	seedState(t, s, &DocumentState{DocID: "cfg:stable.txt", ConfigID: "cfg", SourcePath: "stable.txt", Ordinal: 1, ContentHash: &hash})

	reprocess, reason, err := s.ShouldProcess(ctx, "cfg:stable.txt", 5, "stable-hash")
	require.NoError(t, err)
	assert.False(t, reprocess)
	assert.Equal(t, ReasonUnchangedHash, reason)

	got, err := s.Get(ctx, "cfg:stable.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 5, got.Ordinal)
}

func TestShouldProcessChangedHashProcesses(t *testing.T) {
	pool := newTestPool(t)
	s := NewStateStore(pool)
	ctx := context.Background()

	hash := "old-hash"
	seedState(t, s, &DocumentState{DocID: "cfg:changed.txt", ConfigID: "cfg", SourcePath: "changed.txt", Ordinal: 1, ContentHash: &hash})

	reprocess, reason, err := s.ShouldProcess(ctx, "cfg:changed.txt", 2, "new-hash")
	require.NoError(t, err)
	assert.True(t, reprocess)
	assert.Equal(t, ReasonChanged, reason)
}

func TestMarkTargetSyncedAndGetSyncStats(t *testing.T) {
	pool := newTestPool(t)
	s := NewStateStore(pool)
	ctx := context.Background()

	seedState(t, s, &DocumentState{DocID: "cfg:a", ConfigID: "cfg", SourcePath: "a", Ordinal: 1})
	seedState(t, s, &DocumentState{DocID: "cfg:b", ConfigID: "cfg", SourcePath: "b", Ordinal: 1})

	require.NoError(t, s.MarkTargetSynced(ctx, "cfg:a", target.KindVector))

	stats, err := s.GetSyncStats(ctx, "cfg")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Total)
	assert.EqualValues(t, 1, stats.VectorSynced)
	assert.EqualValues(t, 0, stats.SearchSynced)

	got, err := s.Get(ctx, "cfg:a")
	require.NoError(t, err)
	assert.True(t, got.VectorSyncedAt != nil)
	assert.False(t, got.AllTargetsSynced())
}

func TestMarkDeletedRemovesRow(t *testing.T) {
	pool := newTestPool(t)
	s := NewStateStore(pool)
	ctx := context.Background()

	seedState(t, s, &DocumentState{DocID: "cfg:gone", ConfigID: "cfg", SourcePath: "gone", Ordinal: 1})
	require.NoError(t, s.MarkDeleted(ctx, "cfg:gone"))

	_, err := s.Get(ctx, "cfg:gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSourcePath(t *testing.T) {
	pool := newTestPool(t)
	s := NewStateStore(pool)
	ctx := context.Background()

	seedState(t, s, &DocumentState{DocID: "cfg:node-1", ConfigID: "cfg", SourcePath: "old/name.txt", Ordinal: 1})

	require.NoError(t, s.UpdateSourcePath(ctx, "cfg:node-1", "new/name.txt"))

	got, err := s.Get(ctx, "cfg:node-1")
	require.NoError(t, err)
	assert.Equal(t, "new/name.txt", got.SourcePath)
	assert.EqualValues(t, 1, got.Ordinal, "UpdateSourcePath must not touch ordinal")
}

func TestGetByPathFallbackIsCaseInsensitive(t *testing.T) {
	pool := newTestPool(t)
	s := NewStateStore(pool)
	ctx := context.Background()

	seedState(t, s, &DocumentState{DocID: "cfg:Report.PDF", ConfigID: "cfg", SourcePath: "Report.PDF", Ordinal: 1})

	got, err := s.GetByPathFallback(ctx, "cfg", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "cfg:Report.PDF", got.DocID)
}
