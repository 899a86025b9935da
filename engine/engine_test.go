package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indexsync.dev/detect"
	"indexsync.dev/pathutil"
	"indexsync.dev/store"
)

func newTestEngine(t *testing.T, vector, search *fakeTarget) *Engine {
	states := newTestStates(t)
	targets := Targets{Vector: vector, Search: search}
	return New(targets, states, fakeProcessor{}, nil)
}

func TestProcessEventCreateUpsertsIntoEveryEnabledTargetAndMarksSynced(t *testing.T) {
	vector := newFakeTarget("vector")
	search := newFakeTarget("search")
	e := newTestEngine(t, vector, search)
	ctx := context.Background()

	det := &fakeDetector{sourceType: "filesystem", content: map[string]string{"a.txt": "hello world"}}
	ev := detect.ChangeEvent{
		ChangeType: detect.Create,
		Metadata:   detect.FileMetadata{SourceType: "filesystem", Path: "a.txt", Ordinal: 1, ModifiedAt: time.Now()},
	}

	require.NoError(t, e.ProcessEvent(ctx, ev, det, "cfg1", false, false))

	docID := pathutil.MakeDocID("cfg1", "a.txt")
	assert.True(t, vector.has(docID))
	assert.True(t, search.has(docID))
	assert.Equal(t, "hello world", vector.docs[docID])

	state, err := e.states.Get(ctx, docID)
	require.NoError(t, err)
	require.NotNil(t, state.VectorSyncedAt)
	require.NotNil(t, state.SearchSyncedAt)
}

func TestProcessEventSkipGraphOmitsGraphTarget(t *testing.T) {
	vector := newFakeTarget("vector")
	graph := newFakeTarget("graph")
	states := newTestStates(t)
	e := New(Targets{Vector: vector, Graph: graph}, states, fakeProcessor{}, nil)
	ctx := context.Background()

	det := &fakeDetector{sourceType: "filesystem", content: map[string]string{"a.txt": "hello"}}
	ev := detect.ChangeEvent{
		ChangeType: detect.Create,
		Metadata:   detect.FileMetadata{SourceType: "filesystem", Path: "a.txt", Ordinal: 1, ModifiedAt: time.Now()},
	}

	require.NoError(t, e.ProcessEvent(ctx, ev, det, "cfg1", true, false))

	docID := pathutil.MakeDocID("cfg1", "a.txt")
	assert.True(t, vector.has(docID))
	assert.False(t, graph.has(docID), "skip_graph must omit the graph target entirely")
}

func TestProcessEventUpdateDeletesBeforeReupserting(t *testing.T) {
	vector := newFakeTarget("vector")
	e := newTestEngine(t, vector, nil)
	ctx := context.Background()

	det := &fakeDetector{sourceType: "filesystem", content: map[string]string{"a.txt": "v1"}}
	first := detect.ChangeEvent{
		ChangeType: detect.Create,
		Metadata:   detect.FileMetadata{SourceType: "filesystem", Path: "a.txt", Ordinal: 1, ModifiedAt: time.Now()},
	}
	require.NoError(t, e.ProcessEvent(ctx, first, det, "cfg1", false, false))

	det.content["a.txt"] = "v2"
	second := detect.ChangeEvent{
		ChangeType: detect.Update,
		Metadata:   detect.FileMetadata{SourceType: "filesystem", Path: "a.txt", Ordinal: 2, ModifiedAt: time.Now().Add(time.Second)},
	}
	require.NoError(t, e.ProcessEvent(ctx, second, det, "cfg1", false, false))

	docID := pathutil.MakeDocID("cfg1", "a.txt")
	assert.Equal(t, "v2", vector.docs[docID])
	assert.Equal(t, 1, vector.deletes, "the already-indexed document must be deleted once before the re-upsert")
}

func TestProcessEventSameOrdinalIsSkipped(t *testing.T) {
	vector := newFakeTarget("vector")
	e := newTestEngine(t, vector, nil)
	ctx := context.Background()

	det := &fakeDetector{sourceType: "filesystem", content: map[string]string{"a.txt": "v1"}}
	firstModified := time.Now()
	first := detect.ChangeEvent{
		ChangeType: detect.Create,
		Metadata:   detect.FileMetadata{SourceType: "filesystem", Path: "a.txt", Ordinal: 1, ModifiedAt: firstModified},
	}
	require.NoError(t, e.ProcessEvent(ctx, first, det, "cfg1", false, false))
	upsertsAfterFirst := vector.upserts

	// Same ordinal, different modified_timestamp, so the should_process gate
	// (not the step-2 unchanged-timestamp shortcut) is what must decline it.
	second := detect.ChangeEvent{
		ChangeType: detect.Update,
		Metadata:   detect.FileMetadata{SourceType: "filesystem", Path: "a.txt", Ordinal: 1, ModifiedAt: firstModified.Add(time.Millisecond)},
	}
	require.NoError(t, e.ProcessEvent(ctx, second, det, "cfg1", false, false))
	assert.Equal(t, upsertsAfterFirst, vector.upserts, "an unchanged ordinal must not trigger a second upsert")
}

func TestProcessEventRenameWithUnchangedTimestampUpdatesSourcePath(t *testing.T) {
	vector := newFakeTarget("vector")
	e := newTestEngine(t, vector, nil)
	ctx := context.Background()

	det := &fakeDetector{sourceType: "alfresco", content: map[string]string{"node-1": "v1"}}
	modified := time.Now()
	create := detect.ChangeEvent{
		ChangeType: detect.Create,
		Metadata: detect.FileMetadata{
			SourceType: "alfresco", Path: "node-1", SourceID: "node-1",
			DisplayPath: "old/name.txt", Ordinal: 1, ModifiedAt: modified,
		},
	}
	require.NoError(t, e.ProcessEvent(ctx, create, det, "cfg1", false, false))

	rename := detect.ChangeEvent{
		ChangeType: detect.Update,
		Metadata: detect.FileMetadata{
			SourceType: "alfresco", Path: "node-1", SourceID: "node-1",
			DisplayPath: "new/name.txt", Ordinal: 1, ModifiedAt: modified,
		},
	}
	require.NoError(t, e.ProcessEvent(ctx, rename, det, "cfg1", false, false))

	docID := pathutil.MakeDocID("cfg1", "node-1")
	state, err := e.states.Get(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "new/name.txt", state.SourcePath, "a rename with an unchanged modified_timestamp must still update source_path")
}

func TestProcessEventDeleteRemovesStateAndCallsTargetDelete(t *testing.T) {
	vector := newFakeTarget("vector")
	e := newTestEngine(t, vector, nil)
	ctx := context.Background()

	det := &fakeDetector{sourceType: "filesystem", content: map[string]string{"a.txt": "v1"}}
	create := detect.ChangeEvent{
		ChangeType: detect.Create,
		Metadata:   detect.FileMetadata{SourceType: "filesystem", Path: "a.txt", Ordinal: 1, ModifiedAt: time.Now()},
	}
	require.NoError(t, e.ProcessEvent(ctx, create, det, "cfg1", false, false))

	del := detect.ChangeEvent{
		ChangeType: detect.Delete,
		Metadata:   detect.FileMetadata{SourceType: "filesystem", Path: "a.txt"},
	}
	require.NoError(t, e.ProcessEvent(ctx, del, det, "cfg1", false, false))

	docID := pathutil.MakeDocID("cfg1", "a.txt")
	assert.False(t, vector.has(docID))
	_, err := e.states.Get(ctx, docID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessEventDeleteOfUnknownDocumentIsANoOp(t *testing.T) {
	vector := newFakeTarget("vector")
	e := newTestEngine(t, vector, nil)
	ctx := context.Background()

	det := &fakeDetector{sourceType: "filesystem"}
	del := detect.ChangeEvent{
		ChangeType: detect.Delete,
		Metadata:   detect.FileMetadata{SourceType: "filesystem", Path: "never-existed.txt"},
	}
	assert.NoError(t, e.ProcessEvent(ctx, del, det, "cfg1", false, false))
	assert.Equal(t, 0, vector.deletes)
}

func TestPeriodicRefreshDefersBrandNewNonFilesystemDocumentToEventStream(t *testing.T) {
	vector := newFakeTarget("vector")
	e := newTestEngine(t, vector, nil)
	ctx := context.Background()

	det := &fakeDetector{
		sourceType: "s3",
		hasStream:  true,
		allFiles: []detect.FileMetadata{
			{SourceType: "s3", Path: "bucket/new.txt", SourceID: "obj-1", Ordinal: 1, ModifiedAt: time.Now()},
		},
	}

	_, err := e.PeriodicRefresh(ctx, det, "cfg1", false)
	require.NoError(t, err)

	docID := pathutil.MakeDocID("cfg1", "bucket/new.txt")
	assert.False(t, vector.has(docID), "a brand new document must be left to the live event stream, not processed twice")
}

func TestPeriodicRefreshProcessesBrandNewFilesystemDocumentDirectly(t *testing.T) {
	vector := newFakeTarget("vector")
	e := newTestEngine(t, vector, nil)
	ctx := context.Background()

	det := &fakeDetector{
		sourceType: "filesystem",
		hasStream:  true,
		content:    map[string]string{"new.txt": "fresh content"},
		allFiles: []detect.FileMetadata{
			{SourceType: "filesystem", Path: "new.txt", Ordinal: 1, ModifiedAt: time.Now()},
		},
	}

	_, err := e.PeriodicRefresh(ctx, det, "cfg1", false)
	require.NoError(t, err)

	docID := pathutil.MakeDocID("cfg1", "new.txt")
	assert.True(t, vector.has(docID), "filesystem is always processed directly even under periodic refresh")
}

func TestPeriodicRefreshDeletesDocumentsNoLongerPresent(t *testing.T) {
	vector := newFakeTarget("vector")
	e := newTestEngine(t, vector, nil)
	ctx := context.Background()

	det := &fakeDetector{sourceType: "filesystem", content: map[string]string{"gone.txt": "bye"}}
	create := detect.ChangeEvent{
		ChangeType: detect.Create,
		Metadata:   detect.FileMetadata{SourceType: "filesystem", Path: "gone.txt", Ordinal: 1, ModifiedAt: time.Now()},
	}
	require.NoError(t, e.ProcessEvent(ctx, create, det, "cfg1", false, false))

	docID := pathutil.MakeDocID("cfg1", "gone.txt")
	require.True(t, vector.has(docID))

	det.allFiles = nil // nothing present any more
	_, err := e.PeriodicRefresh(ctx, det, "cfg1", false)
	require.NoError(t, err)

	assert.False(t, vector.has(docID))
	_, err = e.states.Get(ctx, docID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessEventTargetUpsertFailureDoesNotBlockStateSave(t *testing.T) {
	vector := newFakeTarget("vector")
	vector.failNext = true
	e := newTestEngine(t, vector, nil)
	ctx := context.Background()

	det := &fakeDetector{sourceType: "filesystem", content: map[string]string{"a.txt": "v1"}}
	ev := detect.ChangeEvent{
		ChangeType: detect.Create,
		Metadata:   detect.FileMetadata{SourceType: "filesystem", Path: "a.txt", Ordinal: 1, ModifiedAt: time.Now()},
	}

	err := e.ProcessEvent(ctx, ev, det, "cfg1", false, false)
	assert.Error(t, err, "a failed upsert should surface as an error to the caller")

	docID := pathutil.MakeDocID("cfg1", "a.txt")
	state, getErr := e.states.Get(ctx, docID)
	require.NoError(t, getErr, "state must still be saved even when a target upsert fails, so the next refresh retries it")
	assert.Nil(t, state.VectorSyncedAt, "a failed target must not be marked synced")
}
