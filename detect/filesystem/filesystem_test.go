package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indexsync.dev/cache"
	"indexsync.dev/detect"
)

func TestNewRequiresRootPath(t *testing.T) {
	_, err := New(detect.Config{}, cache.NewMemoryDedup())
	assert.Error(t, err)
}

func TestListAllFilesWalksRecursively(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("b"), 0o644))

	d, err := New(detect.Config{"root_path": dir}, cache.NewMemoryDedup())
	require.NoError(t, err)

	files, err := d.ListAllFiles(context.Background())
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestLoadFileFallsBackCaseInsensitively(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Report.PDF")
	require.NoError(t, os.WriteFile(path, []byte("contents"), 0o644))

	d, err := New(detect.Config{"root_path": dir}, cache.NewMemoryDedup())
	require.NoError(t, err)

	got, err := d.LoadFile(context.Background(), filepath.Join(dir, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "contents", string(got))
}

func TestStartDetectsCreatedFileOverEventStream(t *testing.T) {
	dir := t.TempDir()

	d, err := New(detect.Config{"root_path": dir}, cache.NewMemoryDedup())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Start(ctx))
	defer d.Stop(context.Background())

	assert.True(t, d.HasEventStream())

	newFile := filepath.Join(dir, "new.txt")
	require.NoError(t, os.WriteFile(newFile, []byte("hello"), 0o644))

	select {
	case msg := <-d.Changes():
		require.Equal(t, detect.MessageEvent, msg.Kind)
		assert.Equal(t, detect.Create, msg.Event.ChangeType)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a create event")
	}
}
