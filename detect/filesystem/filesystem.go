// Package filesystem detects local filesystem changes via a recursive
// fsnotify watch rooted at the configured directory, with a 1s debounce on
// CREATE+MODIFY bursts and Windows path case-folding.
package filesystem

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"indexsync.dev/cache"
	"indexsync.dev/detect"
	"indexsync.dev/pathutil"
)

const sourceType = "filesystem"

// Detector watches one root directory recursively.
type Detector struct {
	*detect.Base

	root string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New constructs a filesystem Detector. Recognized connection_params keys:
// "root_path" (required). A "quiet_period_seconds" key is not read, and no
// suppression window beyond the 1s debounce is applied.
func New(cfg detect.Config, dedup cache.Dedup) (*Detector, error) {
	root := cfg.Get("root_path")
	if root == "" {
		return nil, fmt.Errorf("filesystem detector: root_path is required")
	}
	return &Detector{
		Base: detect.NewBase(sourceType, dedup, 1*time.Second),
		root: root,
	}, nil
}

func (d *Detector) SourceType() string { return sourceType }

func (d *Detector) HasEventStream() bool { return d.watcher != nil }

// Start baselines known_ids from a full walk, then opens a recursive
// fsnotify watch over every directory under root.
func (d *Detector) Start(ctx context.Context) error {
	if _, err := os.Stat(d.root); err != nil {
		return fmt.Errorf("filesystem detector: root_path %q not accessible: %w", d.root, err)
	}

	files, err := d.walk()
	if err != nil {
		return fmt.Errorf("filesystem detector: initial walk failed: %w", err)
	}
	for _, f := range files {
		d.SeedKnownID(f.Path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filesystem detector: failed to create watcher: %w", err)
	}
	if err := filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			return watcher.Add(p)
		}
		return nil
	}); err != nil {
		watcher.Close()
		return fmt.Errorf("filesystem detector: failed to register watches: %w", err)
	}
	d.watcher = watcher
	d.done = make(chan struct{})
	d.MarkStarted()

	go d.watchLoop(ctx)
	return nil
}

func (d *Detector) Stop(ctx context.Context) error {
	if d.watcher != nil {
		d.watcher.Close()
		<-d.done
	}
	d.Close()
	return nil
}

func (d *Detector) watchLoop(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handleFSEvent(ctx, ev)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				d.Log().WithError(err).Warn("fsnotify reported an error")
			}
		}
	}
}

func (d *Detector) handleFSEvent(ctx context.Context, ev fsnotify.Event) {
	path := pathutil.NormalizeFilesystemPath(ev.Name)

	if d.Debounce(ctx, path) {
		return
	}

	switch {
	case ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0:
		d.publishDelete(ctx, path)
	case ev.Op&fsnotify.Create != 0:
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			d.watcher.Add(ev.Name)
			return
		}
		d.publishCreateOrUpdate(ctx, ev.Name, path, detect.Create)
	case ev.Op&fsnotify.Write != 0:
		if info, err := os.Stat(ev.Name); err != nil || info.IsDir() {
			return
		}
		d.publishCreateOrUpdate(ctx, ev.Name, path, detect.Update)
	}
}

func (d *Detector) publishDelete(ctx context.Context, path string) {
	_ = d.Publish(ctx, detect.ChangeEvent{
		ChangeType: detect.Delete,
		Metadata:   detect.FileMetadata{SourceType: sourceType, Path: path},
		Timestamp:  time.Now(),
	})
}

func (d *Detector) publishCreateOrUpdate(ctx context.Context, realPath, stablePath string, kind detect.ChangeType) {
	info, err := os.Stat(realPath)
	if err != nil {
		return
	}
	_ = d.Publish(ctx, detect.ChangeEvent{
		ChangeType: kind,
		Metadata: detect.FileMetadata{
			SourceType: sourceType,
			Path:       stablePath,
			Ordinal:    info.ModTime().UnixMicro(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		},
		Timestamp: time.Now(),
	})
}

// ListAllFiles walks root and returns every regular file.
func (d *Detector) ListAllFiles(ctx context.Context) ([]detect.FileMetadata, error) {
	return d.walk()
}

func (d *Detector) walk() ([]detect.FileMetadata, error) {
	var out []detect.FileMetadata
	err := filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		out = append(out, detect.FileMetadata{
			SourceType: sourceType,
			Path:       pathutil.NormalizeFilesystemPath(p),
			Ordinal:    info.ModTime().UnixMicro(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
		return nil
	})
	return out, err
}

// LoadFile reads path directly off disk; path is already in stable form,
// which on POSIX is the real path and on Windows is lowercased, so this
// falls back to a case-insensitive directory scan if the direct read misses.
func (d *Detector) LoadFile(ctx context.Context, path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil {
		return b, nil
	}
	return d.readCaseInsensitive(path)
}

func (d *Detector) readCaseInsensitive(path string) ([]byte, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("filesystem detector: failed to read %q: %w", path, err)
	}
	for _, e := range entries {
		if bytes.EqualFold([]byte(e.Name()), []byte(base)) {
			return os.ReadFile(filepath.Join(dir, e.Name()))
		}
	}
	return nil, fmt.Errorf("filesystem detector: %q not found", path)
}
