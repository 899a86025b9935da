package engine

import (
	"context"
	"fmt"
	"sync"

	"indexsync.dev/detect"
	"indexsync.dev/docproc"
	"indexsync.dev/target"
)

// fakeTarget is an in-memory target.Target used to assert upsert/delete
// calls without a real vector/search/graph back-end.
type fakeTarget struct {
	kind target.Kind

	mu       sync.Mutex
	docs     map[string]string // docID -> text
	upserts  int
	deletes  int
	failNext bool
}

func newFakeTarget(kind target.Kind) *fakeTarget {
	return &fakeTarget{kind: kind, docs: make(map[string]string)}
}

func (f *fakeTarget) Kind() target.Kind { return f.kind }

func (f *fakeTarget) Upsert(ctx context.Context, text string, meta target.Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("fake upsert failure")
	}
	f.docs[meta.DocID] = text
	return nil
}

func (f *fakeTarget) Delete(ctx context.Context, docID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.docs, docID)
	return nil
}

func (f *fakeTarget) Contains(ctx context.Context, docID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[docID]
	return ok, nil
}

func (f *fakeTarget) has(docID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[docID]
	return ok
}

// fakeProcessor returns the raw bytes as a single ParsedDocument, untouched.
type fakeProcessor struct{}

func (fakeProcessor) Process(ctx context.Context, raw []byte, meta target.Metadata) ([]docproc.ParsedDocument, error) {
	return []docproc.ParsedDocument{{DocID: meta.DocID, Text: string(raw), Metadata: meta}}, nil
}

func (p fakeProcessor) ProcessPath(ctx context.Context, path string, meta target.Metadata) ([]docproc.ParsedDocument, error) {
	return p.Process(ctx, []byte("contents of "+path), meta)
}

// fakeDetector serves fixed content per path and reports a configurable
// HasEventStream/SourceType, so tests can exercise the periodic-refresh
// new-document-deferral rule (engine.go step 3) for non-filesystem sources.
type fakeDetector struct {
	sourceType   string
	hasStream    bool
	content      map[string]string
	allFiles     []detect.FileMetadata
	loadFailPath string
}

func (d *fakeDetector) Start(ctx context.Context) error { return nil }
func (d *fakeDetector) Stop(ctx context.Context) error  { return nil }
func (d *fakeDetector) ListAllFiles(ctx context.Context) ([]detect.FileMetadata, error) {
	return d.allFiles, nil
}
func (d *fakeDetector) Changes() <-chan detect.Message { return nil }
func (d *fakeDetector) SourceType() string             { return d.sourceType }
func (d *fakeDetector) HasEventStream() bool            { return d.hasStream }
func (d *fakeDetector) LoadFile(ctx context.Context, path string) ([]byte, error) {
	if path == d.loadFailPath {
		return nil, fmt.Errorf("fake load failure for %s", path)
	}
	if c, ok := d.content[path]; ok {
		return []byte(c), nil
	}
	return []byte("default content for " + path), nil
}
