package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indexsync.dev/detect"
	"indexsync.dev/store"
)

type fakeEngine struct {
	mu                  sync.Mutex
	refreshCalls        int
	processedEvents     []detect.ChangeEvent
	refreshErr          error
	processErr          error
	refreshMaxOrdinal   int64
}

func (f *fakeEngine) ProcessEvent(ctx context.Context, ev detect.ChangeEvent, det detect.Detector, configID string, skipGraph bool, fromPeriodicRefresh bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processedEvents = append(f.processedEvents, ev)
	return f.processErr
}

func (f *fakeEngine) PeriodicRefresh(ctx context.Context, det detect.Detector, configID string, skipGraph bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return f.refreshMaxOrdinal, f.refreshErr
}

func (f *fakeEngine) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func (f *fakeEngine) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.processedEvents)
}

type fakeStatusReporter struct {
	mu       sync.Mutex
	statuses []store.SyncStatus
}

func (f *fakeStatusReporter) UpdateSyncStatus(ctx context.Context, configID string, status store.SyncStatus, ordinal *int64, lastError *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStatusReporter) last() store.SyncStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

func (f *fakeStatusReporter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statuses)
}

type fakeWorkerDetector struct {
	hasStream  bool
	changes    chan detect.Message
	startErr   error
	stopErr    error
	startCalls int
	stopCalls  int
	mu         sync.Mutex
}

func (d *fakeWorkerDetector) Start(ctx context.Context) error {
	d.mu.Lock()
	d.startCalls++
	d.mu.Unlock()
	return d.startErr
}
func (d *fakeWorkerDetector) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopCalls++
	d.mu.Unlock()
	return d.stopErr
}
func (d *fakeWorkerDetector) ListAllFiles(ctx context.Context) ([]detect.FileMetadata, error) {
	return nil, nil
}
func (d *fakeWorkerDetector) Changes() <-chan detect.Message {
	if !d.hasStream {
		return nil
	}
	return d.changes
}
func (d *fakeWorkerDetector) SourceType() string  { return "fake" }
func (d *fakeWorkerDetector) HasEventStream() bool { return d.hasStream }
func (d *fakeWorkerDetector) LoadFile(ctx context.Context, path string) ([]byte, error) {
	return nil, fmt.Errorf("not used in these tests")
}

func TestSourceWorkerStartRunsInitialRefreshSynchronously(t *testing.T) {
	eng := &fakeEngine{}
	det := &fakeWorkerDetector{}
	status := &fakeStatusReporter{}
	w := New(store.DataSourceConfig{ConfigID: "cfg1", RefreshIntervalSeconds: 60}, det, eng, status)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop(context.Background())

	assert.Equal(t, 1, eng.refreshCount(), "Start must run one synchronous refresh before returning")
	assert.Equal(t, 1, det.startCalls)
}

func TestSourceWorkerEventLoopProcessesMessagesWhenEventStreamPresent(t *testing.T) {
	eng := &fakeEngine{}
	det := &fakeWorkerDetector{hasStream: true, changes: make(chan detect.Message, 4)}
	status := &fakeStatusReporter{}
	w := New(store.DataSourceConfig{ConfigID: "cfg1", RefreshIntervalSeconds: 60, EnableChangeStream: true}, det, eng, status)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(context.Background())

	det.changes <- detect.Message{Kind: detect.MessageEvent, Event: detect.ChangeEvent{
		ChangeType: detect.Create,
		Metadata:   detect.FileMetadata{Path: "a.txt"},
	}}

	require.Eventually(t, func() bool { return eng.eventCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return status.last() == store.StatusIdle }, time.Second, 5*time.Millisecond)
}

func TestSourceWorkerNoEventLoopWhenChangeStreamDisabledInConfig(t *testing.T) {
	eng := &fakeEngine{}
	det := &fakeWorkerDetector{hasStream: true, changes: make(chan detect.Message, 4)}
	status := &fakeStatusReporter{}
	w := New(store.DataSourceConfig{ConfigID: "cfg1", RefreshIntervalSeconds: 60, EnableChangeStream: false}, det, eng, status)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(context.Background())

	det.changes <- detect.Message{Kind: detect.MessageEvent, Event: detect.ChangeEvent{
		ChangeType: detect.Create,
		Metadata:   detect.FileMetadata{Path: "a.txt"},
	}}

	// Give the (absent) event loop a chance to wrongly consume the message.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, eng.eventCount(), "a detector with a live stream must still not be consumed when enable_change_stream is false")
}

func TestSourceWorkerNoEventLoopWhenDetectorLacksStream(t *testing.T) {
	eng := &fakeEngine{}
	det := &fakeWorkerDetector{hasStream: false}
	status := &fakeStatusReporter{}
	w := New(store.DataSourceConfig{ConfigID: "cfg1", RefreshIntervalSeconds: 60}, det, eng, status)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	w.Stop(context.Background())

	assert.Equal(t, 1, det.stopCalls)
}

func TestSourceWorkerTriggerManualSyncRunsAnExtraRefresh(t *testing.T) {
	eng := &fakeEngine{}
	det := &fakeWorkerDetector{}
	status := &fakeStatusReporter{}
	w := New(store.DataSourceConfig{ConfigID: "cfg1", RefreshIntervalSeconds: 60}, det, eng, status)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(context.Background())

	before := eng.refreshCount()
	w.TriggerManualSync()

	require.Eventually(t, func() bool { return eng.refreshCount() > before }, time.Second, 5*time.Millisecond)
}

func TestSourceWorkerRefreshFailureSetsErrorStatus(t *testing.T) {
	eng := &fakeEngine{refreshErr: fmt.Errorf("boom")}
	det := &fakeWorkerDetector{}
	status := &fakeStatusReporter{}
	w := New(store.DataSourceConfig{ConfigID: "cfg1", RefreshIntervalSeconds: 60}, det, eng, status)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(context.Background())

	assert.Equal(t, store.StatusError, status.last())
}

func TestSourceWorkerStopIsIdempotent(t *testing.T) {
	eng := &fakeEngine{}
	det := &fakeWorkerDetector{}
	status := &fakeStatusReporter{}
	w := New(store.DataSourceConfig{ConfigID: "cfg1", RefreshIntervalSeconds: 60}, det, eng, status)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	w.Stop(context.Background())
	w.Stop(context.Background())

	assert.Equal(t, 1, det.stopCalls, "detector Stop must only be invoked once even if SourceWorker.Stop is called twice")
}

func TestSourceWorkerRefreshIntervalFloor(t *testing.T) {
	eng := &fakeEngine{}
	det := &fakeWorkerDetector{}
	status := &fakeStatusReporter{}
	w := New(store.DataSourceConfig{ConfigID: "cfg1", RefreshIntervalSeconds: 5}, det, eng, status)

	assert.Equal(t, time.Duration(store.MinRefreshIntervalSeconds)*time.Second, w.refreshInterval)
}
