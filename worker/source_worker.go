// Package worker runs one SourceWorker per active DataSourceConfig: a
// periodic-refresh loop and, when the detector supports one, an
// event-stream consumption loop, both driving the same UpdateEngine.
//
// Generalized from the teacher's generic Pool/Worker job-queue abstraction
// (the original worker.Pool managed N generic workers pulling off a shared
// Queue via Start/Stop/stopChan); here each SourceWorker owns exactly two
// fixed named loops instead of a pool of interchangeable job workers, but
// keeps the same lifecycle shape.
package worker

import (
	"context"
	"sync"
	"time"

	"indexsync.dev/detect"
	"indexsync.dev/engine"
	"indexsync.dev/logging"
	"indexsync.dev/store"
)

// Engine is the subset of *engine.Engine a SourceWorker calls through,
// narrowed for testability.
type Engine interface {
	ProcessEvent(ctx context.Context, ev detect.ChangeEvent, det detect.Detector, configID string, skipGraph bool, fromPeriodicRefresh bool) error
	PeriodicRefresh(ctx context.Context, det detect.Detector, configID string, skipGraph bool) (int64, error)
}

var _ Engine = (*engine.Engine)(nil)

// StatusReporter is the subset of *store.ConfigStore a SourceWorker writes
// its own progress to.
type StatusReporter interface {
	UpdateSyncStatus(ctx context.Context, configID string, status store.SyncStatus, ordinal *int64, lastError *string) error
}

// SourceWorker owns one detector instance for the lifetime of one
// DataSourceConfig. The orchestrator creates, starts, and stops exactly one
// per active config_id.
type SourceWorker struct {
	configID string
	cfg      store.DataSourceConfig
	det      detect.Detector
	eng      Engine
	status   StatusReporter
	log      *logging.ContextLogger

	refreshInterval time.Duration
	skipGraph       bool

	manualSync chan struct{}
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New constructs a SourceWorker for cfg, wired to a detector already built
// for cfg's source_type and connection_params by the caller (the
// orchestrator's detector factory).
func New(cfg store.DataSourceConfig, det detect.Detector, eng Engine, status StatusReporter) *SourceWorker {
	interval := time.Duration(cfg.RefreshIntervalSeconds) * time.Second
	if interval < time.Duration(store.MinRefreshIntervalSeconds)*time.Second {
		interval = time.Duration(store.MinRefreshIntervalSeconds) * time.Second
	}
	return &SourceWorker{
		configID:        cfg.ConfigID,
		cfg:             cfg,
		det:             det,
		eng:             eng,
		status:          status,
		log:             logging.Component("worker").WithField("config_id", cfg.ConfigID),
		refreshInterval: interval,
		skipGraph:       cfg.SkipGraph,
		manualSync:      make(chan struct{}, 1),
		stopChan:        make(chan struct{}),
	}
}

// Start connects the detector, runs one synchronous initial refresh so the
// worker reports a populated status as soon as Start returns, then launches
// the periodic-refresh loop and, if the config opts into it and the detector
// has a live event stream, the event-stream consumption loop (spec.md:150 —
// the event stream only ever runs when enable_change_stream is set).
func (w *SourceWorker) Start(ctx context.Context) error {
	if err := w.det.Start(ctx); err != nil {
		return err
	}

	w.runRefresh(ctx)

	w.wg.Add(1)
	go w.refreshLoop(ctx)

	if w.cfg.EnableChangeStream && w.det.HasEventStream() {
		w.wg.Add(1)
		go w.eventLoop(ctx)
	}

	return nil
}

// Stop signals both loops to exit, waits for them, and releases the
// detector. Safe to call once; additional calls are no-ops.
func (w *SourceWorker) Stop(ctx context.Context) {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.wg.Wait()
		if err := w.det.Stop(ctx); err != nil {
			w.log.WithError(err).Warn("detector stop returned an error")
		}
	})
}

// TriggerManualSync requests an out-of-band refresh, coalescing with any
// already-pending request (spec §4.6 trigger_manual_sync).
func (w *SourceWorker) TriggerManualSync() {
	select {
	case w.manualSync <- struct{}{}:
	default:
	}
}

func (w *SourceWorker) refreshLoop(ctx context.Context) {
	defer w.wg.Done()
	defer logging.LogPanic(w.log)

	ticker := time.NewTicker(w.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runRefresh(ctx)
		case <-w.manualSync:
			w.runRefresh(ctx)
		}
	}
}

func (w *SourceWorker) runRefresh(ctx context.Context) {
	w.setStatus(ctx, store.StatusSyncing, nil, nil)

	maxOrdinal, err := w.eng.PeriodicRefresh(ctx, w.det, w.configID, w.skipGraph)
	if err != nil {
		msg := err.Error()
		w.log.WithError(err).Error("periodic refresh failed")
		w.setStatus(ctx, store.StatusError, nil, &msg)
		return
	}

	var ordinalPtr *int64
	if maxOrdinal > 0 {
		ordinalPtr = &maxOrdinal
	}
	w.setStatus(ctx, store.StatusIdle, ordinalPtr, nil)
}

func (w *SourceWorker) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	defer logging.LogPanic(w.log)

	changes := w.det.Changes()
	if changes == nil {
		return
	}
	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-changes:
			if !ok {
				return
			}
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *SourceWorker) handleMessage(ctx context.Context, msg detect.Message) {
	switch msg.Kind {
	case detect.MessageEvent:
		w.setStatus(ctx, store.StatusSyncing, nil, nil)
		if err := w.eng.ProcessEvent(ctx, msg.Event, w.det, w.configID, w.skipGraph, false); err != nil {
			msgStr := err.Error()
			w.log.WithError(err).Warn("event processing failed")
			w.setStatus(ctx, store.StatusError, nil, &msgStr)
			return
		}
		ordinal := msg.Event.Metadata.Ordinal
		var ordinalPtr *int64
		if ordinal > 0 {
			ordinalPtr = &ordinal
		}
		w.setStatus(ctx, store.StatusIdle, ordinalPtr, nil)
	case detect.MessageIdle:
		// nothing to do; an explicit idle tick, not an error.
	case detect.MessageEnd:
		w.log.Info("detector reported end of stream")
	}
	if msg.Err != nil {
		w.log.WithError(msg.Err).Warn("detector reported a non-fatal stream error")
	}
}

func (w *SourceWorker) setStatus(ctx context.Context, status store.SyncStatus, ordinal *int64, lastErr *string) {
	if w.status == nil {
		return
	}
	if err := w.status.UpdateSyncStatus(ctx, w.configID, status, ordinal, lastErr); err != nil {
		w.log.WithError(err).Warn("failed to report sync status")
	}
}
