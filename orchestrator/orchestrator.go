// Package orchestrator watches ConfigStore for active DataSourceConfig rows
// and keeps exactly one running SourceWorker per config_id, starting,
// stopping, and restarting workers as rows are inserted, updated, or
// deactivated.
//
// Grounded in the teacher's coordinator.Coordinator: a context/cancel/
// WaitGroup-driven lifecycle object holding a live connection (there, a
// WebSocket; here, ConfigStore.Watch) and dispatching to handlers keyed by
// an enum (there, MessageType; here, store.WatchOp).
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"indexsync.dev/audit"
	"indexsync.dev/detect"
	"indexsync.dev/engine"
	"indexsync.dev/logging"
	"indexsync.dev/store"
	"indexsync.dev/worker"
)

// maxConcurrentStops bounds how many SourceWorker.Stop calls run
// concurrently during stopAll, so shutting down a process monitoring many
// sources doesn't open an unbounded burst of detector teardown goroutines.
const maxConcurrentStops = 8

// DetectorFactory builds a fresh, unstarted Detector for cfg. Registered
// once per SourceType at startup by whatever assembles the process.
type DetectorFactory func(cfg store.DataSourceConfig) (detect.Detector, error)

// Orchestrator is the top-level lifecycle owner of every running
// SourceWorker in the process.
type Orchestrator struct {
	configs    *store.ConfigStore
	engine     *engine.Engine
	auditLog   *audit.Log
	factories  map[store.SourceType]DetectorFactory
	watchEvery int // seconds; 0 uses ConfigStore's default

	log *logging.ContextLogger

	mu      sync.Mutex
	workers map[string]*worker.SourceWorker

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs an Orchestrator. factories must have an entry for every
// SourceType the caller intends to activate; a config whose source_type has
// no registered factory is logged and skipped, not fatal to the process.
func New(configs *store.ConfigStore, eng *engine.Engine, auditLog *audit.Log, factories map[store.SourceType]DetectorFactory) *Orchestrator {
	return &Orchestrator{
		configs:   configs,
		engine:    eng,
		auditLog:  auditLog,
		factories: factories,
		log:       logging.Component("orchestrator"),
		workers:   make(map[string]*worker.SourceWorker),
	}
}

// Run starts watching ConfigStore and blocks until ctx is cancelled, then
// stops every running worker before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)
	defer o.cancel()

	events := o.configs.Watch(o.ctx, 0)

	// Seed the current active set on startup, same as one Watch tick would,
	// so a process restart doesn't wait a full poll interval to pick configs
	// already marked active.
	active, err := o.configs.ListActive(o.ctx)
	if err != nil {
		return fmt.Errorf("failed to list active configs at startup: %w", err)
	}
	for _, cfg := range active {
		o.startWorker(o.ctx, *cfg)
	}

	for {
		select {
		case <-o.ctx.Done():
			o.stopAll()
			return nil
		case ev, ok := <-events:
			if !ok {
				o.stopAll()
				return nil
			}
			o.handle(o.ctx, ev)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev store.WatchEvent) {
	switch ev.Op {
	case store.WatchInsert:
		if ev.Config != nil {
			o.startWorker(ctx, *ev.Config)
		}
	case store.WatchUpdate:
		o.stopWorker(ev.ConfigID)
		if ev.Config != nil {
			o.startWorker(ctx, *ev.Config)
		}
	case store.WatchDelete:
		o.stopWorker(ev.ConfigID)
	}
}

func (o *Orchestrator) startWorker(ctx context.Context, cfg store.DataSourceConfig) {
	factory, ok := o.factories[cfg.SourceType]
	if !ok {
		o.log.WithField("config_id", cfg.ConfigID).WithField("source_type", cfg.SourceType).
			Warn("no detector factory registered for source type, skipping")
		return
	}
	det, err := factory(cfg)
	if err != nil {
		o.log.WithField("config_id", cfg.ConfigID).WithError(err).Warn("failed to construct detector, skipping")
		return
	}

	w := worker.New(cfg, det, o.engine, o.configs)

	o.mu.Lock()
	if existing, ok := o.workers[cfg.ConfigID]; ok {
		o.mu.Unlock()
		existing.Stop(ctx)
		o.mu.Lock()
	}
	o.workers[cfg.ConfigID] = w
	o.mu.Unlock()

	if err := w.Start(ctx); err != nil {
		o.log.WithField("config_id", cfg.ConfigID).WithError(err).Warn("failed to start worker")
		o.mu.Lock()
		delete(o.workers, cfg.ConfigID)
		o.mu.Unlock()
		return
	}

	o.auditLog.RecordBestEffort(ctx, audit.Entry{
		ConfigID:  cfg.ConfigID,
		EventKind: audit.EventWorkerStarted,
		Detail:    fmt.Sprintf("started worker for %s (%s)", cfg.SourceName, cfg.SourceType),
	})
	o.log.WithField("config_id", cfg.ConfigID).Info("worker started")
}

func (o *Orchestrator) stopWorker(configID string) {
	o.mu.Lock()
	w, ok := o.workers[configID]
	if ok {
		delete(o.workers, configID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	w.Stop(o.ctx)
	o.auditLog.RecordBestEffort(o.ctx, audit.Entry{
		ConfigID:  configID,
		EventKind: audit.EventWorkerStopped,
		Detail:    "worker stopped",
	})
	o.log.WithField("config_id", configID).Info("worker stopped")
}

// stopAll shuts down every running worker, bounding concurrency with
// errgroup so a process watching hundreds of sources doesn't tear them all
// down in one unbounded fan-out.
func (o *Orchestrator) stopAll() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.workers))
	for id := range o.workers {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentStops)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			o.stopWorker(id)
			return nil
		})
	}
	_ = g.Wait()
}

// TriggerManualSync requests an immediate refresh for one running worker. It
// returns false if no worker is currently running for configID.
func (o *Orchestrator) TriggerManualSync(configID string) bool {
	o.mu.Lock()
	w, ok := o.workers[configID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	w.TriggerManualSync()
	return true
}

// TriggerManualSyncAll requests an immediate refresh for every running
// worker, used by the "sync all configs" HTTP endpoint.
func (o *Orchestrator) TriggerManualSyncAll() int {
	o.mu.Lock()
	workers := make([]*worker.SourceWorker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.mu.Unlock()
	for _, w := range workers {
		w.TriggerManualSync()
	}
	return len(workers)
}

// Running reports whether a worker is currently active for configID, used
// by the status endpoint.
func (o *Orchestrator) Running(configID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.workers[configID]
	return ok
}
