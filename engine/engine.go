// Package engine implements the UpdateEngine of spec §4.5: given one
// ChangeEvent and its owning config_id, it reconciles the three downstream
// index targets and the StateStore, with delete-before-insert semantics for
// modifications and independent per-target failure recovery.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"indexsync.dev/audit"
	"indexsync.dev/detect"
	"indexsync.dev/docproc"
	"indexsync.dev/logging"
	"indexsync.dev/pathutil"
	"indexsync.dev/store"
	"indexsync.dev/target"
)

// Targets bundles the three optional downstream index back-ends. A nil
// field means that target is disabled globally; skip_graph (per-config) is
// applied on top of a non-nil Graph at call time.
type Targets struct {
	Vector target.Target
	Search target.Target
	Graph  target.Target
}

func (t Targets) enabled(skipGraph bool) []target.Target {
	var out []target.Target
	if t.Vector != nil {
		out = append(out, t.Vector)
	}
	if t.Search != nil {
		out = append(out, t.Search)
	}
	if t.Graph != nil && !skipGraph {
		out = append(out, t.Graph)
	}
	return out
}

// Engine is the UpdateEngine. It has no background goroutine: every method
// is invoked synchronously by a SourceWorker and may suspend on detector
// I/O, target I/O, or the state store.
type Engine struct {
	targets   Targets
	states    *store.StateStore
	processor docproc.Processor
	auditLog  *audit.Log
	log       *logging.ContextLogger

	// inFlight enforces "at-most-one in-flight operation per document"
	// (spec §1) by collapsing concurrent calls for the same doc_id into a
	// single execution.
	inFlight singleflight.Group
}

// New constructs an Engine. auditLog may be nil, in which case audit writes
// are silently skipped (best-effort by design).
func New(targets Targets, states *store.StateStore, processor docproc.Processor, auditLog *audit.Log) *Engine {
	return &Engine{
		targets:   targets,
		states:    states,
		processor: processor,
		auditLog:  auditLog,
		log:       logging.Component("engine"),
	}
}

// ProcessBatch applies each event in order for a single config/detector
// pair. SourceWorker does not use it (its event-stream loop calls
// ProcessEvent per message directly). An error on one event never aborts
// the batch (spec §4.5 failure semantics); it is logged and the loop
// continues.
func (e *Engine) ProcessBatch(ctx context.Context, events []detect.ChangeEvent, det detect.Detector, configID string, skipGraph bool) {
	for _, ev := range events {
		if err := e.ProcessEvent(ctx, ev, det, configID, skipGraph, false); err != nil {
			e.log.WithField("config_id", configID).WithError(err).Warn("event processing failed, continuing with next")
		}
	}
}

// ProcessEvent handles one ChangeEvent, serialized per doc_id via
// singleflight so a periodic-refresh-triggered update and an
// event-stream-triggered one for the same document collapse into a single
// execution.
func (e *Engine) ProcessEvent(ctx context.Context, ev detect.ChangeEvent, det detect.Detector, configID string, skipGraph bool, fromPeriodicRefresh bool) error {
	key := e.dedupeKey(ev, configID)
	_, err, _ := e.inFlight.Do(key, func() (interface{}, error) {
		switch ev.ChangeType {
		case detect.Delete:
			return nil, e.handleDelete(ctx, ev, configID, skipGraph)
		default:
			return nil, e.handleCreateOrUpdate(ctx, ev, det, configID, skipGraph, fromPeriodicRefresh)
		}
	})
	return err
}

func (e *Engine) dedupeKey(ev detect.ChangeEvent, configID string) string {
	if ev.Metadata.SourceID != "" {
		return configID + "|sid:" + ev.Metadata.SourceID
	}
	return configID + "|path:" + ev.Metadata.Path
}

// handleDelete implements spec §4.5's DELETE algorithm.
func (e *Engine) handleDelete(ctx context.Context, ev detect.ChangeEvent, configID string, skipGraph bool) error {
	log := e.log.WithFields(map[string]interface{}{"config_id": configID, "path": ev.Metadata.Path})

	state, resolvedBy, err := e.resolveForDelete(ctx, ev, configID)
	if err != nil {
		return fmt.Errorf("failed to resolve doc_id for delete: %w", err)
	}
	if state == nil {
		log.Debug("delete for unknown document, nothing to do")
		if ev.IsModifyDelete && ev.ModifyCallback != nil {
			return ev.ModifyCallback(ctx)
		}
		return nil
	}

	targetID := e.chooseTargetID(ev.Metadata.SourceType, state, resolvedBy)
	var firstErr error
	for _, t := range e.targets.enabled(skipGraph) {
		if err := t.Delete(ctx, targetID); err != nil && !target.IsVersionConflict(err) && !isNotFoundish(err) {
			log.WithField("target", t.Kind()).WithError(err).Warn("target delete failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := e.states.MarkDeleted(ctx, state.DocID); err != nil {
		log.WithError(err).Error("failed to delete document state row")
		if firstErr == nil {
			firstErr = err
		}
	}

	e.auditLog.RecordBestEffort(ctx, audit.Entry{
		ConfigID:  configID,
		DocID:     &state.DocID,
		EventKind: audit.EventDocumentDeleted,
		Detail:    "deleted " + state.SourcePath,
	})

	if ev.IsModifyDelete && ev.ModifyCallback != nil {
		if err := ev.ModifyCallback(ctx); err != nil {
			log.WithError(err).Warn("modify callback (re-add half) failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// resolveForDelete implements step 1: lookup by source_id, then by doc_id
// computed from the event path.
func (e *Engine) resolveForDelete(ctx context.Context, ev detect.ChangeEvent, configID string) (state *store.DocumentState, resolvedBySourceID bool, err error) {
	if ev.Metadata.SourceID != "" {
		s, err := e.states.GetBySourceID(ctx, configID, ev.Metadata.SourceID)
		if err == nil {
			return s, true, nil
		}
		if err != store.ErrNotFound {
			return nil, false, err
		}
	}
	docID := pathutil.MakeDocID(configID, ev.Metadata.Path)
	s, err := e.states.Get(ctx, docID)
	if err == nil {
		return s, false, nil
	}
	if err == store.ErrNotFound {
		return nil, false, nil
	}
	return nil, false, err
}

// chooseTargetID implements step 2: prefer the stable doc_id when the row
// carries both forms; fall back to source_id for legacy rows; filesystem
// always uses doc_id.
func (e *Engine) chooseTargetID(sourceType string, state *store.DocumentState, resolvedBySourceID bool) string {
	if sourceType == string(store.SourceFilesystem) {
		return state.DocID
	}
	_, _, stable := pathutil.SplitDocID(state.DocID)
	if stable && state.SourceID != nil && *state.SourceID != "" {
		return state.DocID
	}
	if state.SourceID != nil && *state.SourceID != "" {
		return *state.SourceID
	}
	return state.DocID
}

func isNotFoundish(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

// handleCreateOrUpdate implements spec §4.5's CREATE/UPDATE algorithm.
func (e *Engine) handleCreateOrUpdate(ctx context.Context, ev detect.ChangeEvent, det detect.Detector, configID string, skipGraph bool, fromPeriodicRefresh bool) error {
	log := e.log.WithFields(map[string]interface{}{"config_id": configID, "path": ev.Metadata.Path})

	docID := pathutil.MakeDocID(configID, ev.Metadata.Path)

	var prior *store.DocumentState
	var err error
	if ev.Metadata.SourceID != "" {
		prior, err = e.states.GetBySourceID(ctx, configID, ev.Metadata.SourceID)
	} else {
		prior, err = e.states.Get(ctx, docID)
	}
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("failed to look up prior state: %w", err)
	}
	if err == store.ErrNotFound {
		prior = nil
	}

	// Step 2: unchanged modified_timestamp means the byte-level content
	// cannot have changed; just bump the ordinal. A rename with no content
	// change still needs source_path refreshed so it doesn't go stale
	// (spec §8 S3: an Alfresco rename is picked up on the next periodic
	// refresh via this path, not via a content re-index). Timestamps are
	// compared at microsecond precision, the precision the state store keeps.
	if prior != nil && prior.ModifiedTimestamp != nil && !ev.Metadata.ModifiedAt.IsZero() &&
		prior.ModifiedTimestamp.UnixMicro() == ev.Metadata.ModifiedAt.UnixMicro() {
		if newPath := ev.Metadata.Display(); newPath != "" && newPath != prior.SourcePath {
			if err := e.states.UpdateSourcePath(ctx, prior.DocID, newPath); err != nil {
				return fmt.Errorf("failed to update source path: %w", err)
			}
		}
		return e.states.UpdateOrdinalOnly(ctx, prior.DocID, store.OrdinalFromTimestamp(ev.Metadata.ModifiedAt))
	}

	// Step 3: periodic refresh defers new documents to a live event stream
	// (filesystem is the exception: it always processes directly).
	if fromPeriodicRefresh && prior == nil && det.HasEventStream() && det.SourceType() != string(store.SourceFilesystem) {
		log.Debug("new document left to the event stream, skipping in periodic refresh")
		return nil
	}

	// Step 4: fetch bytes, decode, hash, and apply the should_process gate.
	raw, err := det.LoadFile(ctx, ev.Metadata.Path)
	if err != nil {
		log.WithError(err).Warn("failed to load file content, skipping")
		return nil
	}
	text := strings.ToValidUTF8(string(raw), "�")
	hash := store.ContentHash(text)

	shouldProcess, reason, err := e.states.ShouldProcess(ctx, docID, ev.Metadata.Ordinal, hash)
	if err != nil {
		return fmt.Errorf("failed to evaluate should_process: %w", err)
	}
	if !shouldProcess {
		log.WithField("reason", string(reason)).Debug("skipping, should_process declined")
		return nil
	}

	// Step 5: assemble parsed documents.
	meta := target.Metadata{
		DocID:      docID,
		ConfigID:   configID,
		SourcePath: ev.Metadata.Display(),
		SourceType: ev.Metadata.SourceType,
		Ordinal:    ev.Metadata.Ordinal,
		MimeType:   ev.Metadata.MimeType,
		SizeBytes:  ev.Metadata.SizeBytes,
		Extra:      ev.Metadata.Extra,
	}
	parsed, err := e.processor.Process(ctx, raw, meta)
	if err != nil {
		log.WithError(err).Warn("document processing failed, skipping")
		return nil
	}

	// Step 6: if any target already holds this doc_id, delete it first.
	alreadyIndexed := prior != nil && (prior.VectorSyncedAt != nil || prior.SearchSyncedAt != nil || prior.GraphSyncedAt != nil)
	if !alreadyIndexed && e.targets.Vector != nil {
		if ok, err := e.targets.Vector.Contains(ctx, docID); err == nil && ok {
			alreadyIndexed = true
		}
	}
	if alreadyIndexed {
		for _, t := range e.targets.enabled(skipGraph) {
			if err := t.Delete(ctx, docID); err != nil && !target.IsVersionConflict(err) && !isNotFoundish(err) {
				log.WithField("target", t.Kind()).WithError(err).Warn("pre-upsert delete failed")
			}
		}
	}

	// Step 7 + 8: upsert into each enabled target, marking independently.
	combinedText := joinParsed(parsed)
	newState := &store.DocumentState{
		DocID:             docID,
		ConfigID:          configID,
		SourcePath:        meta.SourcePath,
		Ordinal:           ev.Metadata.Ordinal,
		ContentHash:       &hash,
		ModifiedTimestamp: modifiedPtr(ev.Metadata.ModifiedAt),
	}
	if ev.Metadata.SourceID != "" {
		sid := ev.Metadata.SourceID
		newState.SourceID = &sid
	} else if prior != nil {
		newState.SourceID = prior.SourceID
	}
	if err := e.states.Save(ctx, newState); err != nil {
		return fmt.Errorf("failed to save document state: %w", err)
	}

	var firstErr error
	for _, t := range e.targets.enabled(skipGraph) {
		if err := t.Upsert(ctx, combinedText, meta); err != nil {
			log.WithField("target", t.Kind()).WithError(err).Warn("target upsert failed, will retry next refresh")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := e.states.MarkTargetSynced(ctx, docID, t.Kind()); err != nil {
			log.WithField("target", t.Kind()).WithError(err).Warn("failed to mark target synced")
		}
	}

	e.auditLog.RecordBestEffort(ctx, audit.Entry{
		ConfigID:  configID,
		DocID:     &docID,
		EventKind: audit.EventDocumentApplied,
		Detail:    "applied " + meta.SourcePath,
	})

	return firstErr
}

func modifiedPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	out := t
	return &out
}

func joinParsed(docs []docproc.ParsedDocument) string {
	if len(docs) == 1 {
		return docs[0].Text
	}
	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(d.Text)
	}
	return b.String()
}

// PeriodicRefresh implements spec §4.5's periodic_refresh: it lists the
// detector's full inventory, diffs it against the stored state for
// configID, synthesizes UPDATE events for every present item and DELETE
// events for every item no longer present, and returns the maximum ordinal
// observed (0 if the inventory was empty).
func (e *Engine) PeriodicRefresh(ctx context.Context, det detect.Detector, configID string, skipGraph bool) (int64, error) {
	files, err := det.ListAllFiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list files: %w", err)
	}

	present := make(map[string]struct{}, len(files))
	var maxOrdinal int64

	for _, f := range files {
		key := f.SourceID
		if key == "" {
			key = f.Path
		}
		present[key] = struct{}{}
		if f.Ordinal > maxOrdinal {
			maxOrdinal = f.Ordinal
		}
		ev := detect.ChangeEvent{
			ChangeType: detect.Update,
			Metadata:   f,
			Timestamp:  time.Now(),
		}
		if err := e.ProcessEvent(ctx, ev, det, configID, skipGraph, true); err != nil {
			e.log.WithField("config_id", configID).WithField("path", f.Path).WithError(err).
				Warn("periodic refresh failed for document, continuing")
		}
	}

	existing, err := e.states.GetAllForConfig(ctx, configID)
	if err != nil {
		return maxOrdinal, fmt.Errorf("failed to list existing state: %w", err)
	}
	for _, s := range existing {
		key := ""
		if s.SourceID != nil {
			key = *s.SourceID
		}
		if key == "" {
			_, path, ok := pathutil.SplitDocID(s.DocID)
			if ok {
				key = path
			}
		}
		if _, ok := present[key]; ok {
			continue
		}
		ev := detect.ChangeEvent{
			ChangeType: detect.Delete,
			Metadata: detect.FileMetadata{
				SourceType: det.SourceType(),
				Path:       func() string { _, p, _ := pathutil.SplitDocID(s.DocID); return p }(),
				SourceID:   derefString(s.SourceID),
			},
			Timestamp: time.Now(),
		}
		if err := e.ProcessEvent(ctx, ev, det, configID, skipGraph, true); err != nil {
			e.log.WithField("config_id", configID).WithField("doc_id", s.DocID).WithError(err).
				Warn("periodic refresh deletion failed, continuing")
		}
	}

	return maxOrdinal, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
