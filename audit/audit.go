// Package audit records an append-only history of accepted state
// transitions (documents applied/deleted, sync-status changes, worker
// lifecycle events), independent of DocumentState, for operational
// forensics. It is write-only from the engine's and orchestrator's
// perspective and queryable only by the operational HTTP surface; losing
// this table does not affect the correctness of any core algorithm.
//
// Grounded in the teacher's GORM-backed log table (db/postgres.go's
// RabbitLog), the one table in this stack for which the teacher reaches
// for gorm.io/gorm instead of hand-written pgx SQL.
package audit

import (
	"context"
	"time"

	"gorm.io/gorm"

	"indexsync.dev/logging"
)

// EventKind names the kind of transition an AuditEntry records.
type EventKind string

const (
	EventSyncStatusChange EventKind = "sync_status_change"
	EventDocumentApplied  EventKind = "document_applied"
	EventDocumentDeleted  EventKind = "document_deleted"
	EventWorkerStarted    EventKind = "worker_started"
	EventWorkerStopped    EventKind = "worker_stopped"
)

// Entry is one row of sync_audit_log.
type Entry struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ConfigID   string    `gorm:"column:config_id;index"`
	DocID      *string   `gorm:"column:doc_id"`
	EventKind  EventKind `gorm:"column:event_kind"`
	Detail     string    `gorm:"column:detail"`
	OccurredAt time.Time `gorm:"column:occurred_at"`
}

func (Entry) TableName() string { return "sync_audit_log" }

// Log appends Entries via GORM's AutoMigrate-managed table.
type Log struct {
	db  *gorm.DB
	log *logging.ContextLogger
}

// Open wraps an already-connected *gorm.DB and auto-migrates the table.
func Open(db *gorm.DB) (*Log, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &Log{db: db, log: logging.Component("audit")}, nil
}

// Record appends one entry. Callers treat failures as best-effort: a failed
// audit write never blocks or reverses the operation it describes.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	return l.db.WithContext(ctx).Create(&e).Error
}

// RecordBestEffort calls Record and swallows any error after logging it, the
// shape every caller in engine and orchestrator actually uses.
func (l *Log) RecordBestEffort(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	if err := l.Record(ctx, e); err != nil {
		l.log.WithError(err).Warn("failed to write audit entry")
	}
}

// Recent returns the most recent entries for a config, newest first,
// consumed only by the operational HTTP surface.
func (l *Log) Recent(ctx context.Context, configID string, limit int) ([]Entry, error) {
	var out []Entry
	q := l.db.WithContext(ctx).Order("occurred_at DESC")
	if configID != "" {
		q = q.Where("config_id = ?", configID)
	}
	if limit <= 0 {
		limit = 100
	}
	err := q.Limit(limit).Find(&out).Error
	return out, err
}
