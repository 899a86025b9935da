// Package store persists DataSourceConfig and DocumentState rows in
// PostgreSQL via pgxpool, following the teacher's db/state_store.go idiom of
// hand-written SQL with fmt.Errorf("failed to %s: %w", ...) wrapping rather
// than an ORM (the ORM is reserved for the audit log; see the audit package).
package store

import (
	"fmt"
	"time"
)

// ErrNotFound is returned by single-row lookups that miss.
var ErrNotFound = fmt.Errorf("store: not found")

// ErrInvalidConfig is returned when a DataSourceConfig fails validation
// before being persisted.
var ErrInvalidConfig = fmt.Errorf("store: invalid config")

// SourceType enumerates the nine monitored repository kinds (OneDrive and
// SharePoint share one detector but are separate values).
type SourceType string

const (
	SourceFilesystem SourceType = "filesystem"
	SourceS3         SourceType = "s3"
	SourceGCS        SourceType = "gcs"
	SourceAzureBlob  SourceType = "azure_blob"
	SourceAlfresco   SourceType = "alfresco"
	SourceGoogleDrive SourceType = "google_drive"
	SourceOneDrive   SourceType = "onedrive"
	SourceSharePoint SourceType = "sharepoint"
	SourceBox        SourceType = "box"
)

// ValidSourceTypes lists every recognized SourceType, for validation.
var ValidSourceTypes = []SourceType{
	SourceFilesystem, SourceS3, SourceGCS, SourceAzureBlob, SourceAlfresco,
	SourceGoogleDrive, SourceOneDrive, SourceSharePoint, SourceBox,
}

func (s SourceType) Valid() bool {
	for _, v := range ValidSourceTypes {
		if v == s {
			return true
		}
	}
	return false
}

// SyncStatus is the lifecycle status of a DataSourceConfig's owning worker.
type SyncStatus string

const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	StatusError   SyncStatus = "error"
)

// DataSourceConfig is one monitored source, as defined in spec §3.
type DataSourceConfig struct {
	ConfigID                 string
	ProjectID                string
	SourceType               SourceType
	SourceName               string
	ConnectionParams         map[string]string
	RefreshIntervalSeconds   int
	WatchdogFilesystemSeconds int
	EnableChangeStream       bool
	SkipGraph                bool
	IsActive                 bool
	SyncStatus               SyncStatus
	LastSyncOrdinal          *int64
	LastSyncCompletedAt      *time.Time
	LastError                *string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// MinRefreshIntervalSeconds is the floor enforced on every config, per spec
// invariant: "refresh_interval_seconds >= 60".
const MinRefreshIntervalSeconds = 60

// Validate checks the invariants spec §3 requires before a config is
// persisted: config_id set, a recognized source_type, and a refresh
// interval floor.
func (c *DataSourceConfig) Validate() error {
	if c.ConfigID == "" {
		return fmt.Errorf("%w: config_id is required", ErrInvalidConfig)
	}
	if !c.SourceType.Valid() {
		return fmt.Errorf("%w: unrecognized source_type %q", ErrInvalidConfig, c.SourceType)
	}
	if c.RefreshIntervalSeconds < MinRefreshIntervalSeconds {
		return fmt.Errorf("%w: refresh_interval_seconds must be >= %d", ErrInvalidConfig, MinRefreshIntervalSeconds)
	}
	return nil
}

// WatchOp is the kind of change ConfigStore.Watch observed between ticks.
type WatchOp string

const (
	WatchInsert WatchOp = "insert"
	WatchUpdate WatchOp = "update"
	WatchDelete WatchOp = "delete"
)

// WatchEvent is one diffed change emitted by ConfigStore.Watch.
type WatchEvent struct {
	Op       WatchOp
	ConfigID string
	Config   *DataSourceConfig // nil for WatchDelete
}

// DocumentState is one tracked document, as defined in spec §3.
type DocumentState struct {
	DocID             string
	ConfigID          string
	SourcePath        string
	SourceID          *string
	Ordinal           int64
	ContentHash       *string
	ModifiedTimestamp *time.Time
	VectorSyncedAt    *time.Time
	SearchSyncedAt    *time.Time
	GraphSyncedAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AllTargetsSynced reports whether every per-target timestamp is set,
// meaning (per spec invariant) the document currently exists in every
// enabled target.
func (d *DocumentState) AllTargetsSynced() bool {
	return d.VectorSyncedAt != nil && d.SearchSyncedAt != nil && d.GraphSyncedAt != nil
}

// SyncStats aggregates per-config sync coverage, consumed only by the
// operational HTTP surface's status endpoint (spec §4.2 supplement).
type SyncStats struct {
	Total         int64
	VectorSynced  int64
	SearchSynced  int64
	GraphSynced   int64
}

