package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"indexsync.dev/logging"
)

// ConfigStore persists DataSourceConfig rows and exposes a poll-based watch
// over the active set, per spec §4.1.
type ConfigStore struct {
	pool *pgxpool.Pool
	log  *logging.ContextLogger

	watchMu   sync.Mutex
	lastSeen  map[string]DataSourceConfig // last observed active set, keyed by config_id
}

// NewConfigStore wraps an already-connected pool. Callers call Initialize
// separately so the store and the schema-creation step can be retried
// independently at startup.
func NewConfigStore(pool *pgxpool.Pool) *ConfigStore {
	return &ConfigStore{
		pool:     pool,
		log:      logging.Component("config_store"),
		lastSeen: make(map[string]DataSourceConfig),
	}
}

// Initialize creates the schema if it does not already exist.
func (s *ConfigStore) Initialize(ctx context.Context) error {
	return Initialize(ctx, s.pool)
}

const configColumns = `config_id, project_id, source_type, source_name, connection_params,
	refresh_interval_seconds, watchdog_filesystem_seconds, enable_change_stream, skip_graph,
	is_active, sync_status, last_sync_ordinal, last_sync_completed_at, last_error, created_at, updated_at`

func scanConfig(row pgx.Row) (*DataSourceConfig, error) {
	var c DataSourceConfig
	var params []byte
	var sourceType, syncStatus string
	if err := row.Scan(
		&c.ConfigID, &c.ProjectID, &sourceType, &c.SourceName, &params,
		&c.RefreshIntervalSeconds, &c.WatchdogFilesystemSeconds, &c.EnableChangeStream, &c.SkipGraph,
		&c.IsActive, &syncStatus, &c.LastSyncOrdinal, &c.LastSyncCompletedAt, &c.LastError,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.SourceType = SourceType(sourceType)
	c.SyncStatus = SyncStatus(syncStatus)
	c.ConnectionParams = map[string]string{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &c.ConnectionParams); err != nil {
			return nil, fmt.Errorf("failed to decode connection_params: %w", err)
		}
	}
	return &c, nil
}

// Create inserts a new DataSourceConfig after validating it.
func (s *ConfigStore) Create(ctx context.Context, c *DataSourceConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	params, err := json.Marshal(c.ConnectionParams)
	if err != nil {
		return fmt.Errorf("failed to encode connection_params: %w", err)
	}
	if c.SyncStatus == "" {
		c.SyncStatus = StatusIdle
	}
	query := fmt.Sprintf(`INSERT INTO datasource_config (%s)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW(),NOW())`, configColumns)
	_, err = s.pool.Exec(ctx, query,
		c.ConfigID, c.ProjectID, string(c.SourceType), c.SourceName, params,
		c.RefreshIntervalSeconds, c.WatchdogFilesystemSeconds, c.EnableChangeStream, c.SkipGraph,
		c.IsActive, string(c.SyncStatus), c.LastSyncOrdinal, c.LastSyncCompletedAt, c.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to create datasource config: %w", err)
	}
	return nil
}

// Get reads one config by id.
func (s *ConfigStore) Get(ctx context.Context, configID string) (*DataSourceConfig, error) {
	query := fmt.Sprintf(`SELECT %s FROM datasource_config WHERE config_id = $1`, configColumns)
	c, err := scanConfig(s.pool.QueryRow(ctx, query, configID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get datasource config: %w", err)
	}
	return c, nil
}

// ListActive returns every config with is_active = true.
func (s *ConfigStore) ListActive(ctx context.Context) ([]*DataSourceConfig, error) {
	return s.list(ctx, `WHERE is_active = true`)
}

// ListAll returns every config regardless of active status.
func (s *ConfigStore) ListAll(ctx context.Context) ([]*DataSourceConfig, error) {
	return s.list(ctx, ``)
}

func (s *ConfigStore) list(ctx context.Context, where string) ([]*DataSourceConfig, error) {
	query := fmt.Sprintf(`SELECT %s FROM datasource_config %s ORDER BY config_id`, configColumns, where)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasource configs: %w", err)
	}
	defer rows.Close()

	var out []*DataSourceConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan datasource config: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateFields is a sparse set of mutable fields for Update; nil fields are
// left untouched.
type UpdateFields struct {
	SourceName             *string
	ConnectionParams       map[string]string
	RefreshIntervalSeconds *int
	EnableChangeStream     *bool
	SkipGraph              *bool
	IsActive               *bool
}

// Update applies a sparse set of field changes to an existing config.
func (s *ConfigStore) Update(ctx context.Context, configID string, f UpdateFields) error {
	existing, err := s.Get(ctx, configID)
	if err != nil {
		return err
	}
	if f.SourceName != nil {
		existing.SourceName = *f.SourceName
	}
	if f.ConnectionParams != nil {
		existing.ConnectionParams = f.ConnectionParams
	}
	if f.RefreshIntervalSeconds != nil {
		existing.RefreshIntervalSeconds = *f.RefreshIntervalSeconds
	}
	if f.EnableChangeStream != nil {
		existing.EnableChangeStream = *f.EnableChangeStream
	}
	if f.SkipGraph != nil {
		existing.SkipGraph = *f.SkipGraph
	}
	if f.IsActive != nil {
		existing.IsActive = *f.IsActive
	}
	if err := existing.Validate(); err != nil {
		return err
	}
	params, err := json.Marshal(existing.ConnectionParams)
	if err != nil {
		return fmt.Errorf("failed to encode connection_params: %w", err)
	}
	query := `UPDATE datasource_config SET source_name=$1, connection_params=$2,
		refresh_interval_seconds=$3, enable_change_stream=$4, skip_graph=$5, is_active=$6,
		updated_at=NOW() WHERE config_id=$7`
	_, err = s.pool.Exec(ctx, query, existing.SourceName, params, existing.RefreshIntervalSeconds,
		existing.EnableChangeStream, existing.SkipGraph, existing.IsActive, configID)
	if err != nil {
		return fmt.Errorf("failed to update datasource config: %w", err)
	}
	return nil
}

// Delete hard-deletes a config row.
func (s *ConfigStore) Delete(ctx context.Context, configID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM datasource_config WHERE config_id = $1`, configID)
	if err != nil {
		return fmt.Errorf("failed to delete datasource config: %w", err)
	}
	return nil
}

// UpdateSyncStatus is the single write path a SourceWorker uses to report
// its own progress; per spec §4.1 these writes are serialized by the owning
// worker, so no optimistic locking is required here.
func (s *ConfigStore) UpdateSyncStatus(ctx context.Context, configID string, status SyncStatus, ordinal *int64, lastError *string) error {
	var completedAt *time.Time
	if status == StatusIdle {
		now := time.Now()
		completedAt = &now
	}
	query := `UPDATE datasource_config SET sync_status=$1, last_sync_ordinal=COALESCE($2, last_sync_ordinal),
		last_sync_completed_at=COALESCE($3, last_sync_completed_at), last_error=$4, updated_at=NOW()
		WHERE config_id=$5`
	_, err := s.pool.Exec(ctx, query, string(status), ordinal, completedAt, lastError, configID)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

// Watch returns a channel of WatchEvents. It polls ListActive every interval
// (30s per spec §4.1 when interval<=0) and diffs the observed set against
// the previous tick, emitting one event per insert/update/delete. It does
// not observe intra-tick changes. The channel is closed when ctx is done.
func (s *ConfigStore) Watch(ctx context.Context, interval time.Duration) <-chan WatchEvent {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	out := make(chan WatchEvent, 16)
	go func() {
		defer close(out)
		defer logging.LogPanic(s.log)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.pollOnce(ctx, out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pollOnce(ctx, out)
			}
		}
	}()
	return out
}

func (s *ConfigStore) pollOnce(ctx context.Context, out chan<- WatchEvent) {
	active, err := s.ListActive(ctx)
	if err != nil {
		s.log.WithError(err).Warn("watch poll failed, will retry next tick")
		return
	}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	current := make(map[string]DataSourceConfig, len(active))
	for _, c := range active {
		current[c.ConfigID] = *c
	}

	for id, cfg := range current {
		prev, existed := s.lastSeen[id]
		if !existed {
			cfgCopy := cfg
			emit(ctx, out, WatchEvent{Op: WatchInsert, ConfigID: id, Config: &cfgCopy})
			continue
		}
		if !configsEqual(prev, cfg) {
			cfgCopy := cfg
			emit(ctx, out, WatchEvent{Op: WatchUpdate, ConfigID: id, Config: &cfgCopy})
		}
	}
	for id := range s.lastSeen {
		if _, stillActive := current[id]; !stillActive {
			emit(ctx, out, WatchEvent{Op: WatchDelete, ConfigID: id})
		}
	}
	s.lastSeen = current
}

func emit(ctx context.Context, out chan<- WatchEvent, ev WatchEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func configsEqual(a, b DataSourceConfig) bool {
	if a.SourceName != b.SourceName || a.RefreshIntervalSeconds != b.RefreshIntervalSeconds ||
		a.EnableChangeStream != b.EnableChangeStream || a.SkipGraph != b.SkipGraph ||
		a.IsActive != b.IsActive || len(a.ConnectionParams) != len(b.ConnectionParams) {
		return false
	}
	for k, v := range a.ConnectionParams {
		if b.ConnectionParams[k] != v {
			return false
		}
	}
	return true
}
