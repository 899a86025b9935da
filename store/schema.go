package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements creates both tables and their indexes, per spec §6. Every
// statement is idempotent (IF NOT EXISTS) so Initialize can run on every
// process start without a migration framework, matching the teacher's
// connection-pool-first, migration-light style.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS datasource_config (
		config_id                   TEXT PRIMARY KEY,
		project_id                  TEXT NOT NULL DEFAULT '',
		source_type                 TEXT NOT NULL,
		source_name                 TEXT NOT NULL DEFAULT '',
		connection_params           JSONB NOT NULL DEFAULT '{}',
		refresh_interval_seconds    INT NOT NULL DEFAULT 3600,
		watchdog_filesystem_seconds INT NOT NULL DEFAULT 60,
		enable_change_stream        BOOLEAN NOT NULL DEFAULT false,
		skip_graph                  BOOLEAN NOT NULL DEFAULT false,
		is_active                   BOOLEAN NOT NULL DEFAULT true,
		sync_status                 TEXT NOT NULL DEFAULT 'idle',
		last_sync_ordinal           BIGINT,
		last_sync_completed_at      TIMESTAMPTZ,
		last_error                  TEXT,
		created_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_datasource_config_project_id ON datasource_config (project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_datasource_config_is_active ON datasource_config (is_active)`,
	`CREATE TABLE IF NOT EXISTS document_state (
		doc_id             TEXT PRIMARY KEY,
		config_id          TEXT NOT NULL,
		source_path        TEXT NOT NULL,
		source_id          TEXT,
		ordinal            BIGINT NOT NULL,
		content_hash       TEXT,
		modified_timestamp TIMESTAMPTZ,
		vector_synced_at   TIMESTAMPTZ,
		search_synced_at   TIMESTAMPTZ,
		graph_synced_at    TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_document_state_config_id ON document_state (config_id)`,
	`CREATE INDEX IF NOT EXISTS idx_document_state_config_ordinal ON document_state (config_id, ordinal)`,
	`CREATE INDEX IF NOT EXISTS idx_document_state_config_source_id ON document_state (config_id, source_id)`,
}

// Initialize creates both tables and their indexes if they do not already
// exist. Safe to call on every process start.
func Initialize(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
