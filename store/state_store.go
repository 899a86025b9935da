package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"indexsync.dev/target"
)

// ContentHash returns the hex-encoded SHA-256 of the UTF-8 encoding of text,
// per spec §4.2's content hash rule.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// RecentSyncWindow is the "synced within the last 5 minutes" threshold used
// by should_process rule 4. Open Question (a) is resolved here: it checks
// VectorSyncedAt only, matching original_source/state_manager.py, not the
// maximum of the three per-target timestamps.
const RecentSyncWindow = 5 * time.Minute

// StateStore persists DocumentState rows and implements the
// should_process idempotency rules of spec §4.2.
type StateStore struct {
	pool *pgxpool.Pool
}

func NewStateStore(pool *pgxpool.Pool) *StateStore {
	return &StateStore{pool: pool}
}

func (s *StateStore) Initialize(ctx context.Context) error {
	return Initialize(ctx, s.pool)
}

const stateColumns = `doc_id, config_id, source_path, source_id, ordinal, content_hash,
	modified_timestamp, vector_synced_at, search_synced_at, graph_synced_at, created_at, updated_at`

func scanState(row pgx.Row) (*DocumentState, error) {
	var d DocumentState
	if err := row.Scan(
		&d.DocID, &d.ConfigID, &d.SourcePath, &d.SourceID, &d.Ordinal, &d.ContentHash,
		&d.ModifiedTimestamp, &d.VectorSyncedAt, &d.SearchSyncedAt, &d.GraphSyncedAt,
		&d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &d, nil
}

// Get returns the row for doc_id, or ErrNotFound.
func (s *StateStore) Get(ctx context.Context, docID string) (*DocumentState, error) {
	query := fmt.Sprintf(`SELECT %s FROM document_state WHERE doc_id = $1`, stateColumns)
	d, err := scanState(s.pool.QueryRow(ctx, query, docID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document state: %w", err)
	}
	return d, nil
}

// GetBySourceID looks up a row by the source-native id, required because
// several detectors know only the source_id at DELETE time.
func (s *StateStore) GetBySourceID(ctx context.Context, configID, sourceID string) (*DocumentState, error) {
	query := fmt.Sprintf(`SELECT %s FROM document_state WHERE config_id = $1 AND source_id = $2`, stateColumns)
	d, err := scanState(s.pool.QueryRow(ctx, query, configID, sourceID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document state by source id: %w", err)
	}
	return d, nil
}

// GetAllForConfig returns every row for a config, used by periodic refresh
// to detect disappearances.
func (s *StateStore) GetAllForConfig(ctx context.Context, configID string) ([]*DocumentState, error) {
	query := fmt.Sprintf(`SELECT %s FROM document_state WHERE config_id = $1`, stateColumns)
	rows, err := s.pool.Query(ctx, query, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to list document states: %w", err)
	}
	defer rows.Close()

	var out []*DocumentState
	for rows.Next() {
		d, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document state: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetByPathFallback does a case-insensitive linear scan over
// GetAllForConfig, for lookups where a direct doc_id lookup misses because
// of a case mismatch. Supplemented from original_source/state_manager.py.
// Neither the engine nor any detector calls it; only the tests do, so it
// has no dedicated index.
func (s *StateStore) GetByPathFallback(ctx context.Context, configID, path string) (*DocumentState, error) {
	all, err := s.GetAllForConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	lowered := strings.ToLower(path)
	for _, d := range all {
		if strings.ToLower(d.SourcePath) == lowered {
			return d, nil
		}
	}
	return nil, ErrNotFound
}

// ShouldProcessReason explains a should_process verdict for logging and
// tests; it is not parsed by callers beyond string comparison in tests.
type ShouldProcessReason string

const (
	ReasonNew               ShouldProcessReason = "new"
	ReasonStaleOrdinal      ShouldProcessReason = "file already processed"
	ReasonUnchangedOrdinal  ShouldProcessReason = "file already processed"
	ReasonHashFilledInPlace ShouldProcessReason = "hash filled in without reprocessing"
	ReasonMissingHash       ShouldProcessReason = "missing content hash"
	ReasonUnchangedHash     ShouldProcessReason = "content unchanged"
	ReasonChanged           ShouldProcessReason = "content changed"
)

// ShouldProcess implements the seven should_process rules of spec §4.2
// verbatim. It may mutate the stored row in place (rules 4 and 6) as a
// side effect of deciding not to reprocess; callers must not assume the row
// is unchanged just because reprocess==false.
func (s *StateStore) ShouldProcess(ctx context.Context, docID string, newOrdinal int64, newContentHash string) (bool, ShouldProcessReason, error) {
	prior, err := s.Get(ctx, docID)
	if err != nil {
		if err == ErrNotFound {
			return true, ReasonNew, nil
		}
		return false, "", err
	}

	// Rule 2: new ordinal strictly behind prior -> skip (monotonic invariance).
	if newOrdinal < prior.Ordinal {
		return false, ReasonStaleOrdinal, nil
	}
	// Rule 3: equal ordinal -> skip.
	if newOrdinal == prior.Ordinal {
		return false, ReasonUnchangedOrdinal, nil
	}

	if prior.ContentHash == nil {
		// Rule 4: hash missing but recently synced -> fill hash in place, no reprocess.
		if prior.VectorSyncedAt != nil && time.Since(*prior.VectorSyncedAt) < RecentSyncWindow {
			if err := s.UpdateHashOnly(ctx, docID, newContentHash); err != nil {
				return false, "", err
			}
			return false, ReasonHashFilledInPlace, nil
		}
		// Rule 5: hash missing, not recently synced -> process.
		return true, ReasonMissingHash, nil
	}

	// Rule 6: hash unchanged -> bump ordinal in place, no reprocess.
	if *prior.ContentHash == newContentHash {
		if err := s.UpdateOrdinalOnly(ctx, docID, newOrdinal); err != nil {
			return false, "", err
		}
		return false, ReasonUnchangedHash, nil
	}

	// Rule 7: everything else -> process.
	return true, ReasonChanged, nil
}

// Save upserts state by doc_id. source_id is retained when the incoming
// value is nil, per spec §4.2.
func (s *StateStore) Save(ctx context.Context, d *DocumentState) error {
	query := `INSERT INTO document_state (doc_id, config_id, source_path, source_id, ordinal,
			content_hash, modified_timestamp, vector_synced_at, search_synced_at, graph_synced_at,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())
		ON CONFLICT (doc_id) DO UPDATE SET
			config_id = EXCLUDED.config_id,
			source_path = EXCLUDED.source_path,
			source_id = COALESCE(EXCLUDED.source_id, document_state.source_id),
			ordinal = EXCLUDED.ordinal,
			content_hash = EXCLUDED.content_hash,
			modified_timestamp = EXCLUDED.modified_timestamp,
			vector_synced_at = EXCLUDED.vector_synced_at,
			search_synced_at = EXCLUDED.search_synced_at,
			graph_synced_at = EXCLUDED.graph_synced_at,
			updated_at = NOW()`
	_, err := s.pool.Exec(ctx, query, d.DocID, d.ConfigID, d.SourcePath, d.SourceID, d.Ordinal,
		d.ContentHash, d.ModifiedTimestamp, d.VectorSyncedAt, d.SearchSyncedAt, d.GraphSyncedAt)
	if err != nil {
		return fmt.Errorf("failed to save document state: %w", err)
	}
	return nil
}

// UpdateOrdinalOnly bumps ordinal without touching any other column.
func (s *StateStore) UpdateOrdinalOnly(ctx context.Context, docID string, ordinal int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE document_state SET ordinal=$1, updated_at=NOW() WHERE doc_id=$2`, ordinal, docID)
	if err != nil {
		return fmt.Errorf("failed to update ordinal: %w", err)
	}
	return nil
}

// UpdateHashOnly fills in content_hash without touching ordinal or sync columns.
func (s *StateStore) UpdateHashOnly(ctx context.Context, docID, hash string) error {
	_, err := s.pool.Exec(ctx, `UPDATE document_state SET content_hash=$1, updated_at=NOW() WHERE doc_id=$2`, hash, docID)
	if err != nil {
		return fmt.Errorf("failed to update content hash: %w", err)
	}
	return nil
}

// UpdateSourcePath updates only the human-readable source_path column,
// used by periodic refresh when a rename is observed without a content
// change (spec §8 S3).
func (s *StateStore) UpdateSourcePath(ctx context.Context, docID, newSourcePath string) error {
	_, err := s.pool.Exec(ctx, `UPDATE document_state SET source_path=$1, updated_at=NOW() WHERE doc_id=$2`, newSourcePath, docID)
	if err != nil {
		return fmt.Errorf("failed to update source path: %w", err)
	}
	return nil
}

// MarkTargetSynced stamps the per-target synced_at column for kind to now.
// Each target is marked independently so partial failure leaves an
// accurate record (spec §4.5 step 8).
func (s *StateStore) MarkTargetSynced(ctx context.Context, docID string, kind target.Kind) error {
	col, err := targetColumn(kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE document_state SET %s = NOW(), updated_at = NOW() WHERE doc_id = $1`, col)
	if _, err := s.pool.Exec(ctx, query, docID); err != nil {
		return fmt.Errorf("failed to mark %s synced: %w", kind, err)
	}
	return nil
}

func targetColumn(kind target.Kind) (string, error) {
	switch kind {
	case target.KindVector:
		return "vector_synced_at", nil
	case target.KindSearch:
		return "search_synced_at", nil
	case target.KindGraph:
		return "graph_synced_at", nil
	default:
		return "", fmt.Errorf("unknown target kind %q", kind)
	}
}

// MarkDeleted hard-deletes the row, per spec §3 tombstone semantics.
func (s *StateStore) MarkDeleted(ctx context.Context, docID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM document_state WHERE doc_id = $1`, docID)
	if err != nil {
		return fmt.Errorf("failed to delete document state: %w", err)
	}
	return nil
}

// GetSyncStats aggregates per-target sync coverage for a config; consumed
// only by the operational HTTP surface's status endpoint (spec §4.2
// supplement), never by the engine.
func (s *StateStore) GetSyncStats(ctx context.Context, configID string) (SyncStats, error) {
	query := `SELECT COUNT(*),
			COUNT(vector_synced_at),
			COUNT(search_synced_at),
			COUNT(graph_synced_at)
		FROM document_state WHERE config_id = $1`
	var stats SyncStats
	err := s.pool.QueryRow(ctx, query, configID).Scan(&stats.Total, &stats.VectorSynced, &stats.SearchSynced, &stats.GraphSynced)
	if err != nil {
		return SyncStats{}, fmt.Errorf("failed to get sync stats: %w", err)
	}
	return stats, nil
}

// NowMicros returns the current time as a microsecond-scale ordinal, the
// fallback used when no source modification timestamp is available.
func NowMicros() int64 {
	return time.Now().UnixMicro()
}

// OrdinalFromTimestamp derives the monotonic microsecond-scale ordinal from
// the best available modification timestamp, falling back to the current
// time when t is zero.
func OrdinalFromTimestamp(t time.Time) int64 {
	if t.IsZero() {
		return NowMicros()
	}
	return t.UnixMicro()
}
