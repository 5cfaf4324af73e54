// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MetadataStore owns the three durable sync tables: the per-recipe mapping,
// the pending-operation queue and the singleton engine state. Every multi-row
// update goes through one SQLite transaction so a crash never leaves the
// token, queue and mapping mutually inconsistent.
type MetadataStore struct {
	db *sql.DB
}

// NewMetadataStore initializes the sync metadata tables on db and returns the
// store. Any operation left IN_PROGRESS by a crashed pass is reset to PENDING
// so it is retried on the next trigger.
func NewMetadataStore(db *sql.DB) (*MetadataStore, error) {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// One row per recipe that has completed at least one successful sync.
		`CREATE TABLE IF NOT EXISTS _recipe_sync_meta (
			local_recipe_id      TEXT NOT NULL,
			remote_container_id  TEXT NOT NULL,
			remote_resource_id   TEXT NOT NULL,
			remote_version       INTEGER NOT NULL DEFAULT 0,
			remote_modified_at   TIMESTAMP,
			remote_checksum      TEXT NOT NULL DEFAULT '',
			last_synced_at       TIMESTAMP,
			local_modified_at    TIMESTAMP,
			sync_status          TEXT NOT NULL DEFAULT 'IN_SYNC',
			PRIMARY KEY (local_recipe_id)
		)`,

		// Durable operation queue; rows persist across restarts so an
		// interrupted pass is resumable.
		`CREATE TABLE IF NOT EXISTS _recipe_sync_pending (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			op                   TEXT NOT NULL CHECK (op IN ('UPLOAD','DELETE')),
			local_recipe_id      TEXT NOT NULL,
			remote_container_id  TEXT NOT NULL DEFAULT '',
			remote_resource_id   TEXT NOT NULL DEFAULT '',
			expected_version     INTEGER NOT NULL DEFAULT 0,
			expected_modified_at TIMESTAMP,
			overwrite            INTEGER NOT NULL DEFAULT 0,
			created_at           TIMESTAMP NOT NULL,
			last_attempt_at      TIMESTAMP,
			attempt_count        INTEGER NOT NULL DEFAULT 0,
			last_error           TEXT NOT NULL DEFAULT '',
			status               TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (status IN ('PENDING','IN_PROGRESS','FAILED','DONE'))
		)`,

		// At most one live operation per (recipe, op) pair; newer uploads
		// coalesce into the existing row instead of stacking.
		`CREATE UNIQUE INDEX IF NOT EXISTS _recipe_sync_pending_live
			ON _recipe_sync_pending (local_recipe_id, op)
			WHERE status IN ('PENDING','IN_PROGRESS')`,

		// Singleton engine state (id is always 1).
		`CREATE TABLE IF NOT EXISTS _recipe_sync_state (
			id                          INTEGER PRIMARY KEY CHECK (id = 1),
			sync_enabled                INTEGER NOT NULL DEFAULT 0,
			remote_root_container_id    TEXT NOT NULL DEFAULT '',
			remote_root_container_name  TEXT NOT NULL DEFAULT '',
			change_token                TEXT NOT NULL DEFAULT '',
			last_incremental_sync_at    TIMESTAMP,
			last_full_sync_at           TIMESTAMP,
			last_sync_error             TEXT NOT NULL DEFAULT ''
		)`,

		`INSERT OR IGNORE INTO _recipe_sync_state (id) VALUES (1)`,
	}
	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	// Recover from a crash mid-pass: IN_PROGRESS rows belong to an executor
	// that no longer exists.
	if _, err := db.Exec(
		`UPDATE _recipe_sync_pending SET status = 'PENDING' WHERE status = 'IN_PROGRESS'`,
	); err != nil {
		return nil, fmt.Errorf("failed to reset in-progress operations: %w", err)
	}

	return &MetadataStore{db: db}, nil
}

// DB exposes the underlying handle for callers that share the database file
// (e.g. a SQLite-backed recipe store).
func (m *MetadataStore) DB() *sql.DB { return m.db }

// WithTx runs fn inside one transaction, committing on nil error.
func (m *MetadataStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// --- synced recipe mapping ---

const syncedRecipeColumns = `local_recipe_id, remote_container_id, remote_resource_id,
	remote_version, remote_modified_at, remote_checksum, last_synced_at,
	local_modified_at, sync_status`

func scanSyncedRecipe(row interface{ Scan(...any) error }) (*SyncedRecipe, error) {
	var sr SyncedRecipe
	var remoteModified, lastSynced, localModified sql.NullTime
	err := row.Scan(&sr.LocalRecipeID, &sr.RemoteContainer, &sr.RemoteResource,
		&sr.RemoteVersion, &remoteModified, &sr.RemoteChecksum, &lastSynced,
		&localModified, &sr.Status)
	if err != nil {
		return nil, err
	}
	sr.RemoteModifiedAt = remoteModified.Time
	sr.LastSyncedAt = lastSynced.Time
	sr.LocalModifiedAt = localModified.Time
	return &sr, nil
}

// GetSyncedRecipe returns the mapping row for a recipe, or (nil, nil) when the
// recipe has never synced.
func (m *MetadataStore) GetSyncedRecipe(ctx context.Context, localRecipeID string) (*SyncedRecipe, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+syncedRecipeColumns+` FROM _recipe_sync_meta WHERE local_recipe_id = ?`,
		localRecipeID)
	sr, err := scanSyncedRecipe(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query synced recipe %s: %w", localRecipeID, err)
	}
	return sr, nil
}

// GetSyncedRecipeByResource returns the mapping row holding the given remote
// resource id, or (nil, nil) when no recipe maps to it.
func (m *MetadataStore) GetSyncedRecipeByResource(ctx context.Context, resourceID string) (*SyncedRecipe, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+syncedRecipeColumns+` FROM _recipe_sync_meta WHERE remote_resource_id = ?`,
		resourceID)
	sr, err := scanSyncedRecipe(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query synced recipe by resource %s: %w", resourceID, err)
	}
	return sr, nil
}

// ListSyncedRecipes returns every mapping row.
func (m *MetadataStore) ListSyncedRecipes(ctx context.Context) ([]*SyncedRecipe, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+syncedRecipeColumns+` FROM _recipe_sync_meta ORDER BY local_recipe_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query synced recipes: %w", err)
	}
	defer rows.Close()

	var out []*SyncedRecipe
	for rows.Next() {
		sr, err := scanSyncedRecipe(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan synced recipe: %w", err)
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating synced recipes: %w", err)
	}
	return out, nil
}

// UpsertSyncedRecipeInTx writes the full mapping row for a recipe.
func (m *MetadataStore) UpsertSyncedRecipeInTx(ctx context.Context, tx *sql.Tx, sr *SyncedRecipe) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _recipe_sync_meta (`+syncedRecipeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (local_recipe_id) DO UPDATE SET
			remote_container_id = excluded.remote_container_id,
			remote_resource_id  = excluded.remote_resource_id,
			remote_version      = excluded.remote_version,
			remote_modified_at  = excluded.remote_modified_at,
			remote_checksum     = excluded.remote_checksum,
			last_synced_at      = excluded.last_synced_at,
			local_modified_at   = excluded.local_modified_at,
			sync_status         = excluded.sync_status
	`, sr.LocalRecipeID, sr.RemoteContainer, sr.RemoteResource, sr.RemoteVersion,
		nullTime(sr.RemoteModifiedAt), sr.RemoteChecksum, nullTime(sr.LastSyncedAt),
		nullTime(sr.LocalModifiedAt), sr.Status)
	if err != nil {
		return fmt.Errorf("failed to upsert synced recipe %s: %w", sr.LocalRecipeID, err)
	}
	return nil
}

// SetSyncStatusInTx updates just the status column of a mapping row.
func (m *MetadataStore) SetSyncStatusInTx(ctx context.Context, tx *sql.Tx, localRecipeID string, status SyncStatus) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE _recipe_sync_meta SET sync_status = ? WHERE local_recipe_id = ?`,
		status, localRecipeID)
	if err != nil {
		return fmt.Errorf("failed to set sync status for %s: %w", localRecipeID, err)
	}
	return nil
}

// DeleteSyncedRecipeInTx removes the mapping row plus any queued operations
// for the recipe; used when a local recipe is purged so metadata cascades
// with it.
func (m *MetadataStore) DeleteSyncedRecipeInTx(ctx context.Context, tx *sql.Tx, localRecipeID string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _recipe_sync_meta WHERE local_recipe_id = ?`, localRecipeID); err != nil {
		return fmt.Errorf("failed to delete synced recipe %s: %w", localRecipeID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _recipe_sync_pending WHERE local_recipe_id = ? AND status IN ('PENDING','IN_PROGRESS')`,
		localRecipeID); err != nil {
		return fmt.Errorf("failed to delete queued operations for %s: %w", localRecipeID, err)
	}
	return nil
}

// ListConflicts returns mapping rows whose status is CONFLICT.
func (m *MetadataStore) ListConflicts(ctx context.Context) ([]*SyncedRecipe, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+syncedRecipeColumns+` FROM _recipe_sync_meta WHERE sync_status = ? ORDER BY local_recipe_id`,
		StatusConflict)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []*SyncedRecipe
	for rows.Next() {
		sr, err := scanSyncedRecipe(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict row: %w", err)
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return out, nil
}

// --- pending operation queue ---

const pendingColumns = `id, op, local_recipe_id, remote_container_id, remote_resource_id,
	expected_version, expected_modified_at, overwrite, created_at, last_attempt_at,
	attempt_count, last_error, status`

func scanPending(row interface{ Scan(...any) error }) (*PendingOperation, error) {
	var op PendingOperation
	var expectedModified, lastAttempt sql.NullTime
	err := row.Scan(&op.ID, &op.Type, &op.LocalRecipeID, &op.RemoteContainer,
		&op.RemoteResource, &op.ExpectedVersion, &expectedModified, &op.Overwrite,
		&op.CreatedAt, &lastAttempt, &op.AttemptCount, &op.LastError, &op.Status)
	if err != nil {
		return nil, err
	}
	op.ExpectedModifiedAt = expectedModified.Time
	op.LastAttemptAt = lastAttempt.Time
	return &op, nil
}

// EnqueueUploadInTx queues an UPLOAD for a recipe. A live UPLOAD for the same
// recipe is refreshed in place (the executor reads the latest content at
// execution time), never duplicated. overwrite marks a forced upload that
// ignores the remote version guard.
func (m *MetadataStore) EnqueueUploadInTx(ctx context.Context, tx *sql.Tx, localRecipeID string, overwrite bool) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE _recipe_sync_pending
		SET overwrite = CASE WHEN ? THEN 1 ELSE overwrite END,
			created_at = ?
		WHERE local_recipe_id = ? AND op = 'UPLOAD' AND status IN ('PENDING','IN_PROGRESS')
	`, overwrite, time.Now().UTC(), localRecipeID)
	if err != nil {
		return fmt.Errorf("failed to coalesce upload for %s: %w", localRecipeID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to read coalesce result: %w", err)
	} else if n > 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _recipe_sync_pending (op, local_recipe_id, overwrite, created_at, status)
		VALUES ('UPLOAD', ?, ?, ?, 'PENDING')
	`, localRecipeID, overwrite, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to enqueue upload for %s: %w", localRecipeID, err)
	}
	return nil
}

// EnqueueDeleteInTx queues a DELETE guarded by the remote version captured at
// enqueue time. A live DELETE for the same recipe is left untouched.
func (m *MetadataStore) EnqueueDeleteInTx(ctx context.Context, tx *sql.Tx, sr *SyncedRecipe) error {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM _recipe_sync_pending
		WHERE local_recipe_id = ? AND op = 'DELETE' AND status IN ('PENDING','IN_PROGRESS'))
	`, sr.LocalRecipeID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check queued delete for %s: %w", sr.LocalRecipeID, err)
	}
	if exists {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _recipe_sync_pending
			(op, local_recipe_id, remote_container_id, remote_resource_id,
			 expected_version, expected_modified_at, created_at, status)
		VALUES ('DELETE', ?, ?, ?, ?, ?, ?, 'PENDING')
	`, sr.LocalRecipeID, sr.RemoteContainer, sr.RemoteResource,
		sr.RemoteVersion, nullTime(sr.RemoteModifiedAt), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to enqueue delete for %s: %w", sr.LocalRecipeID, err)
	}
	return nil
}

// ListRunnableOperations returns PENDING operations in queue order.
func (m *MetadataStore) ListRunnableOperations(ctx context.Context) ([]*PendingOperation, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+pendingColumns+` FROM _recipe_sync_pending WHERE status = 'PENDING' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	var out []*PendingOperation
	for rows.Next() {
		op, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending operations: %w", err)
	}
	return out, nil
}

// CountLiveOperations returns the number of PENDING and IN_PROGRESS rows.
func (m *MetadataStore) CountLiveOperations(ctx context.Context) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _recipe_sync_pending WHERE status IN ('PENDING','IN_PROGRESS')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count live operations: %w", err)
	}
	return n, nil
}

// MarkOperationInProgress transitions an operation to IN_PROGRESS and records
// the attempt.
func (m *MetadataStore) MarkOperationInProgress(ctx context.Context, opID int64) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE _recipe_sync_pending
		SET status = 'IN_PROGRESS', last_attempt_at = ?, attempt_count = attempt_count + 1
		WHERE id = ?
	`, time.Now().UTC(), opID)
	if err != nil {
		return fmt.Errorf("failed to mark operation %d in progress: %w", opID, err)
	}
	return nil
}

// MarkOperationDoneInTx finalizes a successful operation.
func (m *MetadataStore) MarkOperationDoneInTx(ctx context.Context, tx *sql.Tx, opID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE _recipe_sync_pending SET status = 'DONE', last_error = '' WHERE id = ?`, opID)
	if err != nil {
		return fmt.Errorf("failed to mark operation %d done: %w", opID, err)
	}
	return nil
}

// MarkOperationFailedInTx records a terminal failure with its reason.
func (m *MetadataStore) MarkOperationFailedInTx(ctx context.Context, tx *sql.Tx, opID int64, reason string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE _recipe_sync_pending SET status = 'FAILED', last_error = ? WHERE id = ?`,
		reason, opID)
	if err != nil {
		return fmt.Errorf("failed to mark operation %d failed: %w", opID, err)
	}
	return nil
}

// RecordOperationError keeps a transient failure on the row and returns it to
// PENDING for the next attempt.
func (m *MetadataStore) RecordOperationError(ctx context.Context, opID int64, reason string) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE _recipe_sync_pending SET status = 'PENDING', last_error = ? WHERE id = ?`,
		reason, opID)
	if err != nil {
		return fmt.Errorf("failed to record operation %d error: %w", opID, err)
	}
	return nil
}

// GetOperation returns one queue row by id, or (nil, nil) when absent.
func (m *MetadataStore) GetOperation(ctx context.Context, opID int64) (*PendingOperation, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM _recipe_sync_pending WHERE id = ?`, opID)
	op, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query operation %d: %w", opID, err)
	}
	return op, nil
}

// PruneFinishedOperations drops DONE rows; FAILED rows are kept for
// inspection until the recipe syncs successfully again.
func (m *MetadataStore) PruneFinishedOperations(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM _recipe_sync_pending WHERE status = 'DONE'`); err != nil {
		return fmt.Errorf("failed to prune finished operations: %w", err)
	}
	return nil
}

// --- singleton state ---

// GetState returns the singleton engine state.
func (m *MetadataStore) GetState(ctx context.Context) (*SyncState, error) {
	var st SyncState
	var incremental, full sql.NullTime
	err := m.db.QueryRowContext(ctx, `
		SELECT sync_enabled, remote_root_container_id, remote_root_container_name,
			change_token, last_incremental_sync_at, last_full_sync_at, last_sync_error
		FROM _recipe_sync_state WHERE id = 1
	`).Scan(&st.Enabled, &st.RootContainerID, &st.RootContainerName,
		&st.ChangeToken, &incremental, &full, &st.LastError)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync state: %w", err)
	}
	st.LastIncrementalAt = incremental.Time
	st.LastFullSyncAt = full.Time
	return &st, nil
}

// SaveStateInTx persists the singleton state alongside whatever queue and
// mapping updates share the transaction, so the change token never advances
// past unprocessed changes.
func (m *MetadataStore) SaveStateInTx(ctx context.Context, tx *sql.Tx, st *SyncState) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE _recipe_sync_state
		SET sync_enabled = ?, remote_root_container_id = ?, remote_root_container_name = ?,
			change_token = ?, last_incremental_sync_at = ?, last_full_sync_at = ?,
			last_sync_error = ?
		WHERE id = 1
	`, st.Enabled, st.RootContainerID, st.RootContainerName, st.ChangeToken,
		nullTime(st.LastIncrementalAt), nullTime(st.LastFullSyncAt), st.LastError)
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// SaveState persists the singleton state in its own transaction.
func (m *MetadataStore) SaveState(ctx context.Context, st *SyncState) error {
	return m.WithTx(ctx, func(tx *sql.Tx) error {
		return m.SaveStateInTx(ctx, tx, st)
	})
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
