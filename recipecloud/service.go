// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipecloud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Storage errors surfaced to handlers.
var (
	ErrContainerNotFound = errors.New("container not found")
	ErrResourceNotFound  = errors.New("resource not found")
	ErrVersionMismatch   = errors.New("resource version mismatch")
)

// ServiceConfig holds configuration for the cloud service.
type ServiceConfig struct {
	AppName string

	// MaxPayloadBytes rejects oversized uploads (0 = unlimited).
	MaxPayloadBytes int

	// ChangeLogRetention prunes change-log entries older than this during
	// uploads; tokens older than the pruned horizon are invalidated and
	// clients re-list. Zero keeps the log forever.
	ChangeLogRetention time.Duration
}

// Service implements the container/resource/changes storage contract on
// PostgreSQL. All per-request state is scoped by the authenticated user id.
type Service struct {
	pool   *pgxpool.Pool
	config *ServiceConfig
	logger *slog.Logger
}

// NewService initializes the schema and returns the service.
func NewService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "recipecloud"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{pool: pool, config: config, logger: logger}
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Debug("recipecloud schema initialized", "app", config.AppName)
	return s, nil
}

func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		`CREATE SCHEMA IF NOT EXISTS recipecloud`,

		`CREATE TABLE IF NOT EXISTS recipecloud.containers (
			id         UUID PRIMARY KEY,
			user_id    TEXT NOT NULL,
			name       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS recipecloud.resources (
			id           UUID PRIMARY KEY,
			user_id      TEXT NOT NULL,
			container_id UUID NOT NULL REFERENCES recipecloud.containers(id),
			name         TEXT NOT NULL,
			payload      BYTEA NOT NULL,
			version      BIGINT NOT NULL DEFAULT 1,
			checksum     TEXT NOT NULL,
			modified_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted      BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (container_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS recipecloud.change_log (
			seq          BIGSERIAL PRIMARY KEY,
			user_id      TEXT NOT NULL,
			resource_id  UUID NOT NULL,
			container_id UUID NOT NULL,
			name         TEXT NOT NULL,
			version      BIGINT NOT NULL,
			checksum     TEXT NOT NULL,
			modified_at  TIMESTAMPTZ NOT NULL,
			removed      BOOLEAN NOT NULL DEFAULT FALSE,
			source_id    TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS change_log_user_seq
			ON recipecloud.change_log (user_id, seq)`,

		// Highest seq ever pruned per user; tokens at or below it cannot be
		// honored because the delta between them and the surviving log is gone.
		`CREATE TABLE IF NOT EXISTS recipecloud.change_horizons (
			user_id        TEXT PRIMARY KEY,
			pruned_through BIGINT NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range migrations {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// ListContainers returns the caller's containers.
func (s *Service) ListContainers(ctx context.Context, userID string) ([]Container, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, created_at FROM recipecloud.containers
		WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query containers: %w", err)
	}
	defer rows.Close()

	var out []Container
	for rows.Next() {
		var c Container
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan container: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateContainer creates (or returns the existing) container with the given
// name. Creation is idempotent per (user, name) so a retried request never
// forks storage.
func (s *Service) CreateContainer(ctx context.Context, userID, name string) (Container, error) {
	var c Container
	err := s.withRetry(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO recipecloud.containers (id, user_id, name)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, name) DO UPDATE SET name = excluded.name
			RETURNING id, name, created_at
		`, uuid.New(), userID, name).Scan(&c.ID, &c.Name, &c.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create container: %w", err)
		}
		return nil
	})
	return c, err
}

// UploadResource stores a payload under (containerID, name). An existing
// resource gets a new monotonically increased version; a new one starts at
// version 1. Uploading identical content is idempotent in effect: the
// resulting remote state is the same regardless of how many times the call
// lands.
func (s *Service) UploadResource(ctx context.Context, userID, sourceID, containerID, name string, payload []byte) (Resource, error) {
	if s.config.MaxPayloadBytes > 0 && len(payload) > s.config.MaxPayloadBytes {
		return Resource{}, fmt.Errorf("payload exceeds %d bytes", s.config.MaxPayloadBytes)
	}
	checksum := Checksum(payload)
	now := time.Now().UTC()

	var res Resource
	err := s.withRetry(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM recipecloud.containers WHERE id = $1 AND user_id = $2)
		`, containerID, userID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check container: %w", err)
		}
		if !exists {
			return ErrContainerNotFound
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO recipecloud.resources
				(id, user_id, container_id, name, payload, version, checksum, modified_at, deleted)
			VALUES ($1, $2, $3, $4, $5, 1, $6, $7, FALSE)
			ON CONFLICT (container_id, name) DO UPDATE SET
				payload     = excluded.payload,
				version     = recipecloud.resources.version + 1,
				checksum    = excluded.checksum,
				modified_at = excluded.modified_at,
				deleted     = FALSE
			RETURNING id, container_id, name, version, checksum, modified_at
		`, uuid.New(), userID, containerID, name, payload, checksum, now).
			Scan(&res.ID, &res.ContainerID, &res.Name, &res.Version, &res.Checksum, &res.ModifiedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert resource: %w", err)
		}

		if err := s.appendChangeInTx(ctx, tx, userID, sourceID, res, false); err != nil {
			return err
		}
		return s.pruneChangeLogInTx(ctx, tx, userID, now)
	})
	return res, err
}

// DownloadResource returns the live payload of a resource.
func (s *Service) DownloadResource(ctx context.Context, userID, resourceID string) ([]byte, error) {
	var payload []byte
	var deleted bool
	err := s.pool.QueryRow(ctx, `
		SELECT payload, deleted FROM recipecloud.resources
		WHERE id = $1 AND user_id = $2
	`, resourceID, userID).Scan(&payload, &deleted)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && deleted) {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query resource payload: %w", err)
	}
	return payload, nil
}

// GetResourceMetadata returns the live metadata of a resource.
func (s *Service) GetResourceMetadata(ctx context.Context, userID, resourceID string) (Resource, error) {
	var res Resource
	var deleted bool
	err := s.pool.QueryRow(ctx, `
		SELECT id, container_id, name, version, checksum, modified_at, deleted
		FROM recipecloud.resources
		WHERE id = $1 AND user_id = $2
	`, resourceID, userID).
		Scan(&res.ID, &res.ContainerID, &res.Name, &res.Version, &res.Checksum, &res.ModifiedAt, &deleted)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && deleted) {
		return Resource{}, ErrResourceNotFound
	}
	if err != nil {
		return Resource{}, fmt.Errorf("failed to query resource metadata: %w", err)
	}
	return res, nil
}

// DeleteResource removes a resource, guarded by expectedVersion: when the
// live version differs the delete is refused with ErrVersionMismatch and
// nothing changes. expectedVersion <= 0 deletes unconditionally.
func (s *Service) DeleteResource(ctx context.Context, userID, sourceID, resourceID string, expectedVersion int64) error {
	return s.withRetry(ctx, func(tx pgx.Tx) error {
		var res Resource
		var deleted bool
		err := tx.QueryRow(ctx, `
			SELECT id, container_id, name, version, checksum, modified_at, deleted
			FROM recipecloud.resources
			WHERE id = $1 AND user_id = $2
			FOR UPDATE
		`, resourceID, userID).
			Scan(&res.ID, &res.ContainerID, &res.Name, &res.Version, &res.Checksum, &res.ModifiedAt, &deleted)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && deleted) {
			return ErrResourceNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock resource: %w", err)
		}

		if expectedVersion > 0 && res.Version != expectedVersion {
			return fmt.Errorf("%w: live %d, expected %d", ErrVersionMismatch, res.Version, expectedVersion)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE recipecloud.resources
			SET deleted = TRUE, payload = ''::bytea, modified_at = $3
			WHERE id = $1 AND user_id = $2
		`, resourceID, userID, now); err != nil {
			return fmt.Errorf("failed to delete resource: %w", err)
		}

		res.ModifiedAt = now
		return s.appendChangeInTx(ctx, tx, userID, sourceID, res, true)
	})
}

// ListChangesSince returns change-log entries after the given token in
// sequence order, collapsed to the latest entry per resource within the page.
// The returned token never moves past an undelivered entry, so a truncated
// page can always be resumed without losing changes. An empty token yields a
// full listing of the caller's live resources with a token at the current
// head.
func (s *Service) ListChangesSince(ctx context.Context, userID, token string, limit int) (ChangesResponse, error) {
	after, err := DecodeToken(token)
	if err != nil {
		return ChangesResponse{}, err
	}
	if limit <= 0 {
		limit = 500
	}

	if after == 0 && token == "" {
		return s.fullListing(ctx, userID)
	}

	// Reject tokens that predate the pruned horizon: entries between the
	// token and the surviving log are gone, so the delta would be silently
	// incomplete.
	var horizon int64
	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(pruned_through), 0) FROM recipecloud.change_horizons
		WHERE user_id = $1
	`, userID).Scan(&horizon)
	if err != nil {
		return ChangesResponse{}, fmt.Errorf("failed to query change horizon: %w", err)
	}
	if after < horizon {
		return ChangesResponse{}, fmt.Errorf("%w: token predates retained history", ErrTokenInvalid)
	}
	var head int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM recipecloud.change_log WHERE user_id = $1`,
		userID).Scan(&head); err != nil {
		return ChangesResponse{}, fmt.Errorf("failed to query change head: %w", err)
	}
	if head < horizon {
		head = horizon
	}
	if after > head {
		return ChangesResponse{}, fmt.Errorf("%w: token points past head", ErrTokenInvalid)
	}

	// Fetch one row past the limit to detect truncation without a second
	// round trip.
	rows, err := s.pool.Query(ctx, `
		SELECT resource_id, container_id, name, version, checksum, modified_at, removed, seq
		FROM recipecloud.change_log
		WHERE user_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, userID, after, limit+1)
	if err != nil {
		return ChangesResponse{}, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	type rawChange struct {
		entry ChangeEntry
		seq   int64
	}
	var raw []rawChange
	for rows.Next() {
		var rc rawChange
		if err := rows.Scan(&rc.entry.Resource.ID, &rc.entry.Resource.ContainerID,
			&rc.entry.Resource.Name, &rc.entry.Resource.Version, &rc.entry.Resource.Checksum,
			&rc.entry.Resource.ModifiedAt, &rc.entry.Removed, &rc.seq); err != nil {
			return ChangesResponse{}, fmt.Errorf("failed to scan change: %w", err)
		}
		raw = append(raw, rc)
	}
	if err := rows.Err(); err != nil {
		return ChangesResponse{}, fmt.Errorf("error iterating changes: %w", err)
	}

	resp := ChangesResponse{}
	if len(raw) > limit {
		raw = raw[:limit]
		resp.HasMore = true
	}

	// Collapse to the latest entry per resource. Collapsing is safe only
	// within the delivered window: a later change past the cutoff stays
	// behind the token and arrives with the next page.
	index := make(map[string]int, len(raw))
	for _, rc := range raw {
		if i, ok := index[rc.entry.Resource.ID]; ok {
			resp.Changes[i] = rc.entry
			continue
		}
		index[rc.entry.Resource.ID] = len(resp.Changes)
		resp.Changes = append(resp.Changes, rc.entry)
	}

	next := head
	if len(raw) > 0 {
		next = raw[len(raw)-1].seq
	}
	resp.NextToken = EncodeToken(next)
	return resp, nil
}

func (s *Service) fullListing(ctx context.Context, userID string) (ChangesResponse, error) {
	// The issued token must sit at or past the pruned horizon so the next
	// incremental request is honored even when the whole log was pruned.
	var head int64
	if err := s.pool.QueryRow(ctx, `
		SELECT GREATEST(
			COALESCE((SELECT MAX(seq) FROM recipecloud.change_log WHERE user_id = $1), 0),
			COALESCE((SELECT pruned_through FROM recipecloud.change_horizons WHERE user_id = $1), 0))
	`, userID).Scan(&head); err != nil {
		return ChangesResponse{}, fmt.Errorf("failed to query change head: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, container_id, name, version, checksum, modified_at
		FROM recipecloud.resources
		WHERE user_id = $1 AND deleted = FALSE
		ORDER BY modified_at
	`, userID)
	if err != nil {
		return ChangesResponse{}, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resp := ChangesResponse{NextToken: EncodeToken(head)}
	for rows.Next() {
		var entry ChangeEntry
		if err := rows.Scan(&entry.Resource.ID, &entry.Resource.ContainerID,
			&entry.Resource.Name, &entry.Resource.Version, &entry.Resource.Checksum,
			&entry.Resource.ModifiedAt); err != nil {
			return ChangesResponse{}, fmt.Errorf("failed to scan resource: %w", err)
		}
		resp.Changes = append(resp.Changes, entry)
	}
	return resp, rows.Err()
}

func (s *Service) appendChangeInTx(ctx context.Context, tx pgx.Tx, userID, sourceID string, res Resource, removed bool) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO recipecloud.change_log
			(user_id, resource_id, container_id, name, version, checksum, modified_at, removed, source_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, userID, res.ID, res.ContainerID, res.Name, res.Version, res.Checksum,
		res.ModifiedAt, removed, sourceID)
	if err != nil {
		return fmt.Errorf("failed to append change log: %w", err)
	}
	return nil
}

func (s *Service) pruneChangeLogInTx(ctx context.Context, tx pgx.Tx, userID string, now time.Time) error {
	if s.config.ChangeLogRetention <= 0 {
		return nil
	}
	cutoff := now.Add(-s.config.ChangeLogRetention)
	var prunedThrough *int64
	err := tx.QueryRow(ctx, `
		WITH pruned AS (
			DELETE FROM recipecloud.change_log
			WHERE user_id = $1 AND modified_at < $2
			RETURNING seq
		)
		SELECT MAX(seq) FROM pruned
	`, userID, cutoff).Scan(&prunedThrough)
	if err != nil {
		return fmt.Errorf("failed to prune change log: %w", err)
	}
	if prunedThrough == nil {
		return nil
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO recipecloud.change_horizons (user_id, pruned_through)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			pruned_through = GREATEST(recipecloud.change_horizons.pruned_through, excluded.pruned_through)
	`, userID, prunedThrough); err != nil {
		return fmt.Errorf("failed to record change horizon: %w", err)
	}
	return nil
}

// Checksum computes the hex SHA-256 digest used for resource content.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
