// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRecipeStore is a LocalRecipeStore backed by a SQLite recipes table.
// It can share the database file with the metadata store so engine
// transactions and recipe rows live in one place. Deletion goes through a
// tombstone: rows are marked deleted and physically removed only once the
// engine confirms the matching remote deletion.
type SQLiteRecipeStore struct {
	db *sql.DB
}

// NewSQLiteRecipeStore creates the recipes table if needed and returns the
// store.
func NewSQLiteRecipeStore(db *sql.DB) (*SQLiteRecipeStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS recipes (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			payload    TEXT NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP NOT NULL,
			deleted    INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create recipes table: %w", err)
	}
	return &SQLiteRecipeStore{db: db}, nil
}

const recipeColumns = `id, title, payload, updated_at, deleted`

func scanRecipe(row interface{ Scan(...any) error }) (*Recipe, error) {
	var r Recipe
	var payload string
	if err := row.Scan(&r.ID, &r.Title, &payload, &r.UpdatedAt, &r.Deleted); err != nil {
		return nil, err
	}
	r.Payload = json.RawMessage(payload)
	return &r, nil
}

// GetAll returns every recipe row, tombstones included.
func (s *SQLiteRecipeStore) GetAll(ctx context.Context) ([]*Recipe, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recipeColumns+` FROM recipes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipes: %w", err)
	}
	defer rows.Close()

	var out []*Recipe
	for rows.Next() {
		r, err := scanRecipe(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipe: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recipes: %w", err)
	}
	return out, nil
}

// GetByID returns one recipe, or (nil, nil) when absent.
func (s *SQLiteRecipeStore) GetByID(ctx context.Context, id string) (*Recipe, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recipeColumns+` FROM recipes WHERE id = ?`, id)
	r, err := scanRecipe(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recipe %s: %w", id, err)
	}
	return r, nil
}

// GetOriginalContent serializes the recipe to its full JSON representation,
// the payload uploaded to the remote.
func (s *SQLiteRecipeStore) GetOriginalContent(ctx context.Context, id string) ([]byte, error) {
	r, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("recipe not found: %s", id)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal recipe %s: %w", id, err)
	}
	return data, nil
}

// Upsert writes the full recipe row. UpdatedAt is preserved as given so the
// engine can distinguish its own overwrites from user edits; callers editing
// content must move UpdatedAt forward.
func (s *SQLiteRecipeStore) Upsert(ctx context.Context, recipe *Recipe) error {
	if recipe.UpdatedAt.IsZero() {
		recipe.UpdatedAt = time.Now().UTC()
	}
	payload := recipe.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recipes (id, title, payload, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted
	`, recipe.ID, recipe.Title, string(payload), recipe.UpdatedAt, recipe.Deleted)
	if err != nil {
		return fmt.Errorf("failed to upsert recipe %s: %w", recipe.ID, err)
	}
	return nil
}

// MarkDeleted tombstones a recipe. The engine turns the tombstone into a
// guarded remote DELETE and purges the row once the remote confirms.
func (s *SQLiteRecipeStore) MarkDeleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recipes SET deleted = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to tombstone recipe %s: %w", id, err)
	}
	return nil
}

// Delete physically removes a recipe row.
func (s *SQLiteRecipeStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recipes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete recipe %s: %w", id, err)
	}
	return nil
}

// ListChangedSince returns recipes whose UpdatedAt moved past since.
func (s *SQLiteRecipeStore) ListChangedSince(ctx context.Context, since time.Time) ([]*Recipe, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recipeColumns+` FROM recipes WHERE updated_at > ? ORDER BY updated_at`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed recipes: %w", err)
	}
	defer rows.Close()

	var out []*Recipe
	for rows.Next() {
		r, err := scanRecipe(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipe: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changed recipes: %w", err)
	}
	return out, nil
}
