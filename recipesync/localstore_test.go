// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipesync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newLocalStore(t *testing.T) *SQLiteRecipeStore {
	t.Helper()
	store, err := NewSQLiteRecipeStore(testDB(t))
	require.NoError(t, err)
	return store
}

func TestSQLiteRecipeStore_UpsertAndGet(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	got, err := store.GetByID(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, got)

	now := time.Now().UTC().Truncate(time.Second)
	recipe := &Recipe{
		ID:        "r1",
		Title:     "Soup",
		Payload:   json.RawMessage(`{"ingredients":["water"]}`),
		UpdatedAt: now,
	}
	require.NoError(t, store.Upsert(ctx, recipe))

	got, err = store.GetByID(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "Soup", got.Title)
	require.JSONEq(t, `{"ingredients":["water"]}`, string(got.Payload))
	require.True(t, got.UpdatedAt.Equal(now))
	require.False(t, got.Deleted)

	// Overwrite keeps the row count at one.
	recipe.Title = "Soup v2"
	recipe.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, store.Upsert(ctx, recipe))
	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "Soup v2", all[0].Title)
}

func TestSQLiteRecipeStore_UpsertDefaultsUpdatedAt(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Recipe{ID: "r1", Title: "Soup"}))
	got, err := store.GetByID(ctx, "r1")
	require.NoError(t, err)
	require.False(t, got.UpdatedAt.IsZero())
}

func TestSQLiteRecipeStore_TombstoneLifecycle(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Upsert(ctx, &Recipe{ID: "r1", Title: "Soup", UpdatedAt: before}))
	require.NoError(t, store.MarkDeleted(ctx, "r1"))

	// Tombstones stay visible to the engine with a bumped UpdatedAt.
	got, err := store.GetByID(ctx, "r1")
	require.NoError(t, err)
	require.True(t, got.Deleted)
	require.True(t, got.UpdatedAt.After(before))
	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.Delete(ctx, "r1"))
	got, err = store.GetByID(ctx, "r1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSQLiteRecipeStore_GetOriginalContent(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	recipe := &Recipe{ID: "r1", Title: "Soup", Payload: json.RawMessage(`{"a":1}`), UpdatedAt: time.Now().UTC()}
	require.NoError(t, store.Upsert(ctx, recipe))

	data, err := store.GetOriginalContent(ctx, "r1")
	require.NoError(t, err)

	// The content round-trips as a complete recipe.
	var decoded Recipe
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "r1", decoded.ID)
	require.Equal(t, "Soup", decoded.Title)
	require.JSONEq(t, `{"a":1}`, string(decoded.Payload))

	_, err = store.GetOriginalContent(ctx, "missing")
	require.Error(t, err)
}

func TestSQLiteRecipeStore_ListChangedSince(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Upsert(ctx, &Recipe{ID: "old", UpdatedAt: base.Add(-time.Hour)}))
	require.NoError(t, store.Upsert(ctx, &Recipe{ID: "new", UpdatedAt: base.Add(time.Hour)}))

	changed, err := store.ListChangedSince(ctx, base)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	require.Equal(t, "new", changed[0].ID)
}
