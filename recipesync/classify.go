// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipesync

import (
	"context"
	"database/sql"
	"log/slog"
)

// UploadIntent is one recipe the classifier decided to push.
type UploadIntent struct {
	RecipeID  string
	Overwrite bool // forced upload that ignores the remote version guard
}

// DownloadIntent is one remote resource the classifier decided to pull.
// Known is nil for a resource never seen before (a recipe created on another
// device).
type DownloadIntent struct {
	Resource ResourceInfo
	Known    *SyncedRecipe
}

// Plan is the outcome of classifying one delta. Uploads and deletes are
// persisted to the pending queue before the plan is returned; downloads and
// purges are executed inline by the orchestrator.
type Plan struct {
	Uploads   []UploadIntent
	Deletes   []*SyncedRecipe
	Downloads []DownloadIntent

	// Purges are recipes to remove locally together with their mapping rows:
	// remote deletions without a concurrent local edit, plus tombstones that
	// never synced.
	Purges []string

	Conflicts []string
}

// Classifier turns a Delta into per-recipe status transitions and queued
// operations. All queue writes and status transitions for one pass commit in
// a single transaction.
type Classifier struct {
	meta   *MetadataStore
	logger *slog.Logger
}

// NewClassifier creates a classifier backed by the given metadata store.
func NewClassifier(meta *MetadataStore, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{meta: meta, logger: logger}
}

// Classify applies the per-recipe transition rules:
//
//	only local changed  -> LOCAL_AHEAD, queue UPLOAD
//	only remote changed -> REMOTE_AHEAD, download and overwrite local
//	both changed        -> CONFLICT, no automatic resolution
//	locally deleted     -> queue guarded DELETE (or CONFLICT when the remote
//	                       is already known to have moved past the snapshot)
//	remotely deleted    -> purge local copy, or CONFLICT when a local edit
//	                       raced the deletion
//
// When neither side changed the recipe stays IN_SYNC and no operation is
// produced.
func (c *Classifier) Classify(ctx context.Context, delta *Delta) (*Plan, error) {
	plan := &Plan{}

	localChanged := make(map[string]bool, len(delta.Local.Changed))
	for _, r := range delta.Local.Changed {
		localChanged[r.ID] = true
	}
	localDeleted := make(map[string]*SyncedRecipe, len(delta.Local.Deleted))
	for _, sr := range delta.Local.Deleted {
		localDeleted[sr.LocalRecipeID] = sr
	}
	remoteChanged := make(map[string]ResourceInfo, len(delta.Remote.Changed))
	for _, res := range delta.Remote.Changed {
		remoteChanged[res.ID] = res
	}
	remoteRemoved := make(map[string]bool, len(delta.Remote.Removed))
	for _, sr := range delta.Remote.Removed {
		remoteRemoved[sr.LocalRecipeID] = true
	}

	err := c.meta.WithTx(ctx, func(tx *sql.Tx) error {
		// Brand-new local recipes are upload candidates regardless of the
		// remote delta (no mapping row means the remote cannot know them).
		for _, r := range delta.Local.New {
			plan.Uploads = append(plan.Uploads, UploadIntent{RecipeID: r.ID})
			if err := c.meta.EnqueueUploadInTx(ctx, tx, r.ID, false); err != nil {
				return err
			}
		}

		for _, r := range delta.Local.Changed {
			sr, err := c.meta.GetSyncedRecipe(ctx, r.ID)
			if err != nil {
				return err
			}
			if sr == nil {
				continue // raced a purge; next pass re-enumerates
			}
			switch {
			case sr.Status == StatusConflict:
				// Sticky until the user resolves; the remote change that caused
				// it was consumed with an earlier token.
				plan.Conflicts = append(plan.Conflicts, r.ID)
			case remoteRemoved[r.ID]:
				// Edited here, deleted elsewhere: keep the local content and
				// let the user decide.
				plan.Conflicts = append(plan.Conflicts, r.ID)
				if err := c.meta.SetSyncStatusInTx(ctx, tx, r.ID, StatusConflict); err != nil {
					return err
				}
			case hasResourceChange(remoteChanged, sr.RemoteResource):
				plan.Conflicts = append(plan.Conflicts, r.ID)
				if err := c.meta.SetSyncStatusInTx(ctx, tx, r.ID, StatusConflict); err != nil {
					return err
				}
			default:
				plan.Uploads = append(plan.Uploads, UploadIntent{RecipeID: r.ID})
				if err := c.meta.SetSyncStatusInTx(ctx, tx, r.ID, StatusLocalAhead); err != nil {
					return err
				}
				if err := c.meta.EnqueueUploadInTx(ctx, tx, r.ID, false); err != nil {
					return err
				}
			}
		}

		for _, sr := range delta.Local.Deleted {
			switch {
			case sr.Status == StatusConflict:
				plan.Conflicts = append(plan.Conflicts, sr.LocalRecipeID)
			case remoteRemoved[sr.LocalRecipeID]:
				// Deleted on both sides: nothing left to guard, just purge.
				plan.Purges = append(plan.Purges, sr.LocalRecipeID)
			case hasResourceChange(remoteChanged, sr.RemoteResource):
				// The remote already moved past our snapshot; the guarded
				// delete would only bounce off the precondition check.
				plan.Conflicts = append(plan.Conflicts, sr.LocalRecipeID)
				if err := c.meta.SetSyncStatusInTx(ctx, tx, sr.LocalRecipeID, StatusConflict); err != nil {
					return err
				}
			default:
				plan.Deletes = append(plan.Deletes, sr)
				if err := c.meta.SetSyncStatusInTx(ctx, tx, sr.LocalRecipeID, StatusLocallyDeleted); err != nil {
					return err
				}
				if err := c.meta.EnqueueDeleteInTx(ctx, tx, sr); err != nil {
					return err
				}
			}
		}

		for _, res := range delta.Remote.Changed {
			sr, err := c.syncedByResource(ctx, res.ID)
			if err != nil {
				return err
			}
			if sr == nil {
				plan.Downloads = append(plan.Downloads, DownloadIntent{Resource: res})
				continue
			}
			if localChanged[sr.LocalRecipeID] || localDeleted[sr.LocalRecipeID] != nil {
				continue // already classified as conflict above
			}
			if sr.Status == StatusConflict {
				continue // unresolved conflict; the user picks a side
			}
			plan.Downloads = append(plan.Downloads, DownloadIntent{Resource: res, Known: sr})
			if err := c.meta.SetSyncStatusInTx(ctx, tx, sr.LocalRecipeID, StatusRemoteAhead); err != nil {
				return err
			}
		}

		for _, res := range delta.Remote.New {
			plan.Downloads = append(plan.Downloads, DownloadIntent{Resource: res})
		}

		for _, sr := range delta.Remote.Removed {
			if localChanged[sr.LocalRecipeID] {
				continue // conflict, handled in the local-changed loop
			}
			if localDeleted[sr.LocalRecipeID] != nil {
				continue // both-deleted, purged in the local-deleted loop
			}
			if sr.Status == StatusConflict {
				continue // unresolved conflict; local content stays put
			}
			plan.Purges = append(plan.Purges, sr.LocalRecipeID)
			if err := c.meta.SetSyncStatusInTx(ctx, tx, sr.LocalRecipeID, StatusRemotelyDeleted); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	plan.Purges = append(plan.Purges, delta.Local.NeverSyncedTombstones...)

	c.logger.Debug("classified delta",
		"uploads", len(plan.Uploads), "deletes", len(plan.Deletes),
		"downloads", len(plan.Downloads), "purges", len(plan.Purges),
		"conflicts", len(plan.Conflicts))
	return plan, nil
}

func (c *Classifier) syncedByResource(ctx context.Context, resourceID string) (*SyncedRecipe, error) {
	return c.meta.GetSyncedRecipeByResource(ctx, resourceID)
}

func hasResourceChange(changed map[string]ResourceInfo, resourceID string) bool {
	_, ok := changed[resourceID]
	return ok
}
