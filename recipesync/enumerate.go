// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// LocalDelta is everything that diverged on the local side since the last
// pass.
type LocalDelta struct {
	New     []*Recipe       // no mapping row: never synced
	Changed []*Recipe       // UpdatedAt moved past the stored snapshot
	Deleted []*SyncedRecipe // mapping row whose local recipe is gone or tombstoned

	// Tombstoned recipes that never synced: nothing to delete remotely, the
	// local row can be purged right away.
	NeverSyncedTombstones []string
}

// RemoteDelta is everything that diverged on the remote side since the stored
// change token.
type RemoteDelta struct {
	New     []ResourceInfo  // resource id not present in any mapping row
	Changed []ResourceInfo  // version or checksum differs from the snapshot
	Removed []*SyncedRecipe // mapping rows whose resource was removed remotely
}

// Delta is one pass worth of divergence, plus the token to persist once the
// pass commits.
type Delta struct {
	Local       LocalDelta
	Remote      RemoteDelta
	NextToken   string
	FullListing bool // the pass fell back to a full listing
}

// Enumerator computes local and remote deltas since the last pass. Remote
// enumeration is O(changes) when a change token is available and falls back
// to a full listing of the root container on the first pass or when the
// remote invalidates the token.
type Enumerator struct {
	local  LocalRecipeStore
	remote RemoteStore
	meta   *MetadataStore
	logger *slog.Logger
}

// NewEnumerator creates an enumerator over the given collaborators.
func NewEnumerator(local LocalRecipeStore, remote RemoteStore, meta *MetadataStore, logger *slog.Logger) *Enumerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enumerator{local: local, remote: remote, meta: meta, logger: logger}
}

// Enumerate computes the combined delta for one pass. The stored change token
// is consumed but not persisted here; the orchestrator commits Delta.NextToken
// atomically at the end of the pass.
func (e *Enumerator) Enumerate(ctx context.Context) (*Delta, error) {
	synced, err := e.meta.ListSyncedRecipes(ctx)
	if err != nil {
		return nil, err
	}
	byRecipeID := make(map[string]*SyncedRecipe, len(synced))
	byResourceID := make(map[string]*SyncedRecipe, len(synced))
	for _, sr := range synced {
		byRecipeID[sr.LocalRecipeID] = sr
		byResourceID[sr.RemoteResource] = sr
	}

	delta := &Delta{}
	if err := e.enumerateLocal(ctx, byRecipeID, delta); err != nil {
		return nil, err
	}
	if err := e.enumerateRemote(ctx, byResourceID, delta); err != nil {
		return nil, err
	}
	return delta, nil
}

func (e *Enumerator) enumerateLocal(ctx context.Context, synced map[string]*SyncedRecipe, delta *Delta) error {
	recipes, err := e.local.GetAll(ctx)
	if err != nil {
		return &SyncError{Kind: KindFatal, Op: "enumerate", Err: fmt.Errorf("local store read failed: %w", err)}
	}

	seen := make(map[string]bool, len(recipes))
	for _, r := range recipes {
		seen[r.ID] = true
		sr, ok := synced[r.ID]
		switch {
		case r.Deleted:
			if ok {
				delta.Local.Deleted = append(delta.Local.Deleted, sr)
			} else {
				delta.Local.NeverSyncedTombstones = append(delta.Local.NeverSyncedTombstones, r.ID)
			}
		case !ok:
			delta.Local.New = append(delta.Local.New, r)
		case r.UpdatedAt.After(sr.LocalModifiedAt):
			delta.Local.Changed = append(delta.Local.Changed, r)
		}
	}

	// Mapping rows with no surviving local recipe are local deletions too.
	for id, sr := range synced {
		if !seen[id] {
			delta.Local.Deleted = append(delta.Local.Deleted, sr)
		}
	}
	return nil
}

func (e *Enumerator) enumerateRemote(ctx context.Context, byResourceID map[string]*SyncedRecipe, delta *Delta) error {
	state, err := e.meta.GetState(ctx)
	if err != nil {
		return err
	}

	token := state.ChangeToken
	changes, nextToken, err := e.remote.ListChangesSince(ctx, token)
	if errors.Is(err, ErrTokenInvalidated) && token != "" {
		// Token rejected: fall back to a full listing for this pass only.
		e.logger.Warn("change token invalidated, falling back to full listing", "token", token)
		token = ""
		changes, nextToken, err = e.remote.ListChangesSince(ctx, "")
	}
	if err != nil {
		return &SyncError{Kind: KindTransient, Op: "enumerate", Err: fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)}
	}
	delta.NextToken = nextToken
	delta.FullListing = token == ""

	if delta.FullListing {
		e.classifyFullListing(changes, byResourceID, delta)
		return nil
	}

	for _, ch := range changes {
		sr := byResourceID[ch.Resource.ID]
		switch {
		case ch.Removed:
			if sr != nil {
				delta.Remote.Removed = append(delta.Remote.Removed, sr)
			}
		case sr == nil:
			delta.Remote.New = append(delta.Remote.New, ch.Resource)
		case resourceDiffers(ch.Resource, sr):
			delta.Remote.Changed = append(delta.Remote.Changed, ch.Resource)
		}
	}
	return nil
}

// classifyFullListing treats changes as the complete current contents of the
// root container: anything mapped but absent from the listing was removed
// remotely.
func (e *Enumerator) classifyFullListing(listing []RemoteChange, byResourceID map[string]*SyncedRecipe, delta *Delta) {
	present := make(map[string]bool, len(listing))
	for _, ch := range listing {
		if ch.Removed {
			continue
		}
		present[ch.Resource.ID] = true
		sr := byResourceID[ch.Resource.ID]
		switch {
		case sr == nil:
			delta.Remote.New = append(delta.Remote.New, ch.Resource)
		case resourceDiffers(ch.Resource, sr):
			delta.Remote.Changed = append(delta.Remote.Changed, ch.Resource)
		}
	}
	for id, sr := range byResourceID {
		if !present[id] {
			delta.Remote.Removed = append(delta.Remote.Removed, sr)
		}
	}
}

// resourceDiffers reports whether the live remote resource moved past the
// stored snapshot. Version is authoritative; checksum catches backends that
// rewrite content without bumping the version.
func resourceDiffers(res ResourceInfo, sr *SyncedRecipe) bool {
	return res.Version != sr.RemoteVersion || res.Checksum != sr.RemoteChecksum
}
