// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config holds configuration for the sync orchestrator.
type Config struct {
	Executor ExecutorConfig

	// OnStatusChange, when set, receives an EngineStatus snapshot after every
	// state-changing step (pass completion, enable/disable, conflict
	// resolution).
	OnStatusChange func(EngineStatus)
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() *Config {
	return &Config{Executor: DefaultExecutorConfig()}
}

type passResult struct {
	summary *SyncSummary
	err     error
}

// Orchestrator drives end-to-end sync passes and exposes the engine's public
// control surface. A single-flight guard ensures only one pass (or
// user-driven conflict resolution) runs at a time; concurrent triggers
// coalesce into one more pass after the current one finishes.
type Orchestrator struct {
	meta       *MetadataStore
	local      LocalRecipeStore
	remote     RemoteStore
	enumerator *Enumerator
	classifier *Classifier
	executor   *Executor
	config     *Config
	logger     *slog.Logger

	// runMu is the single-flight guard. It is the only shared mutable
	// resource requiring explicit mutual exclusion; all table access goes
	// through MetadataStore transactions.
	runMu sync.Mutex

	// trigger coalescing state
	mu            sync.Mutex
	triggerActive bool
	rerun         bool
	waiters       []chan passResult
}

// NewOrchestrator wires the engine components over the given collaborators.
func NewOrchestrator(meta *MetadataStore, local LocalRecipeStore, remote RemoteStore, config *Config, logger *slog.Logger) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		meta:       meta,
		local:      local,
		remote:     remote,
		enumerator: NewEnumerator(local, remote, meta, logger),
		classifier: NewClassifier(meta, logger),
		executor:   NewExecutor(meta, local, remote, config.Executor, logger),
		config:     config,
		logger:     logger,
	}
}

// EnableSync turns the engine on against the given remote root container.
// An empty containerID creates a fresh container named name.
func (o *Orchestrator) EnableSync(ctx context.Context, containerID, name string) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if containerID == "" {
		container, err := o.remote.CreateContainer(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to create root container: %w", err)
		}
		containerID = container.ID
		name = container.Name
	}

	state, err := o.meta.GetState(ctx)
	if err != nil {
		return err
	}
	state.Enabled = true
	state.RootContainerID = containerID
	state.RootContainerName = name
	state.LastError = ""
	if err := o.meta.SaveState(ctx, state); err != nil {
		return err
	}
	o.notifyStatus(ctx)
	return nil
}

// DisableSync turns the engine off. Mappings, queued operations and the
// change token are preserved so a later re-enable resumes where it left off.
func (o *Orchestrator) DisableSync(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	state, err := o.meta.GetState(ctx)
	if err != nil {
		return err
	}
	state.Enabled = false
	if err := o.meta.SaveState(ctx, state); err != nil {
		return err
	}
	o.notifyStatus(ctx)
	return nil
}

// TriggerSync runs one pass and returns its summary. If a pass is already
// running the request coalesces: the engine runs once more after the current
// pass finishes, and every coalesced caller receives the final summary of
// that cycle.
func (o *Orchestrator) TriggerSync(ctx context.Context) (*SyncSummary, error) {
	o.mu.Lock()
	if o.triggerActive {
		o.rerun = true
		ch := make(chan passResult, 1)
		o.waiters = append(o.waiters, ch)
		o.mu.Unlock()
		select {
		case r := <-ch:
			return r.summary, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	o.triggerActive = true
	o.mu.Unlock()

	var res passResult
	for {
		o.runMu.Lock()
		summary, err := o.runPass(ctx)
		o.runMu.Unlock()
		res = passResult{summary: summary, err: err}

		o.mu.Lock()
		if o.rerun && err == nil {
			o.rerun = false
			o.mu.Unlock()
			continue
		}
		o.rerun = false
		waiters := o.waiters
		o.waiters = nil
		o.triggerActive = false
		o.mu.Unlock()
		for _, w := range waiters {
			w <- res
		}
		return res.summary, res.err
	}
}

// runPass performs one end-to-end pass: enumerate, classify, apply downloads
// and purges, drain the operation queue, then persist the consumed change
// token atomically with the final state. Callers hold runMu.
func (o *Orchestrator) runPass(ctx context.Context) (*SyncSummary, error) {
	state, err := o.meta.GetState(ctx)
	if err != nil {
		return nil, err
	}
	if !state.Enabled {
		return nil, ErrSyncDisabled
	}

	started := time.Now().UTC()
	summary := &SyncSummary{}

	delta, err := o.enumerator.Enumerate(ctx)
	if err != nil {
		// Enumeration failure aborts the whole pass; the token is not
		// consumed, so nothing advances.
		o.recordPassError(ctx, err)
		return nil, err
	}

	plan, err := o.classifier.Classify(ctx, delta)
	if err != nil {
		o.recordPassError(ctx, err)
		return nil, err
	}
	summary.Conflicts += len(plan.Conflicts)

	// A download or purge failure leaves a change consumed by enumeration but
	// not applied; the old token is kept so the next pass re-sees it.
	holdToken := false
	for _, dl := range plan.Downloads {
		if err := o.applyDownload(ctx, dl); err != nil {
			if Classify(err) == KindFatal {
				o.recordPassError(ctx, err)
				return summary, err
			}
			o.logger.Warn("download failed", "resource", dl.Resource.ID, "error", err)
			summary.Errors++
			holdToken = true
			continue
		}
		if dl.Known == nil {
			summary.Downloaded++
		} else {
			summary.Updated++
		}
	}

	for _, recipeID := range plan.Purges {
		if err := o.purgeLocal(ctx, recipeID); err != nil {
			if Classify(err) == KindFatal {
				o.recordPassError(ctx, err)
				return summary, err
			}
			o.logger.Warn("local purge failed", "recipe", recipeID, "error", err)
			summary.Errors++
			holdToken = true
			continue
		}
		summary.Deleted++
	}

	execRes, execErr := o.executor.Run(ctx)
	summary.Uploaded += execRes.Uploaded
	summary.Deleted += execRes.Deleted
	summary.Conflicts += execRes.Conflicts
	summary.Errors += execRes.Failed
	if execRes.Fatal != nil {
		o.recordPassError(ctx, execRes.Fatal)
		return summary, execRes.Fatal
	}
	if execErr != nil {
		// Cancellation mid-drain: queued rows stay PENDING, the token is not
		// advanced, and the next trigger resumes.
		o.recordPassError(ctx, execErr)
		return summary, execErr
	}

	// Commit the consumed token and pass timestamps in one transaction with
	// the queue cleanup, so a crash never advances the token past unprocessed
	// changes. Timestamps advance because enumeration and classification
	// completed; individual operation failures are reported in the summary
	// instead of blocking them.
	err = o.meta.WithTx(ctx, func(tx *sql.Tx) error {
		st, err := o.meta.GetState(ctx)
		if err != nil {
			return err
		}
		if !holdToken {
			st.ChangeToken = delta.NextToken
			if delta.FullListing {
				st.LastFullSyncAt = started
			}
		}
		st.LastIncrementalAt = started
		if summary.Errors > 0 {
			st.LastError = fmt.Sprintf("%d operation(s) failed", summary.Errors)
		} else {
			st.LastError = ""
		}
		if err := o.meta.SaveStateInTx(ctx, tx, st); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM _recipe_sync_pending WHERE status = 'DONE'`); err != nil {
			return fmt.Errorf("failed to prune finished operations: %w", err)
		}
		return nil
	})
	if err != nil {
		return summary, err
	}

	o.logger.Info("sync pass complete",
		"uploaded", summary.Uploaded, "downloaded", summary.Downloaded,
		"updated", summary.Updated, "deleted", summary.Deleted,
		"conflicts", summary.Conflicts, "errors", summary.Errors,
		"full_listing", delta.FullListing, "duration", time.Since(started))
	o.notifyStatus(ctx)
	return summary, nil
}

// applyDownload pulls the remote payload and overwrites local content,
// advancing the snapshot so the overwrite is not mistaken for a local edit.
func (o *Orchestrator) applyDownload(ctx context.Context, dl DownloadIntent) error {
	payload, err := o.remote.DownloadResource(ctx, dl.Resource.ID)
	if err != nil {
		return fmt.Errorf("download resource %s: %w", dl.Resource.ID, err)
	}

	var recipe Recipe
	if err := json.Unmarshal(payload, &recipe); err != nil {
		return &SyncError{Kind: KindPermanent, Op: "download",
			Err: fmt.Errorf("malformed payload for resource %s: %w", dl.Resource.ID, err)}
	}
	if recipe.ID == "" {
		return &SyncError{Kind: KindPermanent, Op: "download",
			Err: fmt.Errorf("payload for resource %s carries no recipe id", dl.Resource.ID)}
	}

	now := time.Now().UTC()
	recipe.UpdatedAt = now
	recipe.Deleted = false
	if err := o.local.Upsert(ctx, &recipe); err != nil {
		return &SyncError{Kind: KindFatal, Op: "download", Err: fmt.Errorf("local overwrite failed: %w", err)}
	}

	return o.meta.WithTx(ctx, func(tx *sql.Tx) error {
		return o.meta.UpsertSyncedRecipeInTx(ctx, tx, &SyncedRecipe{
			LocalRecipeID:    recipe.ID,
			RemoteContainer:  dl.Resource.ContainerID,
			RemoteResource:   dl.Resource.ID,
			RemoteVersion:    dl.Resource.Version,
			RemoteModifiedAt: dl.Resource.ModifiedAt,
			RemoteChecksum:   dl.Resource.Checksum,
			LastSyncedAt:     now,
			LocalModifiedAt:  now,
			Status:           StatusInSync,
		})
	})
}

// purgeLocal removes a recipe and its mapping row after remote deletion is
// confirmed (or when it never synced).
func (o *Orchestrator) purgeLocal(ctx context.Context, recipeID string) error {
	if err := o.meta.WithTx(ctx, func(tx *sql.Tx) error {
		return o.meta.DeleteSyncedRecipeInTx(ctx, tx, recipeID)
	}); err != nil {
		return err
	}
	if err := o.local.Delete(ctx, recipeID); err != nil {
		return &SyncError{Kind: KindFatal, Op: "purge", Err: fmt.Errorf("local delete failed: %w", err)}
	}
	return nil
}

// Conflicts lists the recipes the engine refuses to reconcile automatically.
func (o *Orchestrator) Conflicts(ctx context.Context) ([]ConflictInfo, error) {
	rows, err := o.meta.ListConflicts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ConflictInfo, 0, len(rows))
	for _, sr := range rows {
		info := ConflictInfo{
			LocalRecipeID:    sr.LocalRecipeID,
			RemoteVersion:    sr.RemoteVersion,
			RemoteModifiedAt: sr.RemoteModifiedAt,
			DetectedAt:       sr.LastSyncedAt,
		}
		if recipe, err := o.local.GetByID(ctx, sr.LocalRecipeID); err == nil && recipe != nil {
			info.Title = recipe.Title
			info.LocalUpdatedAt = recipe.UpdatedAt
		}
		if _, err := o.remote.GetResourceMetadata(ctx, sr.RemoteResource); errors.Is(err, ErrResourceNotFound) {
			info.RemoteDeleted = true
		}
		out = append(out, info)
	}
	return out, nil
}

// ResolveConflictKeepLocal forces an UPLOAD that overwrites the remote
// unconditionally. It takes the single-flight guard so it never races a pass
// mid-classification for the same recipe.
func (o *Orchestrator) ResolveConflictKeepLocal(ctx context.Context, recipeID string) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	sr, err := o.meta.GetSyncedRecipe(ctx, recipeID)
	if err != nil {
		return err
	}
	if sr == nil || sr.Status != StatusConflict {
		return ErrNotInConflict
	}

	recipe, err := o.local.GetByID(ctx, recipeID)
	if err != nil {
		return fmt.Errorf("local store read failed: %w", err)
	}
	if recipe == nil {
		return fmt.Errorf("recipe %s: %w", recipeID, ErrResourceNotFound)
	}

	if err := o.meta.WithTx(ctx, func(tx *sql.Tx) error {
		if err := o.meta.SetSyncStatusInTx(ctx, tx, recipeID, StatusLocalAhead); err != nil {
			return err
		}
		return o.meta.EnqueueUploadInTx(ctx, tx, recipeID, true)
	}); err != nil {
		return err
	}

	execRes, err := o.executor.Run(ctx)
	if err == nil && execRes.Fatal != nil {
		o.recordPassError(ctx, execRes.Fatal)
		err = execRes.Fatal
	}
	o.notifyStatus(ctx)
	return err
}

// ResolveConflictKeepRemote overwrites local content with the live remote
// payload. When the conflict was caused by a remote deletion, keeping remote
// means accepting the deletion: the local copy is purged.
func (o *Orchestrator) ResolveConflictKeepRemote(ctx context.Context, recipeID string) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	sr, err := o.meta.GetSyncedRecipe(ctx, recipeID)
	if err != nil {
		return err
	}
	if sr == nil || sr.Status != StatusConflict {
		return ErrNotInConflict
	}

	live, err := o.remote.GetResourceMetadata(ctx, sr.RemoteResource)
	if errors.Is(err, ErrResourceNotFound) {
		if err := o.purgeLocal(ctx, recipeID); err != nil {
			return err
		}
		o.notifyStatus(ctx)
		return nil
	}
	if err != nil {
		return fmt.Errorf("remote metadata read failed: %w", err)
	}

	if err := o.applyDownload(ctx, DownloadIntent{Resource: live, Known: sr}); err != nil {
		return err
	}
	o.notifyStatus(ctx)
	return nil
}

// Status returns a point-in-time snapshot of the engine.
func (o *Orchestrator) Status(ctx context.Context) (EngineStatus, error) {
	state, err := o.meta.GetState(ctx)
	if err != nil {
		return EngineStatus{}, err
	}
	pending, err := o.meta.CountLiveOperations(ctx)
	if err != nil {
		return EngineStatus{}, err
	}
	conflicts, err := o.meta.ListConflicts(ctx)
	if err != nil {
		return EngineStatus{}, err
	}
	lastSync := state.LastIncrementalAt
	if state.LastFullSyncAt.After(lastSync) {
		lastSync = state.LastFullSyncAt
	}
	return EngineStatus{
		Enabled:               state.Enabled,
		PendingOperationCount: pending,
		ConflictCount:         len(conflicts),
		LastSyncAt:            lastSync,
		LastError:             state.LastError,
	}, nil
}

func (o *Orchestrator) recordPassError(ctx context.Context, passErr error) {
	state, err := o.meta.GetState(context.WithoutCancel(ctx))
	if err != nil {
		o.logger.Error("failed to load state while recording pass error", "error", err)
		return
	}
	state.LastError = passErr.Error()
	if Classify(passErr) == KindFatal {
		// The local store is unusable; sync stays off until the user repairs
		// it and re-enables.
		state.Enabled = false
	}
	if err := o.meta.SaveState(context.WithoutCancel(ctx), state); err != nil {
		o.logger.Error("failed to record pass error", "error", err)
	}
	o.notifyStatus(ctx)
}

func (o *Orchestrator) notifyStatus(ctx context.Context) {
	if o.config.OnStatusChange == nil {
		return
	}
	status, err := o.Status(context.WithoutCancel(ctx))
	if err != nil {
		o.logger.Error("failed to build status snapshot", "error", err)
		return
	}
	o.config.OnStatusChange(status)
}
