// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// reason recorded on a DELETE aborted by the optimistic-concurrency guard.
const reasonPreconditionMismatch = "precondition-mismatch"

// ExecutorConfig bounds the executor's parallelism and retry behavior.
type ExecutorConfig struct {
	MaxParallel int           // concurrent operations across distinct recipes
	MaxAttempts int           // total attempts per operation before FAILED
	BackoffMin  time.Duration // first retry delay
	BackoffMax  time.Duration // retry delay cap
}

// DefaultExecutorConfig returns the executor defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxParallel: 4,
		MaxAttempts: 5,
		BackoffMin:  1 * time.Second,
		BackoffMax:  30 * time.Second,
	}
}

// ExecResult aggregates one queue drain.
type ExecResult struct {
	Uploaded  int
	Deleted   int
	Conflicts int // operations aborted by the version guard
	Failed    int

	// Fatal is the first fatal error encountered, typically local store
	// corruption. The caller disables the engine instead of retrying.
	Fatal error
}

// Executor drains the persisted operation queue. Operations for the same
// recipe run strictly in queue order; operations for distinct recipes run in
// parallel up to MaxParallel. Each completed operation commits its own short
// transaction immediately so partial progress is durable.
type Executor struct {
	meta   *MetadataStore
	local  LocalRecipeStore
	remote RemoteStore
	config ExecutorConfig
	logger *slog.Logger
}

// NewExecutor creates an executor over the given collaborators.
func NewExecutor(meta *MetadataStore, local LocalRecipeStore, remote RemoteStore, config ExecutorConfig, logger *slog.Logger) *Executor {
	if config.MaxParallel <= 0 {
		config.MaxParallel = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{meta: meta, local: local, remote: remote, config: config, logger: logger}
}

// Run drains every runnable operation. A failed operation never blocks the
// rest of the queue; the result separates successes from failures so callers
// can distinguish "nothing to do" from "partially failed". Cancellation is
// cooperative: an in-flight operation finishes or aborts without partial
// remote side effects, and unfinished rows stay PENDING for the next trigger.
func (e *Executor) Run(ctx context.Context) (ExecResult, error) {
	ops, err := e.meta.ListRunnableOperations(ctx)
	if err != nil {
		return ExecResult{}, err
	}
	if len(ops) == 0 {
		return ExecResult{}, nil
	}

	// Serialize per recipe: one lane per recipe id, lanes run in parallel.
	lanes := make(map[string][]*PendingOperation)
	var order []string
	for _, op := range ops {
		if _, ok := lanes[op.LocalRecipeID]; !ok {
			order = append(order, op.LocalRecipeID)
		}
		lanes[op.LocalRecipeID] = append(lanes[op.LocalRecipeID], op)
	}

	results := make([]ExecResult, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxParallel)
	for i, recipeID := range order {
		lane := lanes[recipeID]
		g.Go(func() error {
			for _, op := range lane {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.runOperation(gctx, op, &results[i])
			}
			return nil
		})
	}
	err = g.Wait()

	var total ExecResult
	for _, r := range results {
		total.Uploaded += r.Uploaded
		total.Deleted += r.Deleted
		total.Conflicts += r.Conflicts
		total.Failed += r.Failed
		if r.Fatal != nil && total.Fatal == nil {
			total.Fatal = r.Fatal
		}
	}
	return total, err
}

// runOperation executes one queue row to a terminal or retriable state.
// Errors are absorbed into the row and the result; only cancellation
// propagates.
func (e *Executor) runOperation(ctx context.Context, op *PendingOperation, res *ExecResult) {
	for {
		if err := e.meta.MarkOperationInProgress(ctx, op.ID); err != nil {
			e.logger.Error("failed to mark operation in progress", "op", op.ID, "error", err)
			res.Failed++
			return
		}
		op.AttemptCount++

		var err error
		counted := true
		switch op.Type {
		case OpUpload:
			counted, err = e.runUpload(ctx, op)
		case OpDelete:
			err = e.runDelete(ctx, op)
		default:
			err = &SyncError{Kind: KindPermanent, Op: "execute", Err: fmt.Errorf("unknown operation type %q", op.Type)}
		}

		if err == nil {
			if counted {
				switch op.Type {
				case OpUpload:
					res.Uploaded++
				case OpDelete:
					res.Deleted++
				}
			}
			return
		}
		if ctx.Err() != nil {
			// Cancelled mid-flight: leave the row PENDING for the next pass.
			_ = e.meta.RecordOperationError(context.WithoutCancel(ctx), op.ID, ctx.Err().Error())
			return
		}

		kind := Classify(err)
		switch kind {
		case KindPrecondition:
			// Retrying cannot change the outcome; the recipe becomes a
			// conflict for the user to resolve.
			if ferr := e.failAsConflict(ctx, op); ferr != nil {
				e.logger.Error("failed to record precondition conflict", "op", op.ID, "error", ferr)
			}
			res.Conflicts++
			return
		case KindPermanent, KindFatal:
			if ferr := e.failOperation(ctx, op.ID, fmt.Sprintf("%s: %v", kind, err)); ferr != nil {
				e.logger.Error("failed to record operation failure", "op", op.ID, "error", ferr)
			}
			res.Failed++
			if kind == KindFatal && res.Fatal == nil {
				res.Fatal = err
			}
			return
		}

		// Transient: keep the error on the row and retry with backoff until
		// attempts run out.
		if rerr := e.meta.RecordOperationError(ctx, op.ID, err.Error()); rerr != nil {
			e.logger.Error("failed to record transient error", "op", op.ID, "error", rerr)
		}
		if op.AttemptCount >= e.config.MaxAttempts {
			if ferr := e.failOperation(ctx, op.ID, fmt.Sprintf("retries exhausted: %v", err)); ferr != nil {
				e.logger.Error("failed to record operation failure", "op", op.ID, "error", ferr)
			}
			res.Failed++
			return
		}
		e.logger.Warn("operation failed, retrying",
			"op", op.ID, "type", op.Type, "recipe", op.LocalRecipeID,
			"attempt", op.AttemptCount, "error", err)
		if serr := sleepWithContext(ctx, e.backoff(op.AttemptCount)); serr != nil {
			_ = e.meta.RecordOperationError(context.WithoutCancel(ctx), op.ID, serr.Error())
			return
		}
	}
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := e.config.BackoffMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.config.BackoffMax {
			return e.config.BackoffMax
		}
	}
	if d > e.config.BackoffMax {
		d = e.config.BackoffMax
	}
	return d
}

// runUpload pushes the latest local content for the recipe. A mapped upload is
// guarded: it executes only if the live remote version still equals the stored
// snapshot, so an edit from another device that the stored token has not seen
// yet is never overwritten blindly. op.Overwrite (keep-local resolution) skips
// the guard. The returned bool is false when the recipe vanished before
// execution and nothing was pushed.
func (e *Executor) runUpload(ctx context.Context, op *PendingOperation) (bool, error) {
	recipe, err := e.local.GetByID(ctx, op.LocalRecipeID)
	if err != nil {
		return false, &SyncError{Kind: KindFatal, Op: "upload", Err: fmt.Errorf("local store read failed: %w", err)}
	}
	if recipe == nil || recipe.Deleted {
		// The recipe disappeared between enqueue and execution; a later pass
		// will queue the matching DELETE.
		return false, e.meta.WithTx(ctx, func(tx *sql.Tx) error {
			return e.meta.MarkOperationDoneInTx(ctx, tx, op.ID)
		})
	}
	payload, err := e.local.GetOriginalContent(ctx, op.LocalRecipeID)
	if err != nil {
		return false, &SyncError{Kind: KindFatal, Op: "upload", Err: fmt.Errorf("local content read failed: %w", err)}
	}

	sr, err := e.meta.GetSyncedRecipe(ctx, op.LocalRecipeID)
	if err != nil {
		return false, err
	}

	if sr != nil && sr.RemoteResource != "" && !op.Overwrite {
		live, err := e.remote.GetResourceMetadata(ctx, sr.RemoteResource)
		switch {
		case errors.Is(err, ErrResourceNotFound):
			// Vanished remotely; the upload below recreates it.
		case err != nil:
			return false, &SyncError{Kind: Classify(err), Op: "upload", Err: fmt.Errorf("version guard: %w", err)}
		case live.Version != sr.RemoteVersion:
			return false, &SyncError{Kind: KindPrecondition, Op: "upload",
				Err: fmt.Errorf("%w: live version %d, snapshot %d", ErrVersionMismatch, live.Version, sr.RemoteVersion)}
		}
	}

	containerID := ""
	if sr != nil {
		containerID = sr.RemoteContainer
	}
	if containerID == "" {
		container, err := e.remote.CreateContainer(ctx, recipe.ID)
		if err != nil {
			return false, &SyncError{Kind: Classify(err), Op: "upload", Err: fmt.Errorf("create container: %w", err)}
		}
		containerID = container.ID
	}

	res, err := e.remote.UploadResource(ctx, containerID, "recipe.json", payload)
	if err != nil {
		return false, &SyncError{Kind: Classify(err), Op: "upload", Err: fmt.Errorf("upload resource: %w", err)}
	}

	now := time.Now().UTC()
	return true, e.meta.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.meta.MarkOperationDoneInTx(ctx, tx, op.ID); err != nil {
			return err
		}
		return e.meta.UpsertSyncedRecipeInTx(ctx, tx, &SyncedRecipe{
			LocalRecipeID:    recipe.ID,
			RemoteContainer:  containerID,
			RemoteResource:   res.ID,
			RemoteVersion:    res.Version,
			RemoteModifiedAt: res.ModifiedAt,
			RemoteChecksum:   res.Checksum,
			LastSyncedAt:     now,
			LocalModifiedAt:  recipe.UpdatedAt,
			Status:           StatusInSync,
		})
	})
}

// runDelete removes the remote resource only if its live version still equals
// the version captured at enqueue time. On success the local tombstone and
// its mapping row are purged together.
func (e *Executor) runDelete(ctx context.Context, op *PendingOperation) error {
	live, err := e.remote.GetResourceMetadata(ctx, op.RemoteResource)
	switch {
	case errors.Is(err, ErrResourceNotFound):
		// Already gone remotely; deleting is idempotent.
		return e.finishDelete(ctx, op)
	case err != nil:
		return &SyncError{Kind: Classify(err), Op: "delete", Err: fmt.Errorf("precondition check: %w", err)}
	}

	if live.Version != op.ExpectedVersion {
		return &SyncError{Kind: KindPrecondition, Op: "delete",
			Err: fmt.Errorf("%w: live version %d, expected %d", ErrVersionMismatch, live.Version, op.ExpectedVersion)}
	}

	err = e.remote.DeleteResource(ctx, op.RemoteResource, op.ExpectedVersion)
	switch {
	case errors.Is(err, ErrResourceNotFound):
		// Lost a race with another device's delete; same terminal state.
	case errors.Is(err, ErrVersionMismatch):
		return &SyncError{Kind: KindPrecondition, Op: "delete", Err: err}
	case err != nil:
		return &SyncError{Kind: Classify(err), Op: "delete", Err: fmt.Errorf("delete resource: %w", err)}
	}

	return e.finishDelete(ctx, op)
}

// finishDelete commits the terminal state of a confirmed remote deletion and
// physically removes the local tombstone.
func (e *Executor) finishDelete(ctx context.Context, op *PendingOperation) error {
	if err := e.meta.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.meta.MarkOperationDoneInTx(ctx, tx, op.ID); err != nil {
			return err
		}
		return e.meta.DeleteSyncedRecipeInTx(ctx, tx, op.LocalRecipeID)
	}); err != nil {
		return err
	}
	if err := e.local.Delete(ctx, op.LocalRecipeID); err != nil {
		return &SyncError{Kind: KindFatal, Op: "delete", Err: fmt.Errorf("local purge failed: %w", err)}
	}
	return nil
}

// failAsConflict marks a guard-aborted operation as FAILED and reclassifies
// the recipe so it surfaces through Conflicts(). The remote resource is never
// touched.
func (e *Executor) failAsConflict(ctx context.Context, op *PendingOperation) error {
	return e.meta.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.meta.MarkOperationFailedInTx(ctx, tx, op.ID, reasonPreconditionMismatch); err != nil {
			return err
		}
		return e.meta.SetSyncStatusInTx(ctx, tx, op.LocalRecipeID, StatusConflict)
	})
}

func (e *Executor) failOperation(ctx context.Context, opID int64, reason string) error {
	return e.meta.WithTx(ctx, func(tx *sql.Tx) error {
		return e.meta.MarkOperationFailedInTx(ctx, tx, opID, reason)
	})
}
