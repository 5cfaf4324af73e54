// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipesync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error kind constants for the failure taxonomy. Transient errors retry with
// backoff, precondition failures become conflicts, permanent failures are
// surfaced without retry, fatal failures disable sync until manual recovery.
const (
	KindTransient    = "transient"
	KindPrecondition = "precondition"
	KindPermanent    = "permanent"
	KindFatal        = "fatal"
)

// Sentinel errors shared between the engine and RemoteStore implementations.
var (
	// ErrRemoteUnavailable signals a transport-level failure; the whole pass
	// is retried later.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrTokenInvalidated signals the remote rejected the stored change
	// token; the pass falls back to a full listing.
	ErrTokenInvalidated = errors.New("change token invalidated")

	// ErrVersionMismatch signals a guarded delete found a live remote version
	// different from the captured expected version.
	ErrVersionMismatch = errors.New("remote version mismatch")

	// ErrResourceNotFound signals the remote resource vanished unexpectedly.
	ErrResourceNotFound = errors.New("remote resource not found")

	// ErrSyncDisabled is returned by control operations while sync is off.
	ErrSyncDisabled = errors.New("sync is not enabled")

	// ErrNotInConflict is returned by conflict resolution for a recipe whose
	// status is not CONFLICT.
	ErrNotInConflict = errors.New("recipe is not in conflict")
)

// SyncError attaches the taxonomy kind to an underlying failure.
type SyncError struct {
	Kind string
	Op   string // "upload", "delete", "enumerate", ...
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Classify maps an error onto the taxonomy. Unknown errors are treated as
// transient so a flaky transport never permanently wedges an operation.
func Classify(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrVersionMismatch):
		return KindPrecondition
	case errors.Is(err, ErrResourceNotFound):
		return KindPermanent
	case errors.Is(err, ErrTokenInvalidated):
		return KindPermanent
	case errors.Is(err, ErrRemoteUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindTransient
	}
}

// sleepWithContext waits for d or until ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
