// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package recipesync reconciles a local recipe store with a remote
// folder-per-recipe cloud store. It detects divergence between the two sides,
// resolves or flags conflicts, and executes upload/delete mutations durably so
// that an interrupted pass is resumable across process restarts and safe in
// the presence of concurrent devices.
package recipesync

import (
	"encoding/json"
	"time"
)

// SyncStatus is the per-recipe reconciliation state.
type SyncStatus string

const (
	StatusUnsynced        SyncStatus = "UNSYNCED"
	StatusInSync          SyncStatus = "IN_SYNC"
	StatusLocalAhead      SyncStatus = "LOCAL_AHEAD"
	StatusRemoteAhead     SyncStatus = "REMOTE_AHEAD"
	StatusConflict        SyncStatus = "CONFLICT"
	StatusLocallyDeleted  SyncStatus = "LOCALLY_DELETED"
	StatusRemotelyDeleted SyncStatus = "REMOTELY_DELETED"
)

// Operation type constants for the pending queue.
const (
	OpUpload = "UPLOAD"
	OpDelete = "DELETE"
)

// Operation status constants for the pending queue.
const (
	OpPending    = "PENDING"
	OpInProgress = "IN_PROGRESS"
	OpFailed     = "FAILED"
	OpDone       = "DONE"
)

// Recipe is the local-store view of a recipe. Content travels as an opaque
// JSON payload; the engine never interprets it beyond byte equality.
type Recipe struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted"` // tombstone; retained until remote deletion is confirmed
}

// SyncedRecipe is the durable mapping for a recipe that has completed at least
// one successful sync. Absence of a row means "never synced": either a
// brand-new local recipe (upload candidate) or a remote resource not yet
// pulled (download candidate).
type SyncedRecipe struct {
	LocalRecipeID    string
	RemoteContainer  string
	RemoteResource   string
	RemoteVersion    int64 // monotonically increasing, assigned by the remote
	RemoteModifiedAt time.Time
	RemoteChecksum   string
	LastSyncedAt     time.Time
	LocalModifiedAt  time.Time // local UpdatedAt as of last successful sync
	Status           SyncStatus
}

// PendingOperation is one persisted queue entry. Rows are created by the
// classifier and mutated only by the executor; they survive process restarts
// so an interrupted pass is resumable.
type PendingOperation struct {
	ID              int64
	Type            string // OpUpload or OpDelete
	LocalRecipeID   string
	RemoteContainer string // DELETE
	RemoteResource  string // DELETE
	// Captured at enqueue time; a DELETE executes only if the live remote
	// version still equals ExpectedVersion.
	ExpectedVersion    int64
	ExpectedModifiedAt time.Time
	Overwrite          bool // forced UPLOAD from keep-local conflict resolution
	CreatedAt          time.Time
	LastAttemptAt      time.Time
	AttemptCount       int
	LastError          string
	Status             string
}

// SyncState is the singleton engine state row.
type SyncState struct {
	Enabled           bool
	RootContainerID   string
	RootContainerName string
	ChangeToken       string // opaque remote delta cursor
	LastIncrementalAt time.Time
	LastFullSyncAt    time.Time
	LastError         string
}

// SyncSummary reports the outcome of one pass.
type SyncSummary struct {
	Uploaded   int `json:"uploaded"`
	Downloaded int `json:"downloaded"`
	Updated    int `json:"updated"`
	Deleted    int `json:"deleted"`
	Conflicts  int `json:"conflicts"`
	Errors     int `json:"errors"`
}

// IsZero reports whether the pass had nothing to do and nothing failed.
func (s SyncSummary) IsZero() bool {
	return s == SyncSummary{}
}

// ConflictInfo describes a recipe the engine refuses to reconcile
// automatically. The user decides via ResolveConflictKeepLocal/KeepRemote.
type ConflictInfo struct {
	LocalRecipeID    string    `json:"local_recipe_id"`
	Title            string    `json:"title"`
	LocalUpdatedAt   time.Time `json:"local_updated_at"`
	RemoteVersion    int64     `json:"remote_version"`
	RemoteModifiedAt time.Time `json:"remote_modified_at"`
	RemoteDeleted    bool      `json:"remote_deleted"`
	DetectedAt       time.Time `json:"detected_at"`
}

// EngineStatus is the snapshot published to status observers after every
// state-changing step.
type EngineStatus struct {
	Enabled               bool      `json:"enabled"`
	PendingOperationCount int       `json:"pending_operation_count"`
	ConflictCount         int       `json:"conflict_count"`
	LastSyncAt            time.Time `json:"last_sync_at"`
	LastError             string    `json:"last_error,omitempty"`
}
