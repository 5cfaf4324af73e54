// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipesync

import (
	"context"
	"time"
)

// ContainerInfo describes a remote folder-equivalent grouping a recipe's
// resources.
type ContainerInfo struct {
	ID   string
	Name string
}

// ResourceInfo is the remote metadata for one resource.
type ResourceInfo struct {
	ID          string
	ContainerID string
	Name        string
	Version     int64 // assigned by the remote, monotonically increasing
	ModifiedAt  time.Time
	Checksum    string
}

// RemoteChange is one entry of the remote delta feed.
type RemoteChange struct {
	Resource ResourceInfo
	Removed  bool
}

// RemoteStore is the cloud backend the engine reconciles against: versioned,
// checksummed resources inside containers. Implementations return
// ErrRemoteUnavailable for transport failures, ErrTokenInvalidated when a
// change token is rejected, ErrVersionMismatch for guarded deletes and
// ErrResourceNotFound for vanished resources.
type RemoteStore interface {
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
	CreateContainer(ctx context.Context, name string) (ContainerInfo, error)

	// ListChangesSince returns changes after token plus the new token. An
	// empty token requests a full listing of the root container.
	ListChangesSince(ctx context.Context, token string) ([]RemoteChange, string, error)

	UploadResource(ctx context.Context, containerID, name string, payload []byte) (ResourceInfo, error)
	DownloadResource(ctx context.Context, resourceID string) ([]byte, error)

	// DeleteResource removes a resource only if its live version equals
	// expectedVersion; expectedVersion <= 0 deletes unconditionally.
	DeleteResource(ctx context.Context, resourceID string, expectedVersion int64) error

	GetResourceMetadata(ctx context.Context, resourceID string) (ResourceInfo, error)
}

// LocalRecipeStore is the local CRUD collaborator. The engine reads recipes,
// overwrites content on download, and removes rows once remote deletion is
// confirmed. Implementations must keep UpdatedAt monotonic per recipe.
type LocalRecipeStore interface {
	GetAll(ctx context.Context) ([]*Recipe, error)
	GetByID(ctx context.Context, id string) (*Recipe, error)

	// GetOriginalContent returns the upload payload for a recipe (its full
	// JSON representation, independent of any derived columns).
	GetOriginalContent(ctx context.Context, id string) ([]byte, error)

	Upsert(ctx context.Context, recipe *Recipe) error
	Delete(ctx context.Context, id string) error
	ListChangedSince(ctx context.Context, since time.Time) ([]*Recipe, error)
}
