// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package recipecloud is a reference remote backend for the recipe sync
// engine: versioned, checksummed resources grouped into containers, persisted
// in PostgreSQL and exposed over a small JSON HTTP API with JWT auth. Every
// mutation is appended to a change log consumed by clients through an opaque
// change token.
package recipecloud

import "time"

// Container is a remote folder-equivalent grouping a recipe's resources.
type Container struct {
	ID        string    `json:"container_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Resource is the metadata of one stored resource. Version is assigned by the
// server and increases monotonically per resource; Checksum is the SHA-256 of
// the payload.
type Resource struct {
	ID          string    `json:"resource_id"`
	ContainerID string    `json:"container_id"`
	Name        string    `json:"name"`
	Version     int64     `json:"version"`
	Checksum    string    `json:"checksum"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// CreateContainerRequest is the body of POST /recipes/containers.
type CreateContainerRequest struct {
	Name string `json:"name"`
}

// ContainerListResponse is the body of GET /recipes/containers.
type ContainerListResponse struct {
	Containers []Container `json:"containers"`
}

// ChangeEntry is one element of the change feed. Removed entries carry the
// final metadata the resource had before deletion.
type ChangeEntry struct {
	Resource Resource `json:"resource"`
	Removed  bool     `json:"removed"`
}

// ChangesResponse is the body of GET /recipes/changes. An empty request token
// yields a full listing of the caller's live resources. NextToken always
// points past everything included in Changes.
type ChangesResponse struct {
	Changes   []ChangeEntry `json:"changes"`
	NextToken string        `json:"next_token"`
	HasMore   bool          `json:"has_more"`
}

// UploadResourceRequest is the body of POST /recipes/resources. Payload is
// base64 over the wire.
type UploadResourceRequest struct {
	ContainerID string `json:"container_id"`
	Name        string `json:"name"`
	Payload     []byte `json:"payload"`
}

// DownloadResourceResponse is the body of GET /recipes/resources/{id}.
type DownloadResourceResponse struct {
	Payload []byte `json:"payload"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
