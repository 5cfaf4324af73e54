// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipecloud

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/brendanlong/lion-otter-recipes-sub003/internal/auth"
)

// ClientAuthenticator extracts user and device identity from HTTP requests.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// HTTPHandlers exposes the storage service over the JSON API consumed by the
// sync engine's HTTP RemoteStore client.
type HTTPHandlers struct {
	service       *Service
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates the handler set.
func NewHTTPHandlers(service *Service, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{service: service, authenticator: authenticator, logger: logger}
}

// Register installs all routes on mux.
func (h *HTTPHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /recipes/containers", h.handleListContainers)
	mux.HandleFunc("POST /recipes/containers", h.handleCreateContainer)
	mux.HandleFunc("GET /recipes/changes", h.handleChanges)
	mux.HandleFunc("POST /recipes/resources", h.handleUpload)
	mux.HandleFunc("GET /recipes/resources/{id}", h.handleDownload)
	mux.HandleFunc("GET /recipes/resources/{id}/meta", h.handleMetadata)
	mux.HandleFunc("DELETE /recipes/resources/{id}", h.handleDelete)
}

// authenticate resolves identity and stashes it on the request context.
func (h *HTTPHandlers) authenticate(w http.ResponseWriter, r *http.Request) (*http.Request, string, string, bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return r, "", "", false
	}
	sourceID, err := h.authenticator.GetSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return r, "", "", false
	}
	ctx := auth.SetUserID(r.Context(), userID)
	ctx = auth.SetSourceID(ctx, sourceID)
	return r.WithContext(ctx), userID, sourceID, true
}

func (h *HTTPHandlers) handleListContainers(w http.ResponseWriter, r *http.Request) {
	r, userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	containers, err := h.service.ListContainers(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list containers", "error", err, "user", userID)
		h.writeError(w, http.StatusInternalServerError, "list_failed", "failed to list containers")
		return
	}
	h.writeJSON(w, http.StatusOK, ContainerListResponse{Containers: containers})
}

func (h *HTTPHandlers) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	r, userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req CreateContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "container name is required")
		return
	}
	container, err := h.service.CreateContainer(r.Context(), userID, req.Name)
	if err != nil {
		h.logger.Error("failed to create container", "error", err, "user", userID)
		h.writeError(w, http.StatusInternalServerError, "create_failed", "failed to create container")
		return
	}
	h.writeJSON(w, http.StatusCreated, container)
}

func (h *HTTPHandlers) handleChanges(w http.ResponseWriter, r *http.Request) {
	r, userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	token := r.URL.Query().Get("token")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	resp, err := h.service.ListChangesSince(r.Context(), userID, token, limit)
	if errors.Is(err, ErrTokenInvalid) {
		// 410 tells the client to drop its token and re-list.
		h.writeError(w, http.StatusGone, "token_invalidated", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to list changes", "error", err, "user", userID)
		h.writeError(w, http.StatusInternalServerError, "changes_failed", "failed to list changes")
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandlers) handleUpload(w http.ResponseWriter, r *http.Request) {
	r, userID, sourceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req UploadResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse upload request")
		return
	}
	if req.ContainerID == "" || req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "container_id and name are required")
		return
	}

	res, err := h.service.UploadResource(r.Context(), userID, sourceID, req.ContainerID, req.Name, req.Payload)
	if errors.Is(err, ErrContainerNotFound) {
		h.writeError(w, http.StatusNotFound, "container_not_found", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to upload resource", "error", err, "user", userID, "container", req.ContainerID)
		h.writeError(w, http.StatusInternalServerError, "upload_failed", "failed to upload resource")
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandlers) handleDownload(w http.ResponseWriter, r *http.Request) {
	r, userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	payload, err := h.service.DownloadResource(r.Context(), userID, r.PathValue("id"))
	if errors.Is(err, ErrResourceNotFound) {
		h.writeError(w, http.StatusNotFound, "resource_not_found", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to download resource", "error", err, "user", userID)
		h.writeError(w, http.StatusInternalServerError, "download_failed", "failed to download resource")
		return
	}
	h.writeJSON(w, http.StatusOK, DownloadResourceResponse{Payload: payload})
}

func (h *HTTPHandlers) handleMetadata(w http.ResponseWriter, r *http.Request) {
	r, userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	res, err := h.service.GetResourceMetadata(r.Context(), userID, r.PathValue("id"))
	if errors.Is(err, ErrResourceNotFound) {
		h.writeError(w, http.StatusNotFound, "resource_not_found", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to read resource metadata", "error", err, "user", userID)
		h.writeError(w, http.StatusInternalServerError, "metadata_failed", "failed to read resource metadata")
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	r, userID, sourceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var expectedVersion int64
	if raw := r.URL.Query().Get("expected_version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "expected_version must be an integer")
			return
		}
		expectedVersion = v
	}

	err := h.service.DeleteResource(r.Context(), userID, sourceID, r.PathValue("id"), expectedVersion)
	switch {
	case errors.Is(err, ErrResourceNotFound):
		h.writeError(w, http.StatusNotFound, "resource_not_found", err.Error())
	case errors.Is(err, ErrVersionMismatch):
		h.writeError(w, http.StatusConflict, "version_mismatch", err.Error())
	case err != nil:
		h.logger.Error("failed to delete resource", "error", err, "user", userID)
		h.writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete resource")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
