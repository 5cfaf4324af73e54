// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/brendanlong/lion-otter-recipes-sub003/recipecloud"
)

// HTTPRemoteStore is a RemoteStore over the recipecloud JSON API. Token
// returns the bearer token for each request so callers can refresh
// credentials without rebuilding the client.
type HTTPRemoteStore struct {
	BaseURL string
	Token   func(context.Context) (string, error)
	HTTP    *http.Client

	// PageLimit bounds one changes request; the client follows has_more
	// internally so callers always see a complete delta.
	PageLimit int
}

// NewHTTPRemoteStore creates a client against baseURL.
func NewHTTPRemoteStore(baseURL string, token func(context.Context) (string, error)) *HTTPRemoteStore {
	return &HTTPRemoteStore{
		BaseURL:   baseURL,
		Token:     token,
		HTTP:      &http.Client{Timeout: 60 * time.Second},
		PageLimit: 500,
	}
}

var _ RemoteStore = (*HTTPRemoteStore)(nil)

// ListContainers implements RemoteStore.
func (c *HTTPRemoteStore) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	var resp recipecloud.ContainerListResponse
	if err := c.do(ctx, http.MethodGet, "/recipes/containers", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]ContainerInfo, 0, len(resp.Containers))
	for _, container := range resp.Containers {
		out = append(out, ContainerInfo{ID: container.ID, Name: container.Name})
	}
	return out, nil
}

// CreateContainer implements RemoteStore.
func (c *HTTPRemoteStore) CreateContainer(ctx context.Context, name string) (ContainerInfo, error) {
	var resp recipecloud.Container
	err := c.do(ctx, http.MethodPost, "/recipes/containers",
		recipecloud.CreateContainerRequest{Name: name}, &resp)
	if err != nil {
		return ContainerInfo{}, err
	}
	return ContainerInfo{ID: resp.ID, Name: resp.Name}, nil
}

// ListChangesSince implements RemoteStore, following has_more pages until the
// feed is drained.
func (c *HTTPRemoteStore) ListChangesSince(ctx context.Context, token string) ([]RemoteChange, string, error) {
	var all []RemoteChange
	for {
		path := fmt.Sprintf("/recipes/changes?token=%s&limit=%d", url.QueryEscape(token), c.PageLimit)
		var resp recipecloud.ChangesResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, "", err
		}
		for _, entry := range resp.Changes {
			all = append(all, RemoteChange{
				Resource: toResourceInfo(entry.Resource),
				Removed:  entry.Removed,
			})
		}
		token = resp.NextToken
		if !resp.HasMore {
			return all, token, nil
		}
	}
}

// UploadResource implements RemoteStore.
func (c *HTTPRemoteStore) UploadResource(ctx context.Context, containerID, name string, payload []byte) (ResourceInfo, error) {
	var resp recipecloud.Resource
	err := c.do(ctx, http.MethodPost, "/recipes/resources",
		recipecloud.UploadResourceRequest{ContainerID: containerID, Name: name, Payload: payload}, &resp)
	if err != nil {
		return ResourceInfo{}, err
	}
	return toResourceInfo(resp), nil
}

// DownloadResource implements RemoteStore.
func (c *HTTPRemoteStore) DownloadResource(ctx context.Context, resourceID string) ([]byte, error) {
	var resp recipecloud.DownloadResourceResponse
	if err := c.do(ctx, http.MethodGet, "/recipes/resources/"+url.PathEscape(resourceID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// DeleteResource implements RemoteStore.
func (c *HTTPRemoteStore) DeleteResource(ctx context.Context, resourceID string, expectedVersion int64) error {
	path := "/recipes/resources/" + url.PathEscape(resourceID)
	if expectedVersion > 0 {
		path += fmt.Sprintf("?expected_version=%d", expectedVersion)
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// GetResourceMetadata implements RemoteStore.
func (c *HTTPRemoteStore) GetResourceMetadata(ctx context.Context, resourceID string) (ResourceInfo, error) {
	var resp recipecloud.Resource
	if err := c.do(ctx, http.MethodGet, "/recipes/resources/"+url.PathEscape(resourceID)+"/meta", nil, &resp); err != nil {
		return ResourceInfo{}, err
	}
	return toResourceInfo(resp), nil
}

// do sends one authenticated JSON request and decodes the response into out
// when it is non-nil. HTTP status codes map onto the engine's sentinel
// errors.
func (c *HTTPRemoteStore) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusGone:
		return ErrTokenInvalidated
	case resp.StatusCode == http.StatusNotFound:
		return ErrResourceNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrVersionMismatch
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: server returned %d: %s", ErrRemoteUnavailable, resp.StatusCode, string(data))
	default:
		data, _ := io.ReadAll(resp.Body)
		return &SyncError{Kind: KindPermanent, Op: method + " " + path,
			Err: fmt.Errorf("server returned %d: %s", resp.StatusCode, string(data))}
	}
}

func toResourceInfo(res recipecloud.Resource) ResourceInfo {
	return ResourceInfo{
		ID:          res.ID,
		ContainerID: res.ContainerID,
		Name:        res.Name,
		Version:     res.Version,
		ModifiedAt:  res.ModifiedAt,
		Checksum:    res.Checksum,
	}
}
