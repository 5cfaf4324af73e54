// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipecloud

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type handlersFixture struct {
	server *httptest.Server
	token  string
}

func newHandlersFixture(t *testing.T) *handlersFixture {
	svc, userID := newTestService(t)

	auth := NewJWTAuth("test-secret")
	token, err := auth.GenerateToken(userID, "device-1", time.Hour)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHTTPHandlers(svc, auth, nil).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &handlersFixture{server: server, token: token}
}

// call sends one authenticated JSON request and decodes the body into out when
// it is non-nil.
func (f *handlersFixture) call(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, f.server.URL+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHTTPHandlers_RejectsUnauthenticatedRequests(t *testing.T) {
	fx := newHandlersFixture(t)
	resp, err := http.Get(fx.server.URL + "/recipes/containers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTPHandlers_FullClientFlow(t *testing.T) {
	fx := newHandlersFixture(t)

	// Create a container; creation is idempotent.
	var container Container
	status := fx.call(t, http.MethodPost, "/recipes/containers", CreateContainerRequest{Name: "r1"}, &container)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, container.ID)

	// Baseline change token from an empty account.
	var changes ChangesResponse
	status = fx.call(t, http.MethodGet, "/recipes/changes", nil, &changes)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, changes.Changes)
	baseline := changes.NextToken

	// Upload, then read the payload and metadata back.
	payload := []byte(`{"id":"r1","title":"Soup"}`)
	var res Resource
	status = fx.call(t, http.MethodPost, "/recipes/resources",
		UploadResourceRequest{ContainerID: container.ID, Name: "recipe.json", Payload: payload}, &res)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, int64(1), res.Version)

	var download DownloadResourceResponse
	status = fx.call(t, http.MethodGet, "/recipes/resources/"+res.ID, nil, &download)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, payload, download.Payload)

	var meta Resource
	status = fx.call(t, http.MethodGet, "/recipes/resources/"+res.ID+"/meta", nil, &meta)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, res.Checksum, meta.Checksum)

	// The upload shows up after the baseline token.
	status = fx.call(t, http.MethodGet, "/recipes/changes?token="+baseline, nil, &changes)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, changes.Changes, 1)
	require.Equal(t, res.ID, changes.Changes[0].Resource.ID)

	// Guarded delete: stale version is refused with 409, matching one lands.
	status = fx.call(t, http.MethodDelete, "/recipes/resources/"+res.ID+"?expected_version=99", nil, nil)
	require.Equal(t, http.StatusConflict, status)
	status = fx.call(t, http.MethodDelete, "/recipes/resources/"+res.ID+"?expected_version=1", nil, nil)
	require.Equal(t, http.StatusNoContent, status)
	status = fx.call(t, http.MethodGet, "/recipes/resources/"+res.ID, nil, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestHTTPHandlers_InvalidTokenIsGone(t *testing.T) {
	fx := newHandlersFixture(t)
	status := fx.call(t, http.MethodGet, "/recipes/changes?token=seq:99999999999", nil, nil)
	require.Equal(t, http.StatusGone, status)
}

func TestHTTPHandlers_ValidationErrors(t *testing.T) {
	fx := newHandlersFixture(t)

	status := fx.call(t, http.MethodPost, "/recipes/containers", CreateContainerRequest{}, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status = fx.call(t, http.MethodPost, "/recipes/resources", UploadResourceRequest{Name: "x"}, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status = fx.call(t, http.MethodGet, "/recipes/changes?limit=notanumber", nil, nil)
	require.Equal(t, http.StatusBadRequest, status)
}
