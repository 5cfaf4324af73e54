// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipesync

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory RemoteStore with a sequence-numbered change log,
// mirroring the semantics of the recipecloud backend. Tests mutate it directly
// to simulate other devices and inject failures.
type fakeRemote struct {
	mu         sync.Mutex
	containers map[string]ContainerInfo
	resources  map[string]*fakeResource
	changes    []fakeChange
	seq        int64
	nextID     int

	// failure injection
	onListChanges  func() // called at the top of ListChangesSince, outside the lock
	listErr        error
	uploadErrCount int // next N uploads fail with uploadErr
	uploadErr      error
	downloadErr    error
	deleteErr      error
	invalidateAll  bool // reject every non-empty token

	// onUpload, when set, runs at the top of UploadResource outside the lock;
	// returning an error aborts the upload before any state change.
	onUpload func(containerID, name string) error

	uploadCalls int
	deleteCalls int
}

type fakeResource struct {
	info    ResourceInfo
	payload []byte
	deleted bool
}

type fakeChange struct {
	seq        int64
	resourceID string
	removed    bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		containers: make(map[string]ContainerInfo),
		resources:  make(map[string]*fakeResource),
	}
}

func (f *fakeRemote) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeRemote) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ContainerInfo, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeRemote) CreateContainer(ctx context.Context, name string) (ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.Name == name {
			return c, nil
		}
	}
	c := ContainerInfo{ID: f.id("cont"), Name: name}
	f.containers[c.ID] = c
	return c, nil
}

func (f *fakeRemote) ListChangesSince(ctx context.Context, token string) ([]RemoteChange, string, error) {
	if f.onListChanges != nil {
		f.onListChanges()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, "", f.listErr
	}
	if token != "" && f.invalidateAll {
		return nil, "", ErrTokenInvalidated
	}

	if token == "" {
		// Full listing of everything live.
		var out []RemoteChange
		for _, r := range f.resources {
			if !r.deleted {
				out = append(out, RemoteChange{Resource: r.info})
			}
		}
		return out, fmt.Sprintf("seq:%d", f.seq), nil
	}

	after, err := strconv.ParseInt(strings.TrimPrefix(token, "seq:"), 10, 64)
	if err != nil {
		return nil, "", ErrTokenInvalidated
	}
	if after > f.seq {
		return nil, "", ErrTokenInvalidated
	}

	// Latest change per resource, in log order.
	latest := make(map[string]fakeChange)
	var order []string
	for _, ch := range f.changes {
		if ch.seq <= after {
			continue
		}
		if _, seen := latest[ch.resourceID]; !seen {
			order = append(order, ch.resourceID)
		}
		latest[ch.resourceID] = ch
	}
	var out []RemoteChange
	for _, id := range order {
		ch := latest[id]
		r := f.resources[ch.resourceID]
		out = append(out, RemoteChange{Resource: r.info, Removed: ch.removed})
	}
	return out, fmt.Sprintf("seq:%d", f.seq), nil
}

func (f *fakeRemote) UploadResource(ctx context.Context, containerID, name string, payload []byte) (ResourceInfo, error) {
	if f.onUpload != nil {
		if err := f.onUpload(containerID, name); err != nil {
			f.mu.Lock()
			f.uploadCalls++
			f.mu.Unlock()
			return ResourceInfo{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	if f.uploadErrCount > 0 {
		f.uploadErrCount--
		return ResourceInfo{}, f.uploadErr
	}
	return f.putLocked(containerID, name, payload), nil
}

// putLocked creates or overwrites the resource named name in containerID and
// appends a change entry. Callers hold f.mu.
func (f *fakeRemote) putLocked(containerID, name string, payload []byte) ResourceInfo {
	for _, r := range f.resources {
		if r.info.ContainerID == containerID && r.info.Name == name && !r.deleted {
			r.info.Version++
			r.info.ModifiedAt = time.Now().UTC()
			r.info.Checksum = fakeChecksum(payload)
			r.payload = append([]byte(nil), payload...)
			f.seq++
			f.changes = append(f.changes, fakeChange{seq: f.seq, resourceID: r.info.ID})
			return r.info
		}
	}
	r := &fakeResource{
		info: ResourceInfo{
			ID:          f.id("res"),
			ContainerID: containerID,
			Name:        name,
			Version:     1,
			ModifiedAt:  time.Now().UTC(),
			Checksum:    fakeChecksum(payload),
		},
		payload: append([]byte(nil), payload...),
	}
	f.resources[r.info.ID] = r
	f.seq++
	f.changes = append(f.changes, fakeChange{seq: f.seq, resourceID: r.info.ID})
	return r.info
}

func (f *fakeRemote) DownloadResource(ctx context.Context, resourceID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	r, ok := f.resources[resourceID]
	if !ok || r.deleted {
		return nil, ErrResourceNotFound
	}
	return append([]byte(nil), r.payload...), nil
}

func (f *fakeRemote) DeleteResource(ctx context.Context, resourceID string, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	r, ok := f.resources[resourceID]
	if !ok || r.deleted {
		return ErrResourceNotFound
	}
	if expectedVersion > 0 && r.info.Version != expectedVersion {
		return ErrVersionMismatch
	}
	r.deleted = true
	f.seq++
	f.changes = append(f.changes, fakeChange{seq: f.seq, resourceID: resourceID, removed: true})
	return nil
}

func (f *fakeRemote) GetResourceMetadata(ctx context.Context, resourceID string) (ResourceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resources[resourceID]
	if !ok || r.deleted {
		return ResourceInfo{}, ErrResourceNotFound
	}
	return r.info, nil
}

// seed simulates another device uploading a recipe: container named by recipe
// id, one resource holding the recipe JSON.
func (f *fakeRemote) seed(t *testing.T, recipe *Recipe) ResourceInfo {
	t.Helper()
	payload, err := json.Marshal(recipe)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	var containerID string
	for _, c := range f.containers {
		if c.Name == recipe.ID {
			containerID = c.ID
		}
	}
	if containerID == "" {
		c := ContainerInfo{ID: f.id("cont"), Name: recipe.ID}
		f.containers[c.ID] = c
		containerID = c.ID
	}
	return f.putLocked(containerID, "recipe.json", payload)
}

// remove simulates another device deleting a resource unconditionally.
func (f *fakeRemote) remove(resourceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.resources[resourceID]; ok && !r.deleted {
		r.deleted = true
		f.seq++
		f.changes = append(f.changes, fakeChange{seq: f.seq, resourceID: resourceID, removed: true})
	}
}

func fakeChecksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// --- shared test fixtures ---

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

type engineFixture struct {
	meta   *MetadataStore
	local  *SQLiteRecipeStore
	remote *fakeRemote
	orch   *Orchestrator
}

// newEngineFixture builds a complete engine over one SQLite file and the fake
// remote, with retries tightened so failure tests stay fast.
func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db := testDB(t)
	meta, err := NewMetadataStore(db)
	require.NoError(t, err)
	local, err := NewSQLiteRecipeStore(db)
	require.NoError(t, err)
	remote := newFakeRemote()

	config := DefaultConfig()
	config.Executor.MaxAttempts = 2
	config.Executor.BackoffMin = time.Millisecond
	config.Executor.BackoffMax = 2 * time.Millisecond

	orch := NewOrchestrator(meta, local, remote, config, testLogger())
	return &engineFixture{meta: meta, local: local, remote: remote, orch: orch}
}

func (fx *engineFixture) enable(t *testing.T) {
	t.Helper()
	require.NoError(t, fx.orch.EnableSync(context.Background(), "", "recipes"))
}

func (fx *engineFixture) addRecipe(t *testing.T, id, title string) *Recipe {
	t.Helper()
	r := &Recipe{
		ID:        id,
		Title:     title,
		Payload:   json.RawMessage(fmt.Sprintf(`{"title":%q}`, title)),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, fx.local.Upsert(context.Background(), r))
	return r
}

func (fx *engineFixture) touchRecipe(t *testing.T, id, title string) {
	t.Helper()
	r, err := fx.local.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, r)
	r.Title = title
	r.Payload = json.RawMessage(fmt.Sprintf(`{"title":%q}`, title))
	r.UpdatedAt = time.Now().UTC().Add(time.Second) // strictly past the sync snapshot
	require.NoError(t, fx.local.Upsert(context.Background(), r))
}

func (fx *engineFixture) sync(t *testing.T) *SyncSummary {
	t.Helper()
	summary, err := fx.orch.TriggerSync(context.Background())
	require.NoError(t, err)
	return summary
}

func (fx *engineFixture) mapping(t *testing.T, recipeID string) *SyncedRecipe {
	t.Helper()
	sr, err := fx.meta.GetSyncedRecipe(context.Background(), recipeID)
	require.NoError(t, err)
	return sr
}
