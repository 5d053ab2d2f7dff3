// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playbook-platform/internal/statestore"
)

type received struct {
	path        string
	contentType string
	body        []byte
}

func newUploadServer(t *testing.T, status int) (*httptest.Server, *[]received) {
	t.Helper()
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		got = append(got, received{
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			body:        body,
		})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func newBlobStore(t *testing.T) (statestore.Store, *statestore.Memory) {
	t.Helper()
	backend := statestore.NewMemory()
	backend.SeedRun("org-1", statestore.Run{ID: "run-1", OrgID: "org-1", Status: statestore.RunRunning})
	store, err := backend.OpenRun(context.Background(), "org-1", "run-1")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store, backend
}

func TestUploadRecordsFileAndEvent(t *testing.T) {
	srv, got := newUploadServer(t, http.StatusOK)
	store, backend := newBlobStore(t)

	up := NewUploader(store, func(ctx context.Context, storagePath string) (string, error) {
		return srv.URL + "/" + storagePath, nil
	})

	fileID, err := up.Upload(context.Background(), "org-1", "run-1", Artifact{
		StepID:      "draft",
		Name:        "report.md",
		ContentType: "text/markdown",
		Data:        []byte("# Report\n"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, fileID)

	require.Len(t, *got, 1)
	assert.Equal(t, "/runs/org-1/run-1/draft/report.md", (*got)[0].path)
	assert.Equal(t, "text/markdown", (*got)[0].contentType)
	assert.Equal(t, "# Report\n", string((*got)[0].body))

	files, err := store.ReadAllFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, fileID, files[0].ID)
	assert.Equal(t, "report.md", files[0].Name)
	assert.Equal(t, int64(9), files[0].Size)
	assert.Equal(t, "runs/org-1/run-1/draft/report.md", files[0].URL)

	events := backend.Events("org-1", "run-1")
	require.Len(t, events, 1)
	assert.Equal(t, statestore.EventFileReady, events[0].Type)
	assert.Equal(t, fileID, events[0].Payload["fileId"])
}

func TestUploadRejectedStatus(t *testing.T) {
	srv, _ := newUploadServer(t, http.StatusForbidden)
	store, _ := newBlobStore(t)

	up := NewUploader(store, func(ctx context.Context, storagePath string) (string, error) {
		return srv.URL + "/" + storagePath, nil
	})

	_, err := up.Upload(context.Background(), "org-1", "run-1", Artifact{
		StepID: "draft", Name: "report.md", Data: []byte("x"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")

	files, err := store.ReadAllFiles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestUploadRequiresName(t *testing.T) {
	store, _ := newBlobStore(t)
	up := NewUploader(store, func(ctx context.Context, storagePath string) (string, error) {
		return "http://unused", nil
	})
	_, err := up.Upload(context.Background(), "org-1", "run-1", Artifact{StepID: "draft"})
	require.Error(t, err)
}

func TestUploadFileFromDisk(t *testing.T) {
	srv, got := newUploadServer(t, http.StatusCreated)
	store, _ := newBlobStore(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "summary.txt")
	require.NoError(t, os.WriteFile(path, []byte("done"), 0o644))

	up := NewUploader(store, func(ctx context.Context, storagePath string) (string, error) {
		return srv.URL + "/" + storagePath, nil
	})
	fileID, err := up.UploadFile(context.Background(), "org-1", "run-1", "draft", path, "")
	require.NoError(t, err)
	assert.NotEmpty(t, fileID)

	require.Len(t, *got, 1)
	assert.Equal(t, "application/octet-stream", (*got)[0].contentType)
	assert.Equal(t, "done", string((*got)[0].body))
}
