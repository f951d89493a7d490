// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gradeflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertGradingHistoryReusesID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id1, err := store.UpsertGradingHistory(ctx, &GradingHistory{
		BatchID:       "b-1",
		Status:        "running",
		TotalStudents: 3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	// Second upsert for the same batch keeps the row id.
	completed := time.Now()
	id2, err := store.UpsertGradingHistory(ctx, &GradingHistory{
		BatchID:       "b-1",
		Status:        "completed",
		TotalStudents: 3,
		AverageScore:  7.5,
		CompletedAt:   &completed,
	})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	h, err := store.GetGradingHistory(ctx, "b-1")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "completed", h.Status)
	assert.Equal(t, 7.5, h.AverageScore)
	require.NotNil(t, h.CompletedAt)
}

func TestGetGradingHistoryMissing(t *testing.T) {
	store := newTestStore(t)
	h, err := store.GetGradingHistory(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestStudentResultsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	historyID, err := store.UpsertGradingHistory(ctx, &GradingHistory{BatchID: "b-1", Status: "running"})
	require.NoError(t, err)

	rows := []StudentGradingResultRow{
		{StudentKey: "学生1", Score: 8.5, MaxScore: 10, Summary: "良好"},
		{StudentKey: "学生2", Score: 6.0, MaxScore: 10, ResultData: []byte(`{"q":[]}`)},
	}
	require.NoError(t, store.SaveStudentResults(ctx, historyID, rows))

	loaded, err := store.ListStudentResults(ctx, historyID)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "学生1", loaded[0].StudentKey)
	assert.Equal(t, 8.5, loaded[0].Score)
	assert.Equal(t, []byte(`{"q":[]}`), loaded[1].ResultData)

	// Save replaces, not appends.
	require.NoError(t, store.SaveStudentResults(ctx, historyID, rows[:1]))
	loaded, err = store.ListStudentResults(ctx, historyID)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestSavePageImagesReferencesOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	historyID, err := store.UpsertGradingHistory(ctx, &GradingHistory{BatchID: "b-1", Status: "running"})
	require.NoError(t, err)

	require.NoError(t, store.SavePageImages(ctx, historyID, []GradingPageImage{
		{StudentKey: "学生1", PageIndex: 0, FileID: "b-1/page-0.jpg", ContentType: "image/jpeg"},
	}))
}

func TestLockAcquireRelease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "rules-deploy", "token-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Contention: another token is refused without waiting.
	ok, err = store.Acquire(ctx, "rules-deploy", "token-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-acquire by the holder refreshes the TTL.
	ok, err = store.Acquire(ctx, "rules-deploy", "token-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Release(ctx, "rules-deploy", "token-a"))
	ok, err = store.Acquire(ctx, "rules-deploy", "token-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockExpiredHolderDisplaced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "r", "stale", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	ok, err = store.Acquire(ctx, "r", "fresh", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be displaced")
}

func TestLocalFileStorage(t *testing.T) {
	root := t.TempDir()
	batchDir := filepath.Join(root, "b-1")
	require.NoError(t, os.MkdirAll(batchDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(batchDir, "page-1.jpg"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(batchDir, "page-0.jpg"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(batchDir, "notes.txt"), []byte("x"), 0o644))

	fs := NewLocalFileStorage(root)
	refs, err := fs.ListBatchFiles(context.Background(), "b-1")
	require.NoError(t, err)
	require.Len(t, refs, 2, "non-image files excluded")
	assert.Equal(t, 0, refs[0].PageIndex)

	data, err := fs.ReadFile(context.Background(), refs[0].FileID)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), data)

	// Missing batch is empty, not an error.
	refs, err = fs.ListBatchFiles(context.Background(), "absent")
	require.NoError(t, err)
	assert.Empty(t, refs)

	_, err = fs.ReadFile(context.Background(), "../escape")
	require.Error(t, err)
}

func TestArtifactWriter(t *testing.T) {
	dir := t.TempDir()
	w := NewArtifactWriter(dir)

	path, err := w.WriteResult("b-1", map[string]interface{}{"total": 3})
	require.NoError(t, err)
	assert.FileExists(t, path)

	errPath, err := w.WriteErrorLog("b-1", []string{"worker 2 failed"})
	require.NoError(t, err)
	assert.FileExists(t, errPath)
	assert.Contains(t, errPath, "errors")
}
