package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MimeLyc/modpack-downloader/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_RecordAndGet(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Millisecond)
	summary := jobs.Summary{
		ID:         "1700000000000-1",
		Status:     jobs.StatusCompleted,
		Target:     jobs.Target{GameVersion: "1.20.1", Loader: "fabric"},
		TotalItems: 2,
		Succeeded:  1,
		Artifact:   "http://localhost:4000/downloads/mods_1700000000000-1.zip",
		Results: []jobs.ProcessingResult{
			{URL: "good-ref", Success: true, Message: "Downloaded a.jar", FileName: "a.jar"},
			{URL: "bad-ref", Message: "Invalid source"},
		},
		CreatedAt:  created,
		FinishedAt: created.Add(time.Second),
	}
	require.NoError(t, store.RecordJob(ctx, summary))

	got, ok, err := store.GetJob(ctx, summary.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, summary.Status, got.Status)
	assert.Equal(t, summary.Target, got.Target)
	assert.Equal(t, summary.Results, got.Results)
	assert.Equal(t, summary.Artifact, got.Artifact)
	assert.True(t, summary.FinishedAt.Equal(got.FinishedAt))

	_, ok, err = store.GetJob(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_RecordJobUpserts(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.RecordJob(ctx, jobs.Summary{ID: "1", Status: jobs.StatusFailed, CreatedAt: now, FinishedAt: now}))
	require.NoError(t, store.RecordJob(ctx, jobs.Summary{ID: "1", Status: jobs.StatusFailed, Error: "disk full", CreatedAt: now, FinishedAt: now}))

	all, err := store.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "disk full", all[0].Error)
	assert.NotNil(t, all[0].Results)
	assert.Empty(t, all[0].Results)

	require.Error(t, store.RecordJob(ctx, jobs.Summary{}))
}

func TestSQLiteStore_ListAndPrune(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		finished := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.RecordJob(ctx, jobs.Summary{
			ID:         id,
			Status:     jobs.StatusCompleted,
			CreatedAt:  finished,
			FinishedAt: finished,
		}))
	}

	all, err := store.ListJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "b", all[1].ID)

	deleted, err := store.DeleteFinishedBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	all, err = store.ListJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "c", all[0].ID)
}

func TestSQLiteStore_ReopenKeepsHistory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, store.RecordJob(ctx, jobs.Summary{ID: "1", Status: jobs.StatusCompleted, CreatedAt: now, FinishedAt: now}))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, ok, err := store.GetJob(ctx, "1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMigrationVersion(t *testing.T) {
	assert.Equal(t, 1, migrationVersion("001_init.sql"))
	assert.Equal(t, 12, migrationVersion("12"))
	assert.Equal(t, 0, migrationVersion("init.sql"))
}
