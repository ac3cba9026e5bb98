package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusaudio/chunked-transcribe/internal/model"
)

func TestMemoryStore_CreateGetUpdateParentJob(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job := model.NewParentJob("lecture.mp3", 1_000_000, 200_000, 5, false, model.CorrectionNone, "", false, "")
	require.NoError(t, s.CreateParentJob(ctx, job))

	got, err := s.GetParentJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Filename, got.Filename)
	assert.Equal(t, job.TotalChunks, got.TotalChunks)

	got.Status = model.StatusProcessing
	got.CompletedCount = 2
	require.NoError(t, s.UpdateParentJob(ctx, got))

	reread, err := s.GetParentJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, reread.Status)
	assert.Equal(t, 2, reread.CompletedCount)
}

func TestMemoryStore_GetMissingReturnsErrNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetParentJob(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReadIsIsolatedFromCallerMutation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := model.NewParentJob("a.mp3", 100, 50, 2, false, model.CorrectionNone, "", false, "")
	require.NoError(t, s.CreateParentJob(ctx, job))

	got, err := s.GetParentJob(ctx, job.ID)
	require.NoError(t, err)
	got.UploadedFlags.Set(0)

	reread, err := s.GetParentJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, reread.UploadedFlags.Test(0), "mutating a returned clone must not affect stored state")
}

func TestMemoryStore_DeleteParentJobCascadesSubJobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := model.NewParentJob("a.mp3", 100, 50, 2, false, model.CorrectionNone, "", false, "")
	require.NoError(t, s.CreateParentJob(ctx, job))

	sj := &model.SubJob{ID: "sj-1", ParentID: job.ID, ChunkIndex: 0, MaxRetries: model.DefaultMaxRetries}
	require.NoError(t, s.CreateSubJob(ctx, sj))

	require.NoError(t, s.DeleteParentJob(ctx, job.ID))

	_, err := s.GetSubJob(ctx, "sj-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_GCRemovesOnlyTerminalJobsPastCutoff(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	oldDone := model.NewParentJob("old.mp3", 1, 1, 1, false, model.CorrectionNone, "", false, "")
	oldDone.Status = model.StatusDone
	oldDone.LastWriteAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.CreateParentJob(ctx, oldDone))

	recentDone := model.NewParentJob("recent.mp3", 1, 1, 1, false, model.CorrectionNone, "", false, "")
	recentDone.Status = model.StatusDone
	recentDone.LastWriteAt = time.Now()
	require.NoError(t, s.CreateParentJob(ctx, recentDone))

	stillProcessing := model.NewParentJob("active.mp3", 1, 1, 1, false, model.CorrectionNone, "", false, "")
	stillProcessing.Status = model.StatusProcessing
	stillProcessing.LastWriteAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.CreateParentJob(ctx, stillProcessing))

	removed, err := s.GC(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetParentJob(ctx, oldDone.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetParentJob(ctx, recentDone.ID)
	assert.NoError(t, err)
	_, err = s.GetParentJob(ctx, stillProcessing.ID)
	assert.NoError(t, err)
}
