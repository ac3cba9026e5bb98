//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nexusaudio/chunked-transcribe/internal/model"
)

// setupTestContainer starts a disposable PostgreSQL instance for the
// store integration tests, mirroring the compliance store's container
// setup (pkg/compliance/storage/postgres/testutils.go).
func setupTestContainer(t *testing.T, ctx context.Context) (*PostgresStore, func()) {
	t.Helper()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("transcribe_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	ps, err := NewPostgresStore(ctx, &PostgresConfig{
		ConnectionString: connStr,
		MigrationsPath:   "file://../../migrations",
	})
	require.NoError(t, err)

	cleanup := func() {
		ps.Close()
		_ = container.Terminate(ctx)
	}
	return ps, cleanup
}

func TestPostgresStore_CreateGetUpdateRoundTripsBitsets(t *testing.T) {
	ctx := context.Background()
	ps, cleanup := setupTestContainer(t, ctx)
	defer cleanup()

	job := model.NewParentJob("interview.wav", 3_000_000, 1_000_000, 3, true, model.CorrectionPerChunk, "https://example.com/hook", false, "")
	job.UploadedFlags.Set(0)
	job.UploadedFlags.Set(1)
	job.CompletedFlags.Set(0)
	require.NoError(t, ps.CreateParentJob(ctx, job))

	got, err := ps.GetParentJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Filename, got.Filename)
	assert.True(t, got.UploadedFlags.Test(0))
	assert.True(t, got.UploadedFlags.Test(1))
	assert.False(t, got.UploadedFlags.Test(2))
	assert.True(t, got.CompletedFlags.Test(0))
	assert.Equal(t, model.CorrectionPerChunk, got.CorrectionMode)

	got.Status = model.StatusDone
	got.CompletedFlags.Set(1)
	got.CompletedFlags.Set(2)
	got.FinalTranscript = "hello world"
	require.NoError(t, ps.UpdateParentJob(ctx, got))

	reread, err := ps.GetParentJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, reread.Status)
	assert.Equal(t, "hello world", reread.FinalTranscript)
	assert.True(t, reread.CompletedFlags.Test(2))
}

func TestPostgresStore_SubJobLifecycle(t *testing.T) {
	ctx := context.Background()
	ps, cleanup := setupTestContainer(t, ctx)
	defer cleanup()

	job := model.NewParentJob("a.mp3", 10, 5, 1, false, model.CorrectionNone, "", false, "")
	require.NoError(t, ps.CreateParentJob(ctx, job))

	sj := &model.SubJob{
		ID:         "sj-1",
		ParentID:   job.ID,
		ChunkIndex: 0,
		ByteRange:  model.ByteRange{Start: 0, End: 5},
		StorageKey: "uploads/" + job.ID + "/chunk.0.mp3",
		Status:     model.SubJobPending,
		MaxRetries: model.DefaultMaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, ps.CreateSubJob(ctx, sj))

	sj.Status = model.SubJobDone
	require.NoError(t, ps.UpdateSubJob(ctx, sj))

	list, err := ps.ListSubJobsByParent(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.SubJobDone, list[0].Status)
}

func TestPostgresStore_GCDeletesTerminalJobsPastCutoff(t *testing.T) {
	ctx := context.Background()
	ps, cleanup := setupTestContainer(t, ctx)
	defer cleanup()

	job := model.NewParentJob("old.mp3", 1, 1, 1, false, model.CorrectionNone, "", false, "")
	job.Status = model.StatusFailed
	job.LastWriteAt = time.Now().Add(-72 * time.Hour)
	require.NoError(t, ps.CreateParentJob(ctx, job))

	removed, err := ps.GC(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = ps.GetParentJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
