package parentjob

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusaudio/chunked-transcribe/internal/logging"
	"github.com/nexusaudio/chunked-transcribe/internal/model"
	"github.com/nexusaudio/chunked-transcribe/internal/objectstore"
	"github.com/nexusaudio/chunked-transcribe/internal/store"
)

func newTestManager() *Manager {
	return New(store.NewMemoryStore(), logging.New(logging.DefaultConfig()))
}

func TestCreateParent_CreatesJobAndSubJobs(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	job, subJobs, err := m.CreateParent(ctx, CreateOptions{
		Filename: "a.mp3", TotalSizeBytes: 300, TargetChunkSize: 100, TotalChunks: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, job.TotalChunks)
	assert.Len(t, subJobs, 3)
	assert.Equal(t, model.StatusUploading, job.Status)
}

func TestProcessCompletedChunk_IsIdempotentOnRetry(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	job, _, err := m.CreateParent(ctx, CreateOptions{Filename: "a.mp3", TotalChunks: 2})
	require.NoError(t, err)

	result := &model.ChunkResult{ChunkIndex: 0, Text: "hello", RawText: "hello"}
	updated, err := m.ProcessCompletedChunk(ctx, job.ID, result)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CompletedCount)

	// Simulate a retried/duplicate completion report for the same chunk,
	// this time with a refreshed result body.
	revised := &model.ChunkResult{ChunkIndex: 0, Text: "hello there", RawText: "hello there"}
	updated, err = m.ProcessCompletedChunk(ctx, job.ID, revised)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CompletedCount, "re-reporting an already-completed chunk must not double-count it")
	assert.Equal(t, "hello there", updated.Transcripts[0].Result.Text, "the stored result must still be refreshed in place")
}

func TestProcessCompletedChunk_ConcurrentDuplicatesCountOnce(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	job, _, err := m.CreateParent(ctx, CreateOptions{Filename: "a.mp3", TotalChunks: 1})
	require.NoError(t, err)

	result := &model.ChunkResult{ChunkIndex: 0, Text: "hello", RawText: "hello"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.ProcessCompletedChunk(ctx, job.ID, result)
		}()
	}
	wg.Wait()

	final, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, final.CompletedCount)
}

func TestMarkChunkFailed_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	job, _, err := m.CreateParent(ctx, CreateOptions{Filename: "a.mp3", TotalChunks: 1})
	require.NoError(t, err)

	updated, err := m.MarkChunkFailed(ctx, job.ID, 0, "upstream terminal error")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.FailedCount)

	updated, err = m.MarkChunkFailed(ctx, job.ID, 0, "upstream terminal error")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.FailedCount)
}

func TestReadyForAssembly_TrueOnlyWhenEveryChunkIsTerminal(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	job, _, err := m.CreateParent(ctx, CreateOptions{Filename: "a.mp3", TotalChunks: 2})
	require.NoError(t, err)
	assert.False(t, ReadyForAssembly(job))

	job, err = m.ProcessCompletedChunk(ctx, job.ID, &model.ChunkResult{ChunkIndex: 0, Text: "hi", RawText: "hi"})
	require.NoError(t, err)
	assert.False(t, ReadyForAssembly(job))

	job, err = m.MarkChunkFailed(ctx, job.ID, 1, "boom")
	require.NoError(t, err)
	assert.True(t, ReadyForAssembly(job))
}

func TestCheckReadyForAssembly_TransitionsOnceThenStaysFalse(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	job, _, err := m.CreateParent(ctx, CreateOptions{Filename: "a.mp3", TotalChunks: 1})
	require.NoError(t, err)

	ready, err := m.CheckReadyForAssembly(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ready, "no chunk has reached a terminal outcome yet")

	_, err = m.MarkChunkFailed(ctx, job.ID, 0, "boom")
	require.NoError(t, err)

	ready, err = m.CheckReadyForAssembly(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ready)

	job, err = m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssembling, job.Status)
	assert.NotNil(t, job.AssemblyStartedAt)

	// A second observation must not re-trigger: the job is already Assembling.
	ready, err = m.CheckReadyForAssembly(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestCompleteParent_AssemblesAndTransitionsToDone(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	job, _, err := m.CreateParent(ctx, CreateOptions{Filename: "a.mp3", TotalChunks: 2})
	require.NoError(t, err)

	job, err = m.ProcessCompletedChunk(ctx, job.ID, &model.ChunkResult{ChunkIndex: 0, Text: "hello world", RawText: "hello world"})
	require.NoError(t, err)
	job, err = m.ProcessCompletedChunk(ctx, job.ID, &model.ChunkResult{ChunkIndex: 1, Text: "world peace", RawText: "world peace"})
	require.NoError(t, err)
	require.True(t, ReadyForAssembly(job))

	ready, err := m.CheckReadyForAssembly(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ready)

	done, err := m.CompleteParent(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, done.Status)
	assert.Equal(t, "hello world peace", done.FinalTranscript)
	assert.NotNil(t, done.CompletedAt)
}

func TestCompleteParent_PostProcessCorrectionAppliedAsFinal(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	job, _, err := m.CreateParent(ctx, CreateOptions{
		Filename: "a.mp3", TotalChunks: 1, UseCorrection: true, CorrectionMode: model.CorrectionPostProcess,
	})
	require.NoError(t, err)

	job, err = m.ProcessCompletedChunk(ctx, job.ID, &model.ChunkResult{ChunkIndex: 0, Text: "helo world", RawText: "helo world"})
	require.NoError(t, err)

	ready, err := m.CheckReadyForAssembly(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ready)

	done, err := m.CompleteParent(ctx, job.ID, &PostProcessResult{CorrectedText: "Hello world."})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, done.Status)
	assert.Equal(t, "helo world", done.RawTranscript)
	assert.Equal(t, "Hello world.", done.FinalTranscript)
	assert.Equal(t, "Hello world.", done.CorrectedTranscript)
	assert.Empty(t, done.LLMError)
}

func TestCompleteParent_PostProcessCorrectionFailureFallsBackToRaw(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	job, _, err := m.CreateParent(ctx, CreateOptions{
		Filename: "a.mp3", TotalChunks: 1, UseCorrection: true, CorrectionMode: model.CorrectionPostProcess,
	})
	require.NoError(t, err)

	job, err = m.ProcessCompletedChunk(ctx, job.ID, &model.ChunkResult{ChunkIndex: 0, Text: "helo world", RawText: "helo world"})
	require.NoError(t, err)

	ready, err := m.CheckReadyForAssembly(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ready)

	done, err := m.CompleteParent(ctx, job.ID, &PostProcessResult{Err: "correction api down"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, done.Status)
	assert.Equal(t, "helo world", done.RawTranscript)
	assert.Equal(t, "helo world", done.FinalTranscript)
	assert.Equal(t, "correction api down", done.LLMError)
}

func TestCompleteParent_AllChunksFailedTransitionsToFailed(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	job, _, err := m.CreateParent(ctx, CreateOptions{Filename: "a.mp3", TotalChunks: 2})
	require.NoError(t, err)

	job, err = m.MarkChunkFailed(ctx, job.ID, 0, "upstream terminal error")
	require.NoError(t, err)
	job, err = m.MarkChunkFailed(ctx, job.ID, 1, "upstream terminal error")
	require.NoError(t, err)
	require.True(t, ReadyForAssembly(job))

	ready, err := m.CheckReadyForAssembly(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ready)

	done, err := m.CompleteParent(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, done.Status)
	assert.Equal(t, 0, done.SuccessRate)
	assert.Equal(t, "", done.FinalTranscript)
}

func TestProcessCompletedChunk_NoopAfterParentCancelled(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	job, _, err := m.CreateParent(ctx, CreateOptions{Filename: "a.mp3", TotalChunks: 2})
	require.NoError(t, err)

	job, err = m.ProcessCompletedChunk(ctx, job.ID, &model.ChunkResult{ChunkIndex: 0, Text: "hello", RawText: "hello"})
	require.NoError(t, err)
	require.Equal(t, 1, job.CompletedCount)

	cancelled, err := m.CancelParent(ctx, job.ID, "user requested")
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, cancelled.Status)

	// Chunk 1's upstream call completes after cancellation: this must not
	// resurrect counters or populate a slot on a job that's already terminal.
	after, err := m.ProcessCompletedChunk(ctx, job.ID, &model.ChunkResult{ChunkIndex: 1, Text: "world", RawText: "world"})
	require.NoError(t, err)
	assert.Equal(t, 1, after.CompletedCount, "a completed chunk must not be counted once the parent is terminal")
	assert.False(t, after.CompletedFlags.Test(1))
	assert.Equal(t, model.ChunkSlot{}, after.Transcripts[1])
	assert.Equal(t, model.StatusCancelled, after.Status)
}

func TestMarkChunkFailed_NoopAfterParentCancelled(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	job, _, err := m.CreateParent(ctx, CreateOptions{Filename: "a.mp3", TotalChunks: 1})
	require.NoError(t, err)

	cancelled, err := m.CancelParent(ctx, job.ID, "user requested")
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, cancelled.Status)

	after, err := m.MarkChunkFailed(ctx, job.ID, 0, "upstream terminal error")
	require.NoError(t, err)
	assert.Equal(t, 0, after.FailedCount, "a chunk failure must not be counted once the parent is terminal")
	assert.False(t, after.CompletedFlags.Test(0))
	assert.Equal(t, model.StatusCancelled, after.Status)
}

func TestCancelParent_IsIdempotentOnceTerminal(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	job, _, err := m.CreateParent(ctx, CreateOptions{Filename: "a.mp3", TotalChunks: 1})
	require.NoError(t, err)

	cancelled, err := m.CancelParent(ctx, job.ID, "user requested")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	firstCompletedAt := cancelled.CompletedAt

	again, err := m.CancelParent(ctx, job.ID, "user requested again")
	require.NoError(t, err)
	assert.Equal(t, "user requested", again.CancelReason, "cancelling an already-terminal job must not overwrite its reason")
	assert.Equal(t, firstCompletedAt, again.CompletedAt)
}

func TestGCSubJobs_DeletesChunkBytesAndClearsSubJobIDs(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m := New(s, logging.New(logging.DefaultConfig()))
	os, err := objectstore.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	job, subJobs, err := m.CreateParent(ctx, CreateOptions{Filename: "a.mp3", TotalChunks: 1})
	require.NoError(t, err)
	key := objectstore.ChunkKey(job.ID, 0, "mp3")
	require.NoError(t, os.Put(ctx, key, []byte("chunk bytes")))
	subJobs[0].StorageKey = key
	require.NoError(t, s.UpdateSubJob(ctx, subJobs[0]))

	_, err = m.CancelParent(ctx, job.ID, "done for test")
	require.NoError(t, err)

	require.NoError(t, m.GCSubJobs(ctx, job.ID, os))

	_, err = os.Get(ctx, key)
	assert.ErrorIs(t, err, objectstore.ErrNotFound)

	_, err = s.GetSubJob(ctx, subJobs[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	remaining, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining.SubJobIDs)
}

func TestGC_DelegatesToStore(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	job, _, err := m.CreateParent(ctx, CreateOptions{Filename: "a.mp3", TotalChunks: 1})
	require.NoError(t, err)
	_, err = m.CancelParent(ctx, job.ID, "done")
	require.NoError(t, err)

	removed, err := m.GC(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
