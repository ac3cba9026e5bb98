package sse

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusaudio/chunked-transcribe/internal/logging"
	"github.com/nexusaudio/chunked-transcribe/internal/model"
	"github.com/nexusaudio/chunked-transcribe/internal/parentjob"
	"github.com/nexusaudio/chunked-transcribe/internal/store"
)

func testLog() *logging.Logger {
	return logging.New(logging.DefaultConfig())
}

func TestStream_UnknownParentReturnsError(t *testing.T) {
	s := store.NewMemoryStore()
	mgr := parentjob.New(s, testLog())
	rec := httptest.NewRecorder()

	err := Stream(context.Background(), rec, "does-not-exist", mgr, testLog(), nil)
	assert.Error(t, err)
}

func TestStream_EmitsInitializedEventThenStopsOnContextCancel(t *testing.T) {
	s := store.NewMemoryStore()
	mgr := parentjob.New(s, testLog())
	ctx := context.Background()

	job, _, err := mgr.CreateParent(ctx, parentjob.CreateOptions{
		Filename: "clip.mp3", TotalSizeBytes: 100, TargetChunkSize: 50, TotalChunks: 2,
		CorrectionMode: model.CorrectionNone,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	streamCtx, cancel := context.WithCancel(ctx)

	done := make(chan error, 1)
	go func() { done <- Stream(streamCtx, rec, job.ID, mgr, testLog(), nil) }()

	// Give the handler time to write the initial event before tearing it
	// down; the loop otherwise blocks up to pollInterval on its ticker.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stream did not return after context cancellation")
	}

	assert.True(t, strings.Contains(rec.Body.String(), `"type":"initialized"`))
	assert.Contains(t, rec.Body.String(), job.ID)
}

func TestEmitTerminal_SurfacesLLMErrorBeforeFinalResult(t *testing.T) {
	job := &model.ParentJob{
		ID: "job-1", Status: model.StatusDone, FinalTranscript: "raw text", LLMError: "correction api down",
	}
	rec := httptest.NewRecorder()

	require.NoError(t, emitTerminal(rec, rec, job, nil))

	body := rec.Body.String()
	llmIdx := strings.Index(body, `"type":"llm_error"`)
	finalIdx := strings.Index(body, `"type":"final_result"`)
	require.NotEqual(t, -1, llmIdx, "expected an llm_error event")
	require.NotEqual(t, -1, finalIdx, "expected a final_result event")
	assert.Less(t, llmIdx, finalIdx, "llm_error must precede final_result")
	assert.Contains(t, body, "correction api down")
}
