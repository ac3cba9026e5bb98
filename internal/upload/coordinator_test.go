package upload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusaudio/chunked-transcribe/internal/gate"
	"github.com/nexusaudio/chunked-transcribe/internal/logging"
	"github.com/nexusaudio/chunked-transcribe/internal/model"
	"github.com/nexusaudio/chunked-transcribe/internal/objectstore"
	"github.com/nexusaudio/chunked-transcribe/internal/parentjob"
	"github.com/nexusaudio/chunked-transcribe/internal/queue"
	"github.com/nexusaudio/chunked-transcribe/internal/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, store.Store, objectstore.ObjectStore, *parentjob.Manager) {
	t.Helper()
	s := store.NewMemoryStore()
	os, err := objectstore.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	log := logging.New(logging.DefaultConfig())
	mgr := parentjob.New(s, log)
	gates := gate.Init(map[gate.Name]gate.Config{gate.JobSpawn: {MaxConcurrent: 4}}, log)
	q := queue.New(queue.Dependencies{Store: s, Manager: mgr, ObjectStore: os, Gates: gates, Log: log}, 64)
	c := New(s, os, mgr, q, gates, log)
	return c, s, os, mgr
}

func TestUploadFile_SplitsStoresAndEnqueuesOneItemPerChunk(t *testing.T) {
	ctx := context.Background()
	c, _, os, mgr := newTestCoordinator(t)

	data := make([]byte, 25)
	for i := range data {
		data[i] = byte(i)
	}

	job, err := c.UploadFile(ctx, "recording.bin", data, Options{TargetChunkSize: 10})
	require.NoError(t, err)
	assert.True(t, job.TotalChunks >= 3)
	assert.Equal(t, model.StatusProcessing, job.Status, "the first uploaded chunk should have advanced the job past Uploading")
	assert.Equal(t, job.TotalChunks, job.UploadedCount)

	subJobs, err := mgr.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, subJobs.SubJobIDs, job.TotalChunks)

	key := objectstore.ChunkKey(job.ID, 0, "bin")
	has, err := os.Has(ctx, key)
	require.NoError(t, err)
	assert.True(t, has, "chunk 0 bytes should be durably stored under the expected upload key layout")
}

func TestUploadFile_DebugSaveChunksWritesDebugCopies(t *testing.T) {
	ctx := context.Background()
	c, _, os, _ := newTestCoordinator(t)

	job, err := c.UploadFile(ctx, "a.bin", []byte("short"), Options{TargetChunkSize: 100, DebugSaveChunks: true})
	require.NoError(t, err)

	debugKey := objectstore.DebugChunkKey(job.ID, 0, "bin")
	has, err := os.Has(ctx, debugKey)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestIngestURL_DownloadsThenIngests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("downloaded audio bytes"))
	}))
	defer srv.Close()

	ctx := context.Background()
	c, _, _, _ := newTestCoordinator(t)

	job, err := c.IngestURL(ctx, srv.URL+"/clip.wav", Options{TargetChunkSize: 1024})
	require.NoError(t, err)
	assert.Equal(t, "clip.wav", job.Filename)
	assert.Equal(t, int64(len("downloaded audio bytes")), job.TotalSizeBytes)
}
