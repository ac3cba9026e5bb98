// Package upload implements C7, the Upload Coordinator: turning either a
// whole in-memory file or a URL into a ParentJob with its chunks already
// durably stored and their processing work items already enqueued.
// Grounded on this codebase's webui upload handler sequencing
// (cmd/webui/main.go's uploadHandler → uploadFile: validate → split →
// store → register), generalized from a single descriptor-producing
// upload to ParentJob/SubJob registration.
package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/nexusaudio/chunked-transcribe/internal/chunker"
	"github.com/nexusaudio/chunked-transcribe/internal/gate"
	"github.com/nexusaudio/chunked-transcribe/internal/logging"
	"github.com/nexusaudio/chunked-transcribe/internal/model"
	"github.com/nexusaudio/chunked-transcribe/internal/objectstore"
	"github.com/nexusaudio/chunked-transcribe/internal/parentjob"
	"github.com/nexusaudio/chunked-transcribe/internal/queue"
	"github.com/nexusaudio/chunked-transcribe/internal/store"
)

// urlIngestTimeout and maxURLIngestBytes bound URL ingestion to a
// fixed timeout and a maximum downloaded size.
const (
	urlIngestTimeout  = 30 * time.Second
	maxURLIngestBytes = 2 << 30 // 2 GiB
)

// Options configures one upload's job-creation parameters.
type Options struct {
	TargetChunkSize int64
	UseCorrection   bool
	CorrectionMode  model.CorrectionMode
	Model           string
	WebhookURL      string
	DebugSaveChunks bool
}

// Coordinator implements C7.
type Coordinator struct {
	store       store.Store
	objectStore objectstore.ObjectStore
	manager     *parentjob.Manager
	queue       *queue.Queue
	gates       *gate.Registry
	httpClient  *http.Client
	log         *logging.Logger
}

// New constructs a Coordinator.
func New(s store.Store, os objectstore.ObjectStore, mgr *parentjob.Manager, q *queue.Queue, gates *gate.Registry, log *logging.Logger) *Coordinator {
	return &Coordinator{
		store: s, objectStore: os, manager: mgr, queue: q, gates: gates,
		httpClient: &http.Client{Timeout: urlIngestTimeout},
		log:        log.WithComponent("upload"),
	}
}

// UploadFile implements the whole-file upload path: split, store each
// chunk, register the ParentJob and its SubJobs, and enqueue processing.
func (c *Coordinator) UploadFile(ctx context.Context, filename string, data []byte, opts Options) (*model.ParentJob, error) {
	return c.ingest(ctx, filename, data, opts)
}

// IngestURL downloads the referenced URL under a bounded timeout and
// then proceeds exactly as UploadFile.
func (c *Coordinator) IngestURL(ctx context.Context, url string, opts Options) (*model.ParentJob, error) {
	dlCtx, cancel := context.WithTimeout(ctx, urlIngestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("upload: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upload: download %s: upstream status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxURLIngestBytes))
	if err != nil {
		return nil, fmt.Errorf("upload: read downloaded body: %w", err)
	}

	return c.ingest(ctx, filenameFromURL(url), data, opts)
}

func (c *Coordinator) ingest(ctx context.Context, filename string, data []byte, opts Options) (*model.ParentJob, error) {
	if opts.TargetChunkSize <= 0 {
		opts.TargetChunkSize = 10 * 1024 * 1024
	}

	chunks, err := chunker.Split(data, filename, chunker.DefaultOptions(opts.TargetChunkSize))
	if err != nil {
		return nil, fmt.Errorf("upload: split %s: %w", filename, err)
	}

	var job *model.ParentJob
	err = c.gates.Run(ctx, gate.JobSpawn, func(ctx context.Context) error {
		var spawnErr error
		job, spawnErr = c.spawn(ctx, filename, data, chunks, opts)
		return spawnErr
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// spawn registers the ParentJob/SubJobs and stores every chunk's bytes.
// Runs under C1(JobSpawn) so a burst of very large files can't
// monopolize the system.
func (c *Coordinator) spawn(ctx context.Context, filename string, data []byte, chunks []chunker.Chunk, opts Options) (*model.ParentJob, error) {
	job, subJobs, err := c.manager.CreateParent(ctx, parentjob.CreateOptions{
		Filename:        filename,
		TotalSizeBytes:  int64(len(data)),
		TargetChunkSize: opts.TargetChunkSize,
		TotalChunks:     len(chunks),
		UseCorrection:   opts.UseCorrection,
		CorrectionMode:  opts.CorrectionMode,
		WebhookURL:      opts.WebhookURL,
		DebugSaveChunks: opts.DebugSaveChunks,
		Model:           opts.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("upload: create parent job: %w", err)
	}

	ext := chunker.Ext(filename)
	for _, chunk := range chunks {
		key := objectstore.ChunkKey(job.ID, chunk.Index, ext)
		if err := c.objectStore.Put(ctx, key, chunk.Bytes); err != nil {
			return nil, fmt.Errorf("upload: store chunk %d: %w", chunk.Index, err)
		}
		if opts.DebugSaveChunks {
			debugKey := objectstore.DebugChunkKey(job.ID, chunk.Index, ext)
			if err := c.objectStore.Put(ctx, debugKey, chunk.Bytes); err != nil {
				c.log.Warn("upload: debug chunk retention failed", logging.Fields{
					"parent_id": job.ID, "chunk_index": chunk.Index, "error": err.Error(),
				})
			}
		}

		sj := subJobs[chunk.Index]
		sj.StorageKey = key
		sj.ByteRange = model.ByteRange{Start: chunk.Start, End: chunk.End}
		sj.Status = model.SubJobUploaded
		now := time.Now().UTC()
		sj.UploadedAt = &now
		if err := c.store.UpdateSubJob(ctx, sj); err != nil {
			return nil, fmt.Errorf("upload: persist sub job %d: %w", chunk.Index, err)
		}

		if _, err := c.manager.MarkChunkUploaded(ctx, job.ID, chunk.Index); err != nil {
			return nil, fmt.Errorf("upload: mark_chunk_uploaded %d: %w", chunk.Index, err)
		}

		if err := c.queue.Enqueue(ctx, queue.WorkItem{ParentID: job.ID, SubJobID: sj.ID, ChunkIndex: chunk.Index}); err != nil {
			return nil, fmt.Errorf("upload: enqueue chunk %d: %w", chunk.Index, err)
		}
	}

	final, err := c.manager.Get(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	c.log.Info("upload: job spawned", logging.Fields{"parent_id": job.ID, "filename": filename, "total_chunks": len(chunks)})
	return final, nil
}

func filenameFromURL(url string) string {
	name := path.Base(url)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	if idx := strings.IndexByte(name, '?'); idx >= 0 {
		name = name[:idx]
	}
	return name
}
