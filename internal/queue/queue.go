// Package queue implements C9: a bounded pool of workers draining a
// buffered channel of chunk-processing work items, grounded on this
// codebase's SimpleWorkerPool (pkg/infrastructure/workers/simple_pool.go)
// but reshaped from a fan-out-over-one-batch helper into a long-lived
// pool that keeps draining a shared channel for the life of the process,
// since chunked processing calls for a persistent queue rather than a
// fixed-size batch of work known up front.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexusaudio/chunked-transcribe/internal/assembler"
	"github.com/nexusaudio/chunked-transcribe/internal/chunker"
	"github.com/nexusaudio/chunked-transcribe/internal/correction"
	"github.com/nexusaudio/chunked-transcribe/internal/gate"
	"github.com/nexusaudio/chunked-transcribe/internal/logging"
	"github.com/nexusaudio/chunked-transcribe/internal/metrics"
	"github.com/nexusaudio/chunked-transcribe/internal/model"
	"github.com/nexusaudio/chunked-transcribe/internal/objectstore"
	"github.com/nexusaudio/chunked-transcribe/internal/parentjob"
	"github.com/nexusaudio/chunked-transcribe/internal/retry"
	"github.com/nexusaudio/chunked-transcribe/internal/store"
	"github.com/nexusaudio/chunked-transcribe/internal/subjob"
	"github.com/nexusaudio/chunked-transcribe/internal/webhook"
)

// WorkItem is one chunk-processing task: a
// {parent_id, sub_job_id, chunk_index} triple.
type WorkItem struct {
	ParentID   string
	SubJobID   string
	ChunkIndex int
}

// requeueBase and requeueCap bound the backoff applied before a retryable
// chunk failure is re-enqueued, distinct from C2's own per-HTTP-call
// backoff inside Process — this is the coarser "try the whole chunk
// again later" delay a chunk-level retry needs.
const (
	requeueBase = 2 * time.Second
	requeueCap  = 30 * time.Second
)

// Dependencies wires the queue to the rest of the engine.
type Dependencies struct {
	Store       store.Store
	Processor   *subjob.Processor
	Manager     *parentjob.Manager
	ObjectStore objectstore.ObjectStore
	Webhook     *webhook.Dispatcher
	Gates       *gate.Registry
	Correction  *correction.Client
	Log         *logging.Logger
	Metrics     *metrics.Registry
}

// Queue runs a fixed pool of workers over a buffered channel of WorkItems.
type Queue struct {
	deps  Dependencies
	items chan WorkItem
	log   *logging.Logger

	wg sync.WaitGroup
}

// New constructs a Queue with the given channel buffer size. Callers pick
// the buffer large enough to absorb one whole-file upload's burst of
// chunks without blocking the upload request.
func New(deps Dependencies, bufferSize int) *Queue {
	return &Queue{
		deps:  deps,
		items: make(chan WorkItem, bufferSize),
		log:   deps.Log.WithComponent("queue"),
	}
}

// Enqueue submits one work item, blocking until there is buffer space or
// ctx is cancelled.
func (q *Queue) Enqueue(ctx context.Context, item WorkItem) error {
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start spins up n worker goroutines that drain the queue until ctx is
// cancelled. Call Wait after cancelling ctx to block until they drain.
func (q *Queue) Start(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go q.runWorker(ctx)
	}
}

// Wait blocks until every worker goroutine started by Start has returned.
func (q *Queue) Wait() { q.wg.Wait() }

func (q *Queue) runWorker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case item := <-q.items:
			q.handle(ctx, item)
		case <-ctx.Done():
			return
		}
	}
}

// handle runs the per-item contract: invoke C4 gated by
// C1(ChunkProcessing), fold the outcome into C5, possibly re-enqueue on a
// retryable failure within budget, then check whether the parent is ready
// to assemble.
func (q *Queue) handle(ctx context.Context, item WorkItem) {
	job, err := q.deps.Manager.Get(ctx, item.ParentID)
	if err != nil {
		q.log.Warn("queue: load parent failed", logging.Fields{"parent_id": item.ParentID, "error": err.Error()})
		return
	}
	if job.Status.Terminal() {
		// Cancelled or already finished: discard in-flight results.
		return
	}

	opts := subjob.Options{
		UseCorrection:  job.UseCorrection,
		CorrectionMode: job.CorrectionMode,
		Model:          job.Model,
		FileExt:        chunker.Ext(job.Filename),
	}

	var result *model.ChunkResult
	procErr := q.deps.Gates.Run(ctx, gate.ChunkProcessing, func(ctx context.Context) error {
		var err error
		result, err = q.deps.Processor.Process(ctx, item.SubJobID, opts)
		return err
	})

	if procErr != nil {
		q.onFailure(ctx, item, procErr)
		q.countChunk("failed")
	} else {
		if _, err := q.deps.Manager.ProcessCompletedChunk(ctx, item.ParentID, result); err != nil {
			q.log.Warn("queue: process_completed_chunk failed", logging.Fields{
				"parent_id": item.ParentID, "chunk_index": item.ChunkIndex, "error": err.Error(),
			})
		}
		if result.Skipped {
			q.countChunk("skipped")
		} else {
			q.countChunk("done")
		}
	}

	q.advance(ctx, item.ParentID)
}

func (q *Queue) onFailure(ctx context.Context, item WorkItem, cause error) {
	if _, err := q.deps.Manager.MarkChunkFailed(ctx, item.ParentID, item.ChunkIndex, cause.Error()); err != nil {
		q.log.Warn("queue: mark_chunk_failed failed", logging.Fields{
			"parent_id": item.ParentID, "chunk_index": item.ChunkIndex, "error": err.Error(),
		})
		return
	}

	if retry.Classify(cause) != retry.Retryable {
		return
	}

	sj, err := q.deps.Store.GetSubJob(ctx, item.SubJobID)
	if err != nil {
		q.log.Warn("queue: load sub job for requeue failed", logging.Fields{"sub_job_id": item.SubJobID, "error": err.Error()})
		return
	}
	if sj.RetryCount >= sj.MaxRetries {
		q.log.Info("queue: retry budget exhausted, leaving chunk failed", logging.Fields{
			"parent_id": item.ParentID, "chunk_index": item.ChunkIndex, "retry_count": sj.RetryCount,
		})
		if q.deps.Metrics != nil {
			q.deps.Metrics.RetryExhausted.WithLabelValues("chunk_processing").Inc()
		}
		return
	}

	sj.RetryCount++
	if q.deps.Metrics != nil {
		q.deps.Metrics.RetryAttempts.WithLabelValues("chunk_processing").Inc()
	}
	if err := q.deps.Store.UpdateSubJob(ctx, sj); err != nil {
		q.log.Warn("queue: persist retry count failed", logging.Fields{"sub_job_id": item.SubJobID, "error": err.Error()})
		return
	}

	delay := requeueDelay(sj.RetryCount)
	q.log.Info("queue: re-enqueueing failed chunk after backoff", logging.Fields{
		"parent_id": item.ParentID, "chunk_index": item.ChunkIndex, "attempt": sj.RetryCount, "delay_ms": delay.Milliseconds(),
	})

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		_ = q.Enqueue(ctx, item)
	}()
}

// advance implements the check_ready_for_assembly → C6 → complete_parent
// → webhook → gc_sub_jobs tail of chunk processing.
func (q *Queue) advance(ctx context.Context, parentID string) {
	ready, err := q.deps.Manager.CheckReadyForAssembly(ctx, parentID)
	if err != nil {
		q.log.Warn("queue: check_ready_for_assembly failed", logging.Fields{"parent_id": parentID, "error": err.Error()})
		return
	}
	if !ready {
		return
	}

	var postProcess *parentjob.PostProcessResult
	if job, err := q.deps.Manager.Get(ctx, parentID); err != nil {
		q.log.Warn("queue: load parent before post-process correction failed", logging.Fields{"parent_id": parentID, "error": err.Error()})
	} else if job.UseCorrection && job.CorrectionMode == model.CorrectionPostProcess {
		postProcess = q.runPostProcessCorrection(ctx, job)
	}

	done, err := q.deps.Manager.CompleteParent(ctx, parentID, postProcess)
	if err != nil {
		q.log.Error("queue: complete_parent failed", logging.Fields{"parent_id": parentID, "error": err.Error()})
		return
	}
	if q.deps.Metrics != nil {
		q.deps.Metrics.JobsCompleted.WithLabelValues(done.Status.String()).Inc()
	}

	if q.deps.Webhook != nil {
		q.deps.Webhook.Notify(ctx, done)
	}

	if err := q.deps.Manager.GCSubJobs(ctx, parentID, q.deps.ObjectStore); err != nil {
		q.log.Warn("queue: gc_sub_jobs failed", logging.Fields{"parent_id": parentID, "error": err.Error()})
	}
}

// runPostProcessCorrection implements spec step 4 of C6's assembly: with
// correction_mode == PostProcess, call the correction API once on the raw
// merged transcript via C1(Correction)+C2. A failure never fails the
// parent — the caller falls back to raw and records the error for a
// single llm_error event.
func (q *Queue) runPostProcessCorrection(ctx context.Context, job *model.ParentJob) *parentjob.PostProcessResult {
	raw := assembler.AssembleRaw(job.Transcripts)
	if q.deps.Correction == nil || raw == "" {
		return nil
	}

	var corrected string
	err := q.deps.Gates.Run(ctx, gate.Correction, func(ctx context.Context) error {
		return retry.Do(ctx, retry.CorrectionPolicy, func(ctx context.Context) error {
			var err error
			corrected, err = q.deps.Correction.Correct(ctx, raw, job.Model)
			return err
		})
	})
	if err != nil {
		q.log.Warn("queue: post-process correction failed, falling back to raw", logging.Fields{
			"parent_id": job.ID, "error": err.Error(),
		})
		return &parentjob.PostProcessResult{Err: err.Error()}
	}
	return &parentjob.PostProcessResult{CorrectedText: corrected}
}

// RetryChunk implements the /chunked-upload-retry endpoint's rearm
// semantics: reset the named sub-job back to Uploaded and re-submit it,
// regardless of its prior retry count (an operator-initiated retry isn't
// bound by the automatic retry budget).
func (q *Queue) RetryChunk(ctx context.Context, parentID string, chunkIndex int) error {
	subJobs, err := q.deps.Store.ListSubJobsByParent(ctx, parentID)
	if err != nil {
		return err
	}
	for _, sj := range subJobs {
		if sj.ChunkIndex != chunkIndex {
			continue
		}
		sj.Status = model.SubJobUploaded
		sj.Error = ""
		if err := q.deps.Store.UpdateSubJob(ctx, sj); err != nil {
			return err
		}
		return q.Enqueue(ctx, WorkItem{ParentID: parentID, SubJobID: sj.ID, ChunkIndex: chunkIndex})
	}
	return fmt.Errorf("queue: no sub-job for parent %s chunk %d", parentID, chunkIndex)
}

// countChunk increments the per-outcome chunk counter, if metrics are
// attached.
func (q *Queue) countChunk(outcome string) {
	if q.deps.Metrics != nil {
		q.deps.Metrics.ChunksProcessed.WithLabelValues(outcome).Inc()
	}
}

func requeueDelay(attempt int) time.Duration {
	d := requeueBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > requeueCap {
			return requeueCap
		}
	}
	return d
}
