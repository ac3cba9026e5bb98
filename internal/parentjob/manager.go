// Package parentjob implements C5: the exclusive-owner manager for one
// ParentJob's lifecycle. Every mutation to a given parent is serialized
// behind a per-parent lock so the idempotent-completion bookkeeping
// (never double-count a retried chunk) holds even when two goroutines
// race to report the same chunk's outcome. The per-ID lock map follows
// the same lock-around-map shape this codebase uses for its in-memory
// caches (pkg/storage/cache/memory.go), scoped here to one mutex per
// live parent instead of one mutex for the whole store.
package parentjob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexusaudio/chunked-transcribe/internal/assembler"
	"github.com/nexusaudio/chunked-transcribe/internal/logging"
	"github.com/nexusaudio/chunked-transcribe/internal/model"
	"github.com/nexusaudio/chunked-transcribe/internal/objectstore"
	"github.com/nexusaudio/chunked-transcribe/internal/store"
)

// Manager owns ParentJob mutation. It is safe for concurrent use.
type Manager struct {
	store store.Store
	log   *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Manager over the given durable store.
func New(s store.Store, log *logging.Logger) *Manager {
	return &Manager{
		store: s,
		log:   log.WithComponent("parentjob"),
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(parentID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[parentID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[parentID] = l
	}
	return l
}

func (m *Manager) forgetLock(parentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, parentID)
}

// withParent serializes fn against every other call for the same
// parentID, loading the current record, handing it to fn, and
// persisting whatever fn leaves behind unless fn returns an error.
func (m *Manager) withParent(ctx context.Context, parentID string, fn func(job *model.ParentJob) error) (*model.ParentJob, error) {
	l := m.lockFor(parentID)
	l.Lock()
	defer l.Unlock()

	job, err := m.store.GetParentJob(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	job.LastWriteAt = time.Now().UTC()
	if err := m.store.UpdateParentJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// CreateOptions configures CreateParent.
type CreateOptions struct {
	Filename        string
	TotalSizeBytes  int64
	TargetChunkSize int64
	TotalChunks     int
	UseCorrection   bool
	CorrectionMode  model.CorrectionMode
	WebhookURL      string
	DebugSaveChunks bool
	Model           string
}

// CreateParent creates and persists a new ParentJob along with one
// Pending SubJob per chunk.
func (m *Manager) CreateParent(ctx context.Context, opts CreateOptions) (*model.ParentJob, []*model.SubJob, error) {
	job := model.NewParentJob(
		opts.Filename, opts.TotalSizeBytes, opts.TargetChunkSize, opts.TotalChunks,
		opts.UseCorrection, opts.CorrectionMode, opts.WebhookURL, opts.DebugSaveChunks, opts.Model,
	)

	subJobs := make([]*model.SubJob, opts.TotalChunks)
	now := time.Now().UTC()
	for i := 0; i < opts.TotalChunks; i++ {
		sj := &model.SubJob{
			ID:         fmt.Sprintf("%s-%d", job.ID, i),
			ParentID:   job.ID,
			ChunkIndex: i,
			Status:     model.SubJobPending,
			MaxRetries: model.DefaultMaxRetries,
			CreatedAt:  now,
		}
		subJobs[i] = sj
		job.SubJobIDs = append(job.SubJobIDs, sj.ID)
	}

	if err := m.store.CreateParentJob(ctx, job); err != nil {
		return nil, nil, err
	}
	for _, sj := range subJobs {
		if err := m.store.CreateSubJob(ctx, sj); err != nil {
			return nil, nil, err
		}
	}

	m.log.Info("parent job created", logging.Fields{
		"parent_id": job.ID, "total_chunks": job.TotalChunks, "filename": job.Filename,
	})
	return job, subJobs, nil
}

// MarkChunkUploaded records that chunk i's bytes have been durably
// stored. Idempotent: re-marking an already-uploaded chunk is a no-op.
func (m *Manager) MarkChunkUploaded(ctx context.Context, parentID string, chunkIndex int) (*model.ParentJob, error) {
	return m.withParent(ctx, parentID, func(job *model.ParentJob) error {
		if job.UploadedFlags.Test(uint(chunkIndex)) {
			return nil
		}
		job.UploadedFlags.Set(uint(chunkIndex))
		job.UploadedCount++
		job.UploadProgress = percent(job.UploadedCount, job.TotalChunks)
		if job.Status == model.StatusUploading && job.UploadedCount >= 1 {
			job.Status = model.StatusProcessing
			now := time.Now().UTC()
			job.ProcessingStartedAt = &now
		}
		recomputeOverallProgress(job)
		return nil
	})
}

// ProcessCompletedChunk records chunk i's successful (or skipped)
// transcription result. Idempotent: a chunk already marked complete is
// never double-counted even if the caller retried after a lost ack.
func (m *Manager) ProcessCompletedChunk(ctx context.Context, parentID string, result *model.ChunkResult) (*model.ParentJob, error) {
	return m.withParent(ctx, parentID, func(job *model.ParentJob) error {
		if job.Status.Terminal() {
			// Cancelled or already finished: a sub-job that completes its
			// upstream call after the parent went terminal must not mutate
			// counters or stored results.
			return nil
		}
		idx := uint(result.ChunkIndex)
		if job.CompletedFlags.Test(idx) {
			// Already counted: a retried ack still gets the freshest
			// result recorded, but must never double-increment.
			job.Transcripts[result.ChunkIndex] = model.ChunkSlot{Kind: model.SlotResult, Result: result}
			return nil
		}
		job.CompletedFlags.Set(idx)
		job.CompletedCount++
		job.Transcripts[result.ChunkIndex] = model.ChunkSlot{Kind: model.SlotResult, Result: result}

		if job.FirstChunkCompletedAt == nil {
			now := time.Now().UTC()
			job.FirstChunkCompletedAt = &now
		}
		job.ProcessingProgress = percent(int(job.CompletedFlags.Count()), job.TotalChunks)
		recomputeOverallProgress(job)
		return nil
	})
}

// MarkChunkFailed records chunk i's terminal failure. Idempotent in the
// same sense as ProcessCompletedChunk.
func (m *Manager) MarkChunkFailed(ctx context.Context, parentID string, chunkIndex int, errMsg string) (*model.ParentJob, error) {
	return m.withParent(ctx, parentID, func(job *model.ParentJob) error {
		if job.Status.Terminal() {
			return nil
		}
		idx := uint(chunkIndex)
		if job.CompletedFlags.Test(idx) {
			return nil
		}
		job.CompletedFlags.Set(idx)
		job.FailedCount++
		job.Transcripts[chunkIndex] = model.ChunkSlot{
			Kind:    model.SlotFailure,
			Failure: &model.ChunkFailure{ChunkIndex: chunkIndex, Error: errMsg, Failed: true},
		}
		job.ProcessingProgress = percent(int(job.CompletedFlags.Count()), job.TotalChunks)
		recomputeOverallProgress(job)
		return nil
	})
}

// ReadyForAssembly reports whether every chunk has reached a terminal
// outcome (success, skip, or failure), independent of status.
func ReadyForAssembly(job *model.ParentJob) bool {
	return int(job.CompletedFlags.Count()) == job.TotalChunks
}

// CheckReadyForAssembly (check_ready_for_assembly) reports true iff
// every chunk has reached a terminal outcome and the job isn't
// already Assembling/Done. On the first true observation it transitions
// the job to Assembling and stamps assembly_started_at; later calls
// after that transition return false so the queue worker invokes C6
// exactly once per parent.
func (m *Manager) CheckReadyForAssembly(ctx context.Context, parentID string) (bool, error) {
	var ready bool
	_, err := m.withParent(ctx, parentID, func(job *model.ParentJob) error {
		if job.Status == model.StatusAssembling || job.Status.Terminal() {
			ready = false
			return nil
		}
		if !ReadyForAssembly(job) {
			ready = false
			return nil
		}
		now := time.Now().UTC()
		job.Status = model.StatusAssembling
		job.AssemblyStartedAt = &now
		ready = true
		return nil
	})
	return ready, err
}

// PostProcessResult carries the outcome of a whole-transcript PostProcess
// correction pass, computed by the caller (it requires an upstream HTTP
// call the manager itself has no business making) before CompleteParent
// folds it into the terminal record. A nil *PostProcessResult means the
// job isn't in PostProcess mode; a non-nil result with Err set means the
// correction call failed and the parent still reaches Done on raw text.
type PostProcessResult struct {
	CorrectedText string
	Err           string
}

// CompleteParent runs the assembler over a ready job and transitions it
// to Done, or to Failed when no chunk succeeded or was skipped. Callers must have already observed true
// from CheckReadyForAssembly. postProcess carries the PostProcess
// correction-pass outcome (nil outside that mode).
func (m *Manager) CompleteParent(ctx context.Context, parentID string, postProcess *PostProcessResult) (*model.ParentJob, error) {
	return m.withParent(ctx, parentID, func(job *model.ParentJob) error {
		if job.Status.Terminal() {
			return nil
		}

		res := assembler.Build(job.Transcripts, job.UseCorrection, job.CorrectionMode)
		job.FinalTranscript = res.Final
		job.RawTranscript = res.Raw
		job.CorrectedTranscript = res.Corrected
		job.AssemblyMethod = res.Method
		job.SuccessRate = res.SuccessRate

		if job.CorrectionMode == model.CorrectionPostProcess && postProcess != nil {
			if postProcess.Err != "" {
				// Correction API permanently down (or this call failed):
				// fall back to raw, never fail the parent.
				job.LLMError = postProcess.Err
				job.FinalTranscript = res.Raw
			} else {
				job.CorrectedTranscript = postProcess.CorrectedText
				job.FinalTranscript = postProcess.CorrectedText
			}
		}

		completedAt := time.Now().UTC()
		job.CompletedAt = &completedAt
		job.Progress = 100

		if res.SuccessfulCount+res.SkippedCount == 0 {
			// Every chunk failed terminally: the assembler's valid-chunk set
			// is empty, so a Failed sub-job cascades to a Failed parent
			// instead of a Done one with an empty transcript.
			job.Status = model.StatusFailed
		} else {
			job.Status = model.StatusDone
		}
		return nil
	})
}

// CancelParent transitions a job to Cancelled. Idempotent: cancelling an
// already-terminal job is a no-op.
func (m *Manager) CancelParent(ctx context.Context, parentID, reason string) (*model.ParentJob, error) {
	job, err := m.withParent(ctx, parentID, func(job *model.ParentJob) error {
		if job.Status.Terminal() {
			return nil
		}
		job.Status = model.StatusCancelled
		job.CancelReason = reason
		now := time.Now().UTC()
		job.CompletedAt = &now
		return nil
	})
	if err == nil {
		m.forgetLock(parentID)
	}
	return job, err
}

// DeleteParent removes the parent's records entirely (backing the
// /delete-job endpoint) and releases its lock.
func (m *Manager) DeleteParent(ctx context.Context, parentID string) error {
	l := m.lockFor(parentID)
	l.Lock()
	err := m.store.DeleteParentJob(ctx, parentID)
	l.Unlock()
	m.forgetLock(parentID)
	return err
}

// Get returns the current ParentJob record without mutating it.
func (m *Manager) Get(ctx context.Context, parentID string) (*model.ParentJob, error) {
	return m.store.GetParentJob(ctx, parentID)
}

// GC deletes terminal jobs whose last write is older than cutoff.
func (m *Manager) GC(ctx context.Context, cutoff time.Time) (int, error) {
	return m.store.GC(ctx, cutoff)
}

// MarkChunkStreamed records that chunk i's result has been published over
// the event stream, so a reconnecting client never receives it twice.
// Idempotent: marking an already-streamed chunk is a no-op.
func (m *Manager) MarkChunkStreamed(ctx context.Context, parentID string, chunkIndex int) error {
	_, err := m.withParent(ctx, parentID, func(job *model.ParentJob) error {
		job.StreamedFlags.Set(uint(chunkIndex))
		return nil
	})
	return err
}

// GCSubJobs (gc_sub_jobs) reclaims a terminal job's per-chunk records:
// once a job is Done, its per-chunk SubJob records and the raw chunk bytes backing
// them serve no further purpose (the assembled transcript already lives
// on the ParentJob record), so this reclaims both and clears
// SubJobIDs. Unlike GC, the ParentJob record itself is left intact so
// /result can still be queried. objectStore deletion failures are
// logged and skipped rather than aborting the sweep, since a stray blob
// left behind is far cheaper than a SubJob row this never retries.
func (m *Manager) GCSubJobs(ctx context.Context, parentID string, objectStore objectstore.ObjectStore) error {
	job, err := m.store.GetParentJob(ctx, parentID)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("parentjob: %s is not terminal, refusing to gc its sub-jobs", parentID)
	}

	subJobs, err := m.store.ListSubJobsByParent(ctx, parentID)
	if err != nil {
		return err
	}
	for _, sj := range subJobs {
		if sj.StorageKey != "" {
			if err := objectStore.Delete(ctx, sj.StorageKey); err != nil {
				m.log.Warn("gc_sub_jobs: failed to delete chunk bytes", logging.Fields{
					"parent_id": parentID, "sub_job_id": sj.ID, "storage_key": sj.StorageKey, "error": err.Error(),
				})
			}
		}
		if err := m.store.DeleteSubJob(ctx, sj.ID); err != nil && err != store.ErrNotFound {
			return err
		}
	}

	_, err = m.withParent(ctx, parentID, func(job *model.ParentJob) error {
		job.SubJobIDs = nil
		return nil
	})
	return err
}

func percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return done * 100 / total
}

// recomputeOverallProgress blends upload and processing progress into
// the single headline Progress figure: upload counts for the first half
// of the bar, processing the second half, so a job that has finished
// uploading but not yet processed anything still reads 50%, not 0%.
func recomputeOverallProgress(job *model.ParentJob) {
	job.Progress = (job.UploadProgress + job.ProcessingProgress) / 2
}
