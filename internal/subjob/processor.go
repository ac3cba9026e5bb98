// Package subjob implements C4: loading one chunk's bytes, running it
// through transcription (and optionally correction), and producing the
// ChunkResult the parent-job manager folds into its bitsets.
package subjob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nexusaudio/chunked-transcribe/internal/correction"
	"github.com/nexusaudio/chunked-transcribe/internal/gate"
	"github.com/nexusaudio/chunked-transcribe/internal/logging"
	"github.com/nexusaudio/chunked-transcribe/internal/model"
	"github.com/nexusaudio/chunked-transcribe/internal/objectstore"
	"github.com/nexusaudio/chunked-transcribe/internal/retry"
	"github.com/nexusaudio/chunked-transcribe/internal/store"
	"github.com/nexusaudio/chunked-transcribe/internal/transcription"
)

// minCorrectionTextLength is the threshold below which per-chunk
// correction is skipped as not worth the round trip.
const minCorrectionTextLength = 10

// Processor runs process(sub_job_id).
type Processor struct {
	store         store.Store
	objectStore   objectstore.ObjectStore
	gates         *gate.Registry
	transcription *transcription.Client
	correction    *correction.Client
	log           *logging.Logger
}

// New constructs a Processor.
func New(s store.Store, os objectstore.ObjectStore, gates *gate.Registry, tc *transcription.Client, cc *correction.Client, log *logging.Logger) *Processor {
	return &Processor{
		store: s, objectStore: os, gates: gates,
		transcription: tc, correction: cc,
		log: log.WithComponent("subjob"),
	}
}

// Options carries the per-parent settings that affect chunk processing.
type Options struct {
	UseCorrection  bool
	CorrectionMode model.CorrectionMode
	Model          string
	FileExt        string
}

// Process runs the full C4 contract for one SubJob and returns the
// ChunkResult the caller should fold into the ParentJob via
// parentjob.Manager.ProcessCompletedChunk, or an error for a terminal
// chunk failure the caller should fold via MarkChunkFailed.
func (p *Processor) Process(ctx context.Context, subJobID string, opts Options) (*model.ChunkResult, error) {
	sj, err := p.store.GetSubJob(ctx, subJobID)
	if err != nil {
		return nil, fmt.Errorf("subjob: load %s: %w", subJobID, err)
	}
	if sj.Status != model.SubJobUploaded && sj.Status != model.SubJobFailed {
		return nil, fmt.Errorf("subjob: %s is in state %s, expected Uploaded or Failed", subJobID, sj.Status)
	}

	now := time.Now().UTC()
	sj.Status = model.SubJobProcessing
	sj.ProcessingStartedAt = &now
	if err := p.store.UpdateSubJob(ctx, sj); err != nil {
		return nil, fmt.Errorf("subjob: transition to processing: %w", err)
	}

	data, err := p.objectStore.Get(ctx, sj.StorageKey)
	if err != nil {
		return p.fail(ctx, sj, fmt.Errorf("subjob: fetch chunk bytes: %w", err))
	}

	start := time.Now()
	var resp *transcription.Response
	gateErr := p.gates.Run(ctx, gate.Transcription, func(ctx context.Context) error {
		return retry.Do(ctx, retry.TranscriptionPolicy, func(ctx context.Context) error {
			var err error
			resp, err = p.transcription.Transcribe(ctx, transcription.Request{
				ChunkIndex: sj.ChunkIndex,
				Filename:   fmt.Sprintf("chunk.%d.%s", sj.ChunkIndex, opts.FileExt),
				Bytes:      data,
				Model:      opts.Model,
			})
			return err
		})
	})
	if gateErr != nil {
		return p.fail(ctx, sj, gateErr)
	}

	result := &model.ChunkResult{
		ChunkIndex:       sj.ChunkIndex,
		ByteRange:        sj.ByteRange,
		Text:             resp.Text,
		RawText:          resp.Text,
		Segments:         resp.Segments,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}

	if strings.TrimSpace(resp.Text) == "" {
		if sj.ChunkIndex == 0 && headerOnly(opts) {
			result.Skipped = true
			result.SkipReason = "header-only"
		} else {
			return p.fail(ctx, sj, fmt.Errorf("subjob: chunk %d produced no text", sj.ChunkIndex))
		}
	} else if opts.UseCorrection && opts.CorrectionMode == model.CorrectionPerChunk && len(resp.Text) >= minCorrectionTextLength {
		p.applyCorrection(ctx, result, opts)
	}

	completed := time.Now().UTC()
	sj.Status = model.SubJobDone
	sj.CompletedAt = &completed
	if err := p.store.UpdateSubJob(ctx, sj); err != nil {
		return nil, fmt.Errorf("subjob: transition to done: %w", err)
	}

	return result, nil
}

// headerOnly reports whether a blank chunk 0 is treated as containing only
// container metadata. It checks only the file extension (mp3 or wav); it
// does not inspect the chunk's bytes or whether the format-aware splitter
// handled the file.
func headerOnly(opts Options) bool {
	ext := strings.ToLower(opts.FileExt)
	return ext == "mp3" || ext == "wav"
}

func (p *Processor) applyCorrection(ctx context.Context, result *model.ChunkResult, opts Options) {
	var corrected string
	err := p.gates.Run(ctx, gate.Correction, func(ctx context.Context) error {
		return retry.Do(ctx, retry.CorrectionPolicy, func(ctx context.Context) error {
			var err error
			corrected, err = p.correction.Correct(ctx, result.RawText, opts.Model)
			return err
		})
	})
	if err != nil {
		// Correction failures never fail the sub-job.
		result.CorrectionApplied = false
		result.CorrectionError = err.Error()
		p.log.Warn("per-chunk correction failed, falling back to raw text",
			logging.Fields{"chunk_index": result.ChunkIndex, "error": err.Error()})
		return
	}
	result.CorrectedText = corrected
	result.CorrectionApplied = true
	// text is "final post-per-chunk-correction if enabled": once correction
	// succeeds, the corrected text supersedes the raw transcription as the
	// chunk's primary text.
	result.Text = corrected
}

func (p *Processor) fail(ctx context.Context, sj *model.SubJob, cause error) (*model.ChunkResult, error) {
	now := time.Now().UTC()
	sj.Status = model.SubJobFailed
	sj.Error = cause.Error()
	sj.CompletedAt = &now
	_ = p.store.UpdateSubJob(ctx, sj)
	return nil, cause
}
