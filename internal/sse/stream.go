// Package sse implements C8: one per-parent server-sent-events connection
// that polls C5's canonical state at a fixed interval and republishes
// whatever has changed since the last tick. Grounded on this codebase's
// real-time pub/sub dispatch loop (pkg/announce/pubsub/realtime.go) —
// same shape (a goroutine looping on a ticker/context-done select,
// calling a handler per new item) adapted from topic fan-out across many
// subscribers to single-parent polling of one ParentJob snapshot.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nexusaudio/chunked-transcribe/internal/assembler"
	"github.com/nexusaudio/chunked-transcribe/internal/logging"
	"github.com/nexusaudio/chunked-transcribe/internal/metrics"
	"github.com/nexusaudio/chunked-transcribe/internal/model"
	"github.com/nexusaudio/chunked-transcribe/internal/parentjob"
)

// pollInterval and connectionCap implement the fixed polling cadence and
// the 30-minute hard cap per connection.
const (
	pollInterval  = 2 * time.Second
	connectionCap = 30 * time.Minute
)

// event is the wire envelope this stream emits:
// data: {"type": "<kind>", "timestamp": "<ISO-8601>", ...fields}\n\n
type event struct {
	kind   string
	fields map[string]any
}

func (e event) write(w http.ResponseWriter, flusher http.Flusher, met *metrics.Registry) error {
	payload := map[string]any{"type": e.kind, "timestamp": time.Now().UTC().Format(time.RFC3339Nano)}
	for k, v := range e.fields {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	if met != nil {
		met.SSEEventsSent.WithLabelValues(e.kind).Inc()
	}
	return nil
}

// snapshot is the subset of ParentJob fields progress_update diffs
// against, so an unchanged poll tick emits nothing.
type snapshot struct {
	status         model.Status
	progress       int
	uploadedCount  int
	completedCount int
	failedCount    int
}

func snapshotOf(job *model.ParentJob) snapshot {
	return snapshot{
		status: job.Status, progress: job.Progress,
		uploadedCount: job.UploadedCount, completedCount: job.CompletedCount, failedCount: job.FailedCount,
	}
}

// Stream runs C8's polling loop for one parent id, writing SSE events to
// w until the job reaches a terminal state, the connection cap elapses,
// or ctx is cancelled (client disconnect). It never returns an error for
// a terminate condition the protocol itself represents (stream_timeout,
// job_terminated) — only for a write failure or a missing parent. met may
// be nil, in which case no SSE Prometheus counters are published.
func Stream(ctx context.Context, w http.ResponseWriter, parentID string, mgr *parentjob.Manager, log *logging.Logger, met *metrics.Registry) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: response writer does not support flushing")
	}
	log = log.WithComponent("sse")

	job, err := mgr.Get(ctx, parentID)
	if err != nil {
		return fmt.Errorf("sse: load parent %s: %w", parentID, err)
	}

	if met != nil {
		met.SSEConnectionsOpen.Inc()
		defer met.SSEConnectionsOpen.Dec()
	}

	if err := (event{kind: "initialized", fields: map[string]any{
		"parent_id": job.ID, "status": job.Status.String(), "total_chunks": job.TotalChunks,
		"filename": job.Filename, "use_correction": job.UseCorrection, "correction_mode": job.CorrectionMode.String(),
	}}).write(w, flusher, met); err != nil {
		return err
	}

	last := snapshotOf(job)
	lastPrefixIndex := -1
	deadline := time.Now().Add(connectionCap)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if time.Now().After(deadline) {
				_ = (event{kind: "stream_timeout"}).write(w, flusher, met)
				return nil
			}

			job, err = mgr.Get(ctx, parentID)
			if err != nil {
				log.Warn("sse: reload parent failed", logging.Fields{"parent_id": parentID, "error": err.Error()})
				return err
			}

			if err := emitChunkEvents(ctx, w, flusher, job, mgr, log, met); err != nil {
				return err
			}

			lastPrefixIndex, err = emitPartial(w, flusher, job, lastPrefixIndex, met)
			if err != nil {
				return err
			}

			current := snapshotOf(job)
			if current != last {
				if err := (event{kind: "progress_update", fields: map[string]any{
					"parent_id": job.ID, "status": job.Status.String(), "progress": job.Progress,
					"uploaded_count": job.UploadedCount, "completed_count": job.CompletedCount, "failed_count": job.FailedCount,
				}}).write(w, flusher, met); err != nil {
					return err
				}
				last = current
			}

			if job.Status.Terminal() {
				return emitTerminal(w, flusher, job, met)
			}

			// Heartbeat comment keeps intermediaries from closing an idle
			// connection between meaningful events.
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// emitChunkEvents publishes chunk_complete/chunk_failed for every slot not
// yet streamed, then marks it streamed under the parent lock so a
// reconnect never duplicates it.
func emitChunkEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, job *model.ParentJob, mgr *parentjob.Manager, log *logging.Logger, met *metrics.Registry) error {
	for i, slot := range job.Transcripts {
		if job.StreamedFlags.Test(uint(i)) {
			continue
		}
		switch slot.Kind {
		case model.SlotResult:
			if err := (event{kind: "chunk_complete", fields: map[string]any{
				"parent_id": job.ID, "chunk_index": i, "text": slot.Result.Text,
				"raw_text": slot.Result.RawText, "corrected_text": slot.Result.CorrectedText,
				"processing_time_ms": slot.Result.ProcessingTimeMS, "skipped": slot.Result.Skipped,
			}}).write(w, flusher, met); err != nil {
				return err
			}
		case model.SlotFailure:
			if err := (event{kind: "chunk_failed", fields: map[string]any{
				"parent_id": job.ID, "chunk_index": i, "error": slot.Failure.Error,
			}}).write(w, flusher, met); err != nil {
				return err
			}
		default:
			continue
		}
		if err := mgr.MarkChunkStreamed(ctx, job.ID, i); err != nil {
			log.Warn("sse: mark_chunk_streamed failed", logging.Fields{"parent_id": job.ID, "chunk_index": i, "error": err.Error()})
		}
	}
	return nil
}

// emitPartial publishes partial_transcript whenever C6's contiguous
// prefix has advanced past the last index this connection published.
func emitPartial(w http.ResponseWriter, flusher http.Flusher, job *model.ParentJob, lastIndex int, met *metrics.Registry) (int, error) {
	prefix := assembler.GetContiguousPrefix(job.Transcripts)
	if prefix.LastIndex <= lastIndex {
		return lastIndex, nil
	}
	err := (event{kind: "partial_transcript", fields: map[string]any{
		"parent_id": job.ID, "text": prefix.Text, "last_index": prefix.LastIndex,
	}}).write(w, flusher, met)
	return prefix.LastIndex, err
}

// emitTerminal publishes final_result (job completed normally) or
// job_terminated (cancelled/failed, with whatever partial exists). A
// PostProcess correction failure is surfaced once via llm_error before
// final_result — the parent still reached Done on the raw transcript.
func emitTerminal(w http.ResponseWriter, flusher http.Flusher, job *model.ParentJob, met *metrics.Registry) error {
	if job.Status == model.StatusDone {
		if job.LLMError != "" {
			if err := (event{kind: "llm_error", fields: map[string]any{
				"parent_id": job.ID, "error": job.LLMError,
			}}).write(w, flusher, met); err != nil {
				return err
			}
		}
		return (event{kind: "final_result", fields: map[string]any{
			"parent_id": job.ID, "final_transcript": job.FinalTranscript, "assembly_method": job.AssemblyMethod,
			"success_rate": job.SuccessRate, "total_chunks": job.TotalChunks,
		}}).write(w, flusher, met)
	}
	prefix := assembler.GetContiguousPrefix(job.Transcripts)
	return (event{kind: "job_terminated", fields: map[string]any{
		"parent_id": job.ID, "status": job.Status.String(), "partial_transcript": prefix.Text,
		"cancel_reason": job.CancelReason,
	}}).write(w, flusher, met)
}
