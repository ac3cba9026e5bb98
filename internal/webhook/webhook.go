// Package webhook implements the optional terminal-notification dispatcher.
// Delivery is at-least-once: receivers MUST dedupe by parent id plus
// completion timestamp, since delivery itself is never exactly-once. This
// sender adds a best-effort bloom-filter dedupe on top purely to avoid
// re-sending the obvious case (the same process retrying the same webhook
// call within its own runtime), following this codebase's preference for
// probabilistic membership filters over exact sets when the cost of a rare
// false positive (skipping a legitimate resend) is acceptable, the same
// trade-off its privacy/relay-cover-traffic code makes with bloom filters
// for its own dedupe needs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nexusaudio/chunked-transcribe/internal/logging"
	"github.com/nexusaudio/chunked-transcribe/internal/model"
)

// estimatedJobs and falsePositiveRate size the dedupe filter for roughly a
// day's worth of terminal jobs at a modest false-positive cost; the filter
// is an optimization, not a correctness mechanism, so its exact sizing
// isn't load-bearing.
const (
	estimatedJobs    = 100_000
	falsePositiveRate = 0.001
)

// Payload mirrors final_result plus the type discriminator webhook
// bodies carry.
type Payload struct {
	Type                string    `json:"type"`
	ParentID            string    `json:"parent_id"`
	Status              string    `json:"status"`
	CompletedAt         time.Time `json:"completed_at"`
	FinalTranscript     string    `json:"final_transcript,omitempty"`
	AssemblyMethod      string    `json:"assembly_method,omitempty"`
	SuccessRate         int       `json:"success_rate"`
	TotalChunks         int       `json:"total_chunks"`
	CompletedCount      int       `json:"completed_count"`
	FailedCount         int       `json:"failed_count"`
}

// Dispatcher sends terminal-job notifications over HTTP.
type Dispatcher struct {
	client *http.Client
	log    *logging.Logger

	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// New constructs a Dispatcher with a bounded per-request timeout.
func New(log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.WithComponent("webhook"),
		filter: bloom.NewWithEstimates(estimatedJobs, falsePositiveRate),
	}
}

// dedupeKey identifies one (parent, completion) notification instance.
func dedupeKey(job *model.ParentJob) []byte {
	return []byte(fmt.Sprintf("%s@%s", job.ID, job.CompletedAt.Format(time.RFC3339Nano)))
}

// Notify POSTs job's terminal result to its configured webhook URL. A
// no-op if job has no WebhookURL. Returns without making a network call on
// a best-effort dedupe hit, and otherwise never fails the caller's
// flow — failures are logged, since webhook delivery sits outside the
// job's own lifecycle and is only guaranteed at-least-once, not guaranteed
// to succeed.
func (d *Dispatcher) Notify(ctx context.Context, job *model.ParentJob) {
	if job.WebhookURL == "" {
		return
	}

	key := dedupeKey(job)
	d.mu.Lock()
	seen := d.filter.Test(key)
	if !seen {
		d.filter.Add(key)
	}
	d.mu.Unlock()
	if seen {
		d.log.Debug("webhook: suppressing likely-duplicate send", logging.Fields{"parent_id": job.ID})
		return
	}

	payload := Payload{
		Type:            "final_result",
		ParentID:        job.ID,
		Status:          job.Status.String(),
		SuccessRate:     job.SuccessRate,
		TotalChunks:     job.TotalChunks,
		CompletedCount:  job.CompletedCount,
		FailedCount:     job.FailedCount,
		AssemblyMethod:  job.AssemblyMethod,
		FinalTranscript: job.FinalTranscript,
	}
	if job.CompletedAt != nil {
		payload.CompletedAt = *job.CompletedAt
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.log.Warn("webhook: marshal payload failed", logging.Fields{"parent_id": job.ID, "error": err.Error()})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		d.log.Warn("webhook: build request failed", logging.Fields{"parent_id": job.ID, "error": err.Error()})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn("webhook: delivery failed", logging.Fields{"parent_id": job.ID, "url": job.WebhookURL, "error": err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.log.Warn("webhook: upstream rejected delivery", logging.Fields{
			"parent_id": job.ID, "url": job.WebhookURL, "status": resp.StatusCode,
		})
	}
}
