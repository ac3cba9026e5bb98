// Package model defines the authoritative data types for the chunked
// upload streaming engine: ParentJob, SubJob, and the per-chunk result
// slots they own. Status is a closed sum type rather than a free-form
// string so illegal transitions are a compile-time/constructor concern,
// not a runtime convention — replacing the loosely-typed property bags
// the original design used for job state.
package model

import (
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a ParentJob.
type Status int

const (
	StatusUploading Status = iota
	StatusProcessing
	StatusAssembling
	StatusDone
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusUploading:
		return "Uploading"
	case StatusProcessing:
		return "Processing"
	case StatusAssembling:
		return "Assembling"
	case StatusDone:
		return "Done"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status is one of the three frozen states.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// CorrectionMode selects when (if ever) the correction API rewrites text.
type CorrectionMode int

const (
	CorrectionNone CorrectionMode = iota
	CorrectionPerChunk
	CorrectionPostProcess
)

func (m CorrectionMode) String() string {
	switch m {
	case CorrectionPerChunk:
		return "per_chunk"
	case CorrectionPostProcess:
		return "post_process"
	default:
		return "none"
	}
}

// ParseCorrectionMode parses the `llm_mode` job-creation option.
func ParseCorrectionMode(s string) CorrectionMode {
	switch s {
	case "post_process":
		return CorrectionPostProcess
	case "per_chunk":
		return CorrectionPerChunk
	default:
		return CorrectionPerChunk
	}
}

// SubJobStatus is the lifecycle state of one chunk's processing record.
type SubJobStatus int

const (
	SubJobPending SubJobStatus = iota
	SubJobUploaded
	SubJobProcessing
	SubJobDone
	SubJobFailed
)

func (s SubJobStatus) String() string {
	switch s {
	case SubJobPending:
		return "Pending"
	case SubJobUploaded:
		return "Uploaded"
	case SubJobProcessing:
		return "Processing"
	case SubJobDone:
		return "Done"
	case SubJobFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ByteRange is a half-open byte interval [Start, End).
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Segment is an opaque token span returned by the upstream transcription
// API; the engine never interprets its contents, only stores and forwards
// it.
type Segment struct {
	Start float64         `json:"start"`
	End   float64         `json:"end"`
	Text  string          `json:"text"`
	Raw   map[string]any  `json:"raw,omitempty"`
}

// ChunkResult is stored in ParentJob.Transcripts[i] once chunk i finishes
// successfully (including the header-only "skipped" case).
type ChunkResult struct {
	ChunkIndex        int        `json:"chunk_index"`
	ByteRange         ByteRange  `json:"byte_range"`
	Text              string     `json:"text"`
	RawText           string     `json:"raw_text"`
	CorrectedText     string     `json:"corrected_text,omitempty"`
	Segments          []Segment  `json:"segments,omitempty"`
	ProcessingTimeMS  int64      `json:"processing_time_ms"`
	CorrectionApplied bool       `json:"correction_applied"`
	CorrectionError   string     `json:"correction_error,omitempty"`
	Skipped           bool       `json:"skipped,omitempty"`
	SkipReason        string     `json:"skip_reason,omitempty"`
}

// ChunkFailure is stored in ParentJob.Transcripts[i] once chunk i fails
// terminally.
type ChunkFailure struct {
	ChunkIndex int    `json:"chunk_index"`
	Error      string `json:"error"`
	Failed     bool   `json:"failed"`
}

// ChunkSlotKind discriminates a ChunkSlot's occupant.
type ChunkSlotKind int

const (
	SlotEmpty ChunkSlotKind = iota
	SlotResult
	SlotFailure
)

// ChunkSlot is the explicit tagged union replacing a nilable-interface
// "result or failure or nothing" slot.
type ChunkSlot struct {
	Kind    ChunkSlotKind
	Result  *ChunkResult
	Failure *ChunkFailure
}

func (s ChunkSlot) Empty() bool { return s.Kind == SlotEmpty }

// Valid reports whether the slot holds usable text for assembly: either a
// non-failed result (skipped or with text).
func (s ChunkSlot) Valid() bool {
	return s.Kind == SlotResult && s.Result != nil
}

// SubJob is one chunk's processing record.
type SubJob struct {
	ID                  string        `json:"id"`
	ParentID            string        `json:"parent_id"`
	ChunkIndex          int           `json:"chunk_index"`
	ByteRange           ByteRange     `json:"byte_range"`
	StorageKey          string        `json:"storage_key"`
	Status              SubJobStatus  `json:"status"`
	RetryCount          int           `json:"retry_count"`
	MaxRetries          int           `json:"max_retries"`
	Error               string        `json:"error,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UploadedAt          *time.Time    `json:"uploaded_at,omitempty"`
	ProcessingStartedAt *time.Time    `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
}

// DefaultMaxRetries is the SubJob retry budget applied at creation.
const DefaultMaxRetries = 3

// ParentJob is the authoritative record of one user-facing transcription
// job. Bitsets (not []bool) back the uploaded/completed/streamed flags so
// popcount — the count every completion-correctness check turns on — is
// O(1) via bitset.Count() instead of an O(n) scan.
type ParentJob struct {
	ID                    string         `json:"id"`
	Filename              string         `json:"filename"`
	TotalSizeBytes        int64          `json:"total_size_bytes"`
	TargetChunkSizeBytes  int64          `json:"target_chunk_size_bytes"`
	TotalChunks           int            `json:"total_chunks"`

	Status Status `json:"status"`

	UploadedFlags  *bitset.BitSet `json:"-"`
	CompletedFlags *bitset.BitSet `json:"-"`
	StreamedFlags  *bitset.BitSet `json:"-"`

	UploadedCount  int `json:"uploaded_count"`
	CompletedCount int `json:"completed_count"`
	FailedCount    int `json:"failed_count"`

	Transcripts []ChunkSlot `json:"-"`

	Progress           int `json:"progress"`
	UploadProgress     int `json:"upload_progress"`
	ProcessingProgress int `json:"processing_progress"`

	UseCorrection  bool           `json:"use_correction"`
	CorrectionMode CorrectionMode `json:"correction_mode"`
	WebhookURL     string         `json:"webhook_url,omitempty"`
	DebugSaveChunks bool          `json:"debug_save_chunks"`
	Model          string         `json:"model,omitempty"`

	SubJobIDs []string `json:"sub_job_ids"`

	CreatedAt              time.Time  `json:"created_at"`
	UploadStartedAt         time.Time  `json:"upload_started_at"`
	FirstChunkCompletedAt   *time.Time `json:"first_chunk_completed_at,omitempty"`
	ProcessingStartedAt     *time.Time `json:"processing_started_at,omitempty"`
	AssemblyStartedAt       *time.Time `json:"assembly_started_at,omitempty"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`

	FinalTranscript     string `json:"final_transcript,omitempty"`
	RawTranscript       string `json:"raw_transcript,omitempty"`
	CorrectedTranscript string `json:"corrected_transcript,omitempty"`
	AssemblyMethod      string `json:"assembly_method,omitempty"`

	// LLMError records a PostProcess correction-pass failure: the parent
	// still reaches Done with the raw transcript as final, but C8 surfaces
	// this once via an llm_error event so clients know the correction pass
	// was skipped.
	LLMError string `json:"llm_error,omitempty"`

	SuccessRate int `json:"success_rate"`

	CancelReason string `json:"cancel_reason,omitempty"`

	LastWriteAt time.Time `json:"last_write_at"`
}

// NewParentID returns an opaque 128-bit job identifier.
func NewParentID() string {
	return uuid.NewString()
}

// NewParentJob constructs a ParentJob in status Uploading with zeroed
// bitsets and an empty transcript slot per chunk, matching the
// create_parent contract.
func NewParentJob(filename string, totalSize, targetChunkSize int64, totalChunks int, useCorrection bool, mode CorrectionMode, webhookURL string, debugSaveChunks bool, modelName string) *ParentJob {
	now := time.Now().UTC()
	return &ParentJob{
		ID:                   NewParentID(),
		Filename:             filename,
		TotalSizeBytes:       totalSize,
		TargetChunkSizeBytes: targetChunkSize,
		TotalChunks:          totalChunks,
		Status:               StatusUploading,
		UploadedFlags:        bitset.New(uint(totalChunks)),
		CompletedFlags:       bitset.New(uint(totalChunks)),
		StreamedFlags:        bitset.New(uint(totalChunks)),
		Transcripts:          make([]ChunkSlot, totalChunks),
		UseCorrection:        useCorrection,
		CorrectionMode:       mode,
		WebhookURL:           webhookURL,
		DebugSaveChunks:      debugSaveChunks,
		Model:                modelName,
		CreatedAt:            now,
		UploadStartedAt:      now,
		LastWriteAt:          now,
	}
}

// TotalChunksFor computes ceil(totalSize / targetChunkSize), at least 1.
func TotalChunksFor(totalSize, targetChunkSize int64) int {
	if targetChunkSize <= 0 {
		return 1
	}
	n := (totalSize + targetChunkSize - 1) / targetChunkSize
	if n < 1 {
		n = 1
	}
	return int(n)
}
