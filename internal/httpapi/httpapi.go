// Package httpapi implements A4: the gorilla/mux-routed HTTP surface,
// wiring the upload coordinator (C7), the event stream (C8), the
// parent-job manager (C5) and the queue's retry/cancel operations (C9)
// behind the endpoints external clients speak. Grounded on this
// codebase's cmd/webui/main.go handler shape (parse request, call into
// the domain layer, write a JSON response or an error) and its
// securityHeaders middleware, generalized from a single-binary file
// server into a small router with one handler method per endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nexusaudio/chunked-transcribe/internal/apperror"
	"github.com/nexusaudio/chunked-transcribe/internal/gate"
	"github.com/nexusaudio/chunked-transcribe/internal/logging"
	"github.com/nexusaudio/chunked-transcribe/internal/metrics"
	"github.com/nexusaudio/chunked-transcribe/internal/model"
	"github.com/nexusaudio/chunked-transcribe/internal/objectstore"
	"github.com/nexusaudio/chunked-transcribe/internal/parentjob"
	"github.com/nexusaudio/chunked-transcribe/internal/queue"
	"github.com/nexusaudio/chunked-transcribe/internal/sse"
	"github.com/nexusaudio/chunked-transcribe/internal/store"
	"github.com/nexusaudio/chunked-transcribe/internal/upload"
)

// maxDirectUploadBytes bounds the small-file fast path (/upload) kept
// in memory at once; the chunked path streams through
// ParseMultipartForm's own disk-backed spillover instead.
const (
	maxDirectUploadBytes     = 100 << 20  // 100MB
	maxChunkedUploadMemory   = 32 << 20   // 32MB in-memory form parse buffer
	maxMultipartTotalBytes   = 2 << 30    // 2GiB hard ceiling on one chunked upload
)

// Server holds every dependency a handler needs and implements http.Handler
// via its embedded router.
type Server struct {
	router      *mux.Router
	coordinator *upload.Coordinator
	manager     *parentjob.Manager
	queue       *queue.Queue
	store       store.Store
	objectStore objectstore.ObjectStore
	gates       *gate.Registry
	metrics     *metrics.Registry
	log         *logging.Logger
	startedAt   time.Time
	defaultChunkSizeMB int
}

// Dependencies wires a Server to the rest of the engine.
type Dependencies struct {
	Coordinator        *upload.Coordinator
	Manager            *parentjob.Manager
	Queue              *queue.Queue
	Store              store.Store
	ObjectStore        objectstore.ObjectStore
	Gates              *gate.Registry
	Metrics            *metrics.Registry
	Log                *logging.Logger
	DefaultChunkSizeMB int
}

// New builds the router for every endpoint plus /metrics.
func New(deps Dependencies) *Server {
	s := &Server{
		coordinator:        deps.Coordinator,
		manager:            deps.Manager,
		queue:              deps.Queue,
		store:              deps.Store,
		objectStore:        deps.ObjectStore,
		gates:              deps.Gates,
		metrics:            deps.Metrics,
		log:                deps.Log.WithComponent("httpapi"),
		startedAt:          time.Now().UTC(),
		defaultChunkSizeMB: deps.DefaultChunkSizeMB,
	}
	if s.defaultChunkSizeMB <= 0 {
		s.defaultChunkSizeMB = 10
	}

	r := mux.NewRouter()
	r.Use(securityHeaders)
	r.Use(s.logRequests)

	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/chunked-upload-stream", s.handleChunkedUploadStream).Methods(http.MethodPost)
	r.HandleFunc("/chunked-stream/{parent_job_id}", s.handleChunkedStream).Methods(http.MethodGet)
	r.HandleFunc("/chunked-upload-status", s.handleChunkedUploadStatus).Methods(http.MethodGet)
	r.HandleFunc("/chunked-upload-cancel", s.handleChunkedUploadCancel).Methods(http.MethodPost)
	r.HandleFunc("/chunked-upload-retry", s.handleChunkedUploadRetry).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/result", s.handleResult).Methods(http.MethodGet)
	r.HandleFunc("/delete-job", s.handleDeleteJob).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// securityHeaders mirrors this codebase's cmd/webui/main.go securityHeaders
// middleware, adapted to gorilla/mux's Use signature (a
// func(http.Handler) http.Handler rather than a func(http.HandlerFunc)
// http.HandlerFunc wrapper).
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", logging.Fields{
			"method": r.Method, "path": r.URL.Path, "duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError classifies err via apperror and writes the client-safe
// message at the matching HTTP status, logging the full cause
// server-side — the same never-leak-internals split this codebase's own
// error sanitizer applies.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		appErr = apperror.Wrap(apperror.KindInternal, "internal error", err)
	}
	s.log.Warn("request failed", logging.Fields{"kind": appErr.Kind.String(), "error": appErr.Error()})
	writeJSON(w, appErr.Kind.HTTPStatus(), map[string]any{"error": appErr.Public})
}

// --- /upload: small-file fast path ---

type uploadRequestOptions struct {
	URL        string `json:"url"`
	UseLLM     bool   `json:"use_llm"`
	Model      string `json:"model"`
	WebhookURL string `json:"webhook_url"`
}

type uploadResponse struct {
	JobID            string `json:"job_id"`
	ProcessingMethod string `json:"processing_method"`
	StatusURL        string `json:"status_url"`
	ResultURL        string `json:"result_url"`
}

// handleUpload implements /upload: a whole file posted
// directly, or a JSON body naming a URL to ingest. Both are a trivial
// degenerate case of the chunked path (one parent, produced_chunks
// likely 1), so it delegates straight to the same
// Coordinator the chunked path uses.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contentType := r.Header.Get("Content-Type")

	opts := upload.Options{TargetChunkSize: int64(s.defaultChunkSizeMB) * 1024 * 1024, CorrectionMode: model.CorrectionPerChunk}

	if len(contentType) >= len("application/json") && contentType[:16] == "application/json" {
		var body uploadRequestOptions
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			s.writeError(w, apperror.Wrap(apperror.KindInputInvalid, "invalid JSON body", err))
			return
		}
		if body.URL == "" {
			s.writeError(w, apperror.New(apperror.KindInputInvalid, "url is required for a JSON /upload request"))
			return
		}
		opts.UseCorrection = body.UseLLM
		opts.Model = body.Model
		opts.WebhookURL = body.WebhookURL

		job, err := s.coordinator.IngestURL(ctx, body.URL, opts)
		if err != nil {
			s.writeError(w, apperror.Wrap(apperror.KindUpstreamTerminal, "failed to ingest url", err))
			return
		}
		s.respondUpload(w, job)
		return
	}

	if err := r.ParseMultipartForm(maxChunkedUploadMemory); err != nil {
		s.writeError(w, apperror.Wrap(apperror.KindInputInvalid, "failed to parse upload", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, apperror.Wrap(apperror.KindInputInvalid, "file field is required", err))
		return
	}
	defer file.Close()
	if header.Size > maxDirectUploadBytes {
		s.writeError(w, apperror.New(apperror.KindInputInvalid, fmt.Sprintf("file exceeds %d byte limit for /upload", maxDirectUploadBytes)))
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, maxDirectUploadBytes+1))
	if err != nil {
		s.writeError(w, apperror.Wrap(apperror.KindInternal, "failed to read upload", err))
		return
	}

	opts.UseCorrection = r.FormValue("use_llm") == "true"
	opts.Model = r.FormValue("model")
	opts.WebhookURL = r.FormValue("webhook_url")

	job, err := s.coordinator.UploadFile(ctx, header.Filename, data, opts)
	if err != nil {
		s.writeError(w, apperror.Wrap(apperror.KindInternal, "upload failed", err))
		return
	}
	s.respondUpload(w, job)
}

func (s *Server) respondUpload(w http.ResponseWriter, job *model.ParentJob) {
	method := "direct"
	if job.TotalChunks > 1 {
		method = "chunked"
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		JobID:            job.ID,
		ProcessingMethod: method,
		StatusURL:        "/chunked-upload-status?parent_job_id=" + job.ID,
		ResultURL:        "/result?job_id=" + job.ID,
	})
}

// --- /chunked-upload-stream ---

type chunkedUploadResponse struct {
	ParentJobID    string `json:"parent_job_id"`
	StreamURL      string `json:"stream_url"`
	TotalChunks    int    `json:"total_chunks"`
	ChunkingMethod string `json:"chunking_method"`
}

// handleChunkedUploadStream implements the whole-file chunked
// upload path.
func (s *Server) handleChunkedUploadStream(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxMultipartTotalBytes)
	if err := r.ParseMultipartForm(maxChunkedUploadMemory); err != nil {
		s.writeError(w, apperror.Wrap(apperror.KindInputInvalid, "failed to parse multipart upload", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, apperror.Wrap(apperror.KindInputInvalid, "file field is required", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, apperror.Wrap(apperror.KindInternal, "failed to read upload", err))
		return
	}

	opts := upload.Options{
		TargetChunkSize: chunkSizeMB(r.FormValue("chunk_size_mb"), s.defaultChunkSizeMB) * 1024 * 1024,
		UseCorrection:   r.FormValue("use_llm") == "true",
		CorrectionMode:  model.ParseCorrectionMode(r.FormValue("llm_mode")),
		Model:           r.FormValue("model"),
		WebhookURL:      r.FormValue("webhook_url"),
		DebugSaveChunks: r.FormValue("debug_save_chunks") == "true",
	}

	job, err := s.coordinator.UploadFile(r.Context(), header.Filename, data, opts)
	if err != nil {
		s.writeError(w, apperror.Wrap(apperror.KindInternal, "chunked upload failed", err))
		return
	}

	method := "byte_splitter"
	if job.TotalChunks > 0 {
		method = "format_aware_or_byte_splitter"
	}
	writeJSON(w, http.StatusOK, chunkedUploadResponse{
		ParentJobID:    job.ID,
		StreamURL:      "/chunked-stream/" + job.ID,
		TotalChunks:    job.TotalChunks,
		ChunkingMethod: method,
	})
}

func chunkSizeMB(raw string, fallback int) int64 {
	if raw == "" {
		return int64(fallback)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return int64(fallback)
	}
	return int64(n)
}

// --- /chunked-stream/{parent_job_id} ---

func (s *Server) handleChunkedStream(w http.ResponseWriter, r *http.Request) {
	parentID := mux.Vars(r)["parent_job_id"]
	if _, err := s.manager.Get(r.Context(), parentID); err != nil {
		s.writeError(w, notFoundOrInternal(err, "parent job"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := sse.Stream(r.Context(), w, parentID, s.manager, s.log, s.metrics); err != nil {
		s.log.Warn("chunked-stream: terminated with error", logging.Fields{"parent_id": parentID, "error": err.Error()})
	}
}

// --- /chunked-upload-status ---

func (s *Server) handleChunkedUploadStatus(w http.ResponseWriter, r *http.Request) {
	parentID := r.URL.Query().Get("parent_job_id")
	if parentID == "" {
		s.writeError(w, apperror.New(apperror.KindInputInvalid, "parent_job_id is required"))
		return
	}
	job, err := s.manager.Get(r.Context(), parentID)
	if err != nil {
		s.writeError(w, notFoundOrInternal(err, "parent job"))
		return
	}
	writeJSON(w, http.StatusOK, snapshotDTO(job))
}

// --- /chunked-upload-cancel ---

type cancelRequest struct {
	ParentJobID string `json:"parent_job_id"`
	Reason      string `json:"reason"`
}

func (s *Server) handleChunkedUploadCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, apperror.Wrap(apperror.KindInputInvalid, "invalid JSON body", err))
		return
	}
	if req.ParentJobID == "" {
		s.writeError(w, apperror.New(apperror.KindInputInvalid, "parent_job_id is required"))
		return
	}
	if _, err := s.manager.CancelParent(r.Context(), req.ParentJobID, req.Reason); err != nil {
		s.writeError(w, notFoundOrInternal(err, "parent job"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// --- /chunked-upload-retry ---

type retryRequest struct {
	ParentJobID string `json:"parent_job_id"`
	ChunkIndex  int    `json:"chunk_index"`
}

func (s *Server) handleChunkedUploadRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, apperror.Wrap(apperror.KindInputInvalid, "invalid JSON body", err))
		return
	}
	if req.ParentJobID == "" {
		s.writeError(w, apperror.New(apperror.KindInputInvalid, "parent_job_id is required"))
		return
	}
	if err := s.queue.RetryChunk(r.Context(), req.ParentJobID, req.ChunkIndex); err != nil {
		s.writeError(w, apperror.Wrap(apperror.KindNotFound, "no such sub-job to retry", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": true})
}

// --- /jobs ---

type jobSummary struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	TotalChunks int    `json:"total_chunks"`
	CreatedAt   string `json:"created_at"`
}

// handleListJobs never inlines transcripts ("no large
// transcripts inline" note), only the summary fields a job list view
// needs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListParentJobs(r.Context())
	if err != nil {
		s.writeError(w, apperror.Wrap(apperror.KindInternal, "failed to list jobs", err))
		return
	}

	statusFilter := r.URL.Query().Get("status")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	out := make([]jobSummary, 0, len(jobs))
	for _, job := range jobs {
		if statusFilter != "" && job.Status.String() != statusFilter {
			continue
		}
		out = append(out, jobSummary{
			ID: job.ID, Filename: job.Filename, Status: job.Status.String(),
			Progress: job.Progress, TotalChunks: job.TotalChunks,
			CreatedAt: job.CreatedAt.Format(time.RFC3339),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// --- /result ---

type resultResponse struct {
	JobID               string              `json:"job_id"`
	Status              string              `json:"status"`
	FinalTranscript     string              `json:"final_transcript"`
	RawTranscript       string              `json:"raw_transcript"`
	CorrectedTranscript string              `json:"corrected_transcript,omitempty"`
	AssemblyMethod      string              `json:"assembly_method"`
	SuccessRate         int                 `json:"success_rate"`
	LLMError            string              `json:"llm_error,omitempty"`
	Chunks              []chunkResultDTO    `json:"chunks"`
}

type chunkResultDTO struct {
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text,omitempty"`
	Error      string `json:"error,omitempty"`
	Failed     bool   `json:"failed"`
	Skipped    bool   `json:"skipped"`
}

// handleResult implements /result: 409 if the job has not
// reached a terminal state, else the full transcript plus per-chunk data.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		s.writeError(w, apperror.New(apperror.KindInputInvalid, "job_id is required"))
		return
	}
	job, err := s.manager.Get(r.Context(), jobID)
	if err != nil {
		s.writeError(w, notFoundOrInternal(err, "job"))
		return
	}
	if !job.Status.Terminal() {
		s.writeError(w, apperror.New(apperror.KindStateConflict, "job has not reached a terminal state"))
		return
	}

	chunks := make([]chunkResultDTO, len(job.Transcripts))
	for i, slot := range job.Transcripts {
		switch slot.Kind {
		case model.SlotResult:
			chunks[i] = chunkResultDTO{ChunkIndex: i, Text: slot.Result.Text, Skipped: slot.Result.Skipped}
		case model.SlotFailure:
			chunks[i] = chunkResultDTO{ChunkIndex: i, Error: slot.Failure.Error, Failed: true}
		default:
			chunks[i] = chunkResultDTO{ChunkIndex: i}
		}
	}

	writeJSON(w, http.StatusOK, resultResponse{
		JobID: job.ID, Status: job.Status.String(),
		FinalTranscript: job.FinalTranscript, RawTranscript: job.RawTranscript, CorrectedTranscript: job.CorrectedTranscript,
		AssemblyMethod: job.AssemblyMethod, SuccessRate: job.SuccessRate, LLMError: job.LLMError, Chunks: chunks,
	})
}

// --- /delete-job ---

type deleteJobRequest struct {
	JobID string `json:"job_id"`
}

// handleDeleteJob cascades to the job's sub-jobs and their chunk bytes,
// per the job's sub-job ownership model.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	var req deleteJobRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, apperror.Wrap(apperror.KindInputInvalid, "invalid JSON body", err))
		return
	}
	if req.JobID == "" {
		s.writeError(w, apperror.New(apperror.KindInputInvalid, "job_id is required"))
		return
	}

	ctx := r.Context()
	subJobs, err := s.store.ListSubJobsByParent(ctx, req.JobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.writeError(w, apperror.Wrap(apperror.KindInternal, "failed to list sub-jobs", err))
		return
	}
	for _, sj := range subJobs {
		if sj.StorageKey != "" {
			_ = s.objectStore.Delete(ctx, sj.StorageKey)
		}
		_ = s.store.DeleteSubJob(ctx, sj.ID)
	}
	if err := s.manager.DeleteParent(ctx, req.JobID); err != nil {
		s.writeError(w, notFoundOrInternal(err, "job"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// --- /health ---

type healthResponse struct {
	Status    string                       `json:"status"`
	UptimeS   float64                      `json:"uptime_seconds"`
	Gates     map[string]gate.Occupancy    `json:"gates"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	occ := make(map[string]gate.Occupancy)
	if s.gates != nil {
		for name, o := range s.gates.Status() {
			occ[string(name)] = o
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		UptimeS: time.Since(s.startedAt).Seconds(),
		Gates:   occ,
	})
}

// --- shared DTO / helpers ---

func snapshotDTO(job *model.ParentJob) map[string]any {
	return map[string]any{
		"parent_job_id":       job.ID,
		"filename":            job.Filename,
		"status":              job.Status.String(),
		"total_chunks":        job.TotalChunks,
		"uploaded_count":      job.UploadedCount,
		"completed_count":     job.CompletedCount,
		"failed_count":        job.FailedCount,
		"progress":            job.Progress,
		"upload_progress":     job.UploadProgress,
		"processing_progress": job.ProcessingProgress,
		"use_correction":      job.UseCorrection,
		"correction_mode":     job.CorrectionMode.String(),
		"success_rate":        job.SuccessRate,
		"created_at":          job.CreatedAt.Format(time.RFC3339),
	}
}

func notFoundOrInternal(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperror.Wrap(apperror.KindNotFound, fmt.Sprintf("%s not found", what), err)
	}
	return apperror.Wrap(apperror.KindInternal, fmt.Sprintf("failed to load %s", what), err)
}
