package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/nexusaudio/chunked-transcribe/internal/model"
)

// PostgresConfig configures a PostgresStore, following the same
// connection-pool and migration knobs as this codebase's
// ComplianceDatabase (pkg/compliance/storage/postgres/database.go).
type PostgresConfig struct {
	ConnectionString string
	MaxConnections    int32
	ConnectTimeout    time.Duration
	MigrationsPath    string
}

// PostgresStore is the production Store backend, persisting ParentJob and
// SubJob rows in PostgreSQL via a pgxpool connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	config *PostgresConfig
}

// NewPostgresStore connects to PostgreSQL and applies pending migrations.
func NewPostgresStore(ctx context.Context, cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg == nil || cfg.ConnectionString == "" {
		return nil, fmt.Errorf("store: postgres connection string is required")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MigrationsPath == "" {
		cfg.MigrationsPath = "file://migrations"
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("store: parse connection string: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConnections
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("store: create connection pool: %w", err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	ps := &PostgresStore{pool: pool, config: cfg}
	if err := ps.migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	return ps, nil
}

func (ps *PostgresStore) migrate() error {
	migrationDB, err := sql.Open("postgres", ps.config.ConnectionString)
	if err != nil {
		return fmt.Errorf("store: open migration connection: %w", err)
	}
	defer migrationDB.Close()

	driver, err := postgres.WithInstance(migrationDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(ps.config.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}

func (ps *PostgresStore) Close() error {
	ps.pool.Close()
	return nil
}

func (ps *PostgresStore) CreateParentJob(ctx context.Context, job *model.ParentJob) error {
	row, err := toParentRow(job)
	if err != nil {
		return err
	}
	_, err = ps.pool.Exec(ctx, insertParentJobSQL, row.args()...)
	if err != nil {
		return fmt.Errorf("store: create parent job: %w", err)
	}
	return nil
}

func (ps *PostgresStore) GetParentJob(ctx context.Context, id string) (*model.ParentJob, error) {
	row := parentRow{}
	err := ps.pool.QueryRow(ctx, selectParentJobSQL, id).Scan(row.scanArgs()...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get parent job: %w", err)
	}
	return row.toModel()
}

func (ps *PostgresStore) UpdateParentJob(ctx context.Context, job *model.ParentJob) error {
	row, err := toParentRow(job)
	if err != nil {
		return err
	}
	tag, err := ps.pool.Exec(ctx, updateParentJobSQL, row.updateArgs()...)
	if err != nil {
		return fmt.Errorf("store: update parent job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStore) DeleteParentJob(ctx context.Context, id string) error {
	tag, err := ps.pool.Exec(ctx, `DELETE FROM parent_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete parent job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStore) ListParentJobs(ctx context.Context) ([]*model.ParentJob, error) {
	rows, err := ps.pool.Query(ctx, selectAllParentJobsSQL)
	if err != nil {
		return nil, fmt.Errorf("store: list parent jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.ParentJob
	for rows.Next() {
		row := parentRow{}
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("store: scan parent job: %w", err)
		}
		job, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) CreateSubJob(ctx context.Context, job *model.SubJob) error {
	_, err := ps.pool.Exec(ctx, insertSubJobSQL, subJobArgs(job)...)
	if err != nil {
		return fmt.Errorf("store: create sub job: %w", err)
	}
	return nil
}

func (ps *PostgresStore) GetSubJob(ctx context.Context, id string) (*model.SubJob, error) {
	job := &model.SubJob{}
	var status int16
	err := ps.pool.QueryRow(ctx, selectSubJobSQL, id).Scan(subJobScanArgs(job, &status)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get sub job: %w", err)
	}
	job.Status = model.SubJobStatus(status)
	return job, nil
}

func (ps *PostgresStore) UpdateSubJob(ctx context.Context, job *model.SubJob) error {
	tag, err := ps.pool.Exec(ctx, updateSubJobSQL, subJobUpdateArgs(job)...)
	if err != nil {
		return fmt.Errorf("store: update sub job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStore) DeleteSubJob(ctx context.Context, id string) error {
	tag, err := ps.pool.Exec(ctx, `DELETE FROM sub_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete sub job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStore) ListSubJobsByParent(ctx context.Context, parentID string) ([]*model.SubJob, error) {
	rows, err := ps.pool.Query(ctx, selectSubJobsByParentSQL, parentID)
	if err != nil {
		return nil, fmt.Errorf("store: list sub jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.SubJob
	for rows.Next() {
		job := &model.SubJob{}
		var status int16
		if err := rows.Scan(subJobScanArgs(job, &status)...); err != nil {
			return nil, fmt.Errorf("store: scan sub job: %w", err)
		}
		job.Status = model.SubJobStatus(status)
		out = append(out, job)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) GC(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := ps.pool.Exec(ctx, `
		DELETE FROM parent_jobs
		WHERE status IN ($1, $2, $3) AND last_write_at < $4`,
		int(model.StatusDone), int(model.StatusFailed), int(model.StatusCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: gc: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- row <-> model conversion ---

type parentRow struct {
	id                      string
	filename                string
	totalSizeBytes          int64
	targetChunkSizeBytes    int64
	totalChunks             int
	status                  int16
	uploadedFlags           []byte
	completedFlags          []byte
	streamedFlags           []byte
	uploadedCount           int
	completedCount          int
	failedCount             int
	transcriptsJSON         []byte
	progress                int
	uploadProgress          int
	processingProgress      int
	useCorrection           bool
	correctionMode          int16
	webhookURL              string
	debugSaveChunks         bool
	modelName               string
	subJobIDsJSON           []byte
	createdAt               time.Time
	uploadStartedAt         time.Time
	firstChunkCompletedAt   *time.Time
	processingStartedAt     *time.Time
	assemblyStartedAt       *time.Time
	completedAt             *time.Time
	finalTranscript         string
	rawTranscript           string
	correctedTranscript     string
	assemblyMethod          string
	successRate             int
	llmError                string
	cancelReason            string
	lastWriteAt             time.Time
}

func toParentRow(j *model.ParentJob) (*parentRow, error) {
	uploadedBytes, err := marshalBitset(j.UploadedFlags)
	if err != nil {
		return nil, err
	}
	completedBytes, err := marshalBitset(j.CompletedFlags)
	if err != nil {
		return nil, err
	}
	streamedBytes, err := marshalBitset(j.StreamedFlags)
	if err != nil {
		return nil, err
	}
	transcriptsJSON, err := json.Marshal(j.Transcripts)
	if err != nil {
		return nil, fmt.Errorf("store: marshal transcripts: %w", err)
	}
	subJobIDsJSON, err := json.Marshal(j.SubJobIDs)
	if err != nil {
		return nil, fmt.Errorf("store: marshal sub job ids: %w", err)
	}
	return &parentRow{
		id:                   j.ID,
		filename:             j.Filename,
		totalSizeBytes:       j.TotalSizeBytes,
		targetChunkSizeBytes: j.TargetChunkSizeBytes,
		totalChunks:          j.TotalChunks,
		status:               int16(j.Status),
		uploadedFlags:        uploadedBytes,
		completedFlags:       completedBytes,
		streamedFlags:        streamedBytes,
		uploadedCount:        j.UploadedCount,
		completedCount:       j.CompletedCount,
		failedCount:          j.FailedCount,
		transcriptsJSON:      transcriptsJSON,
		progress:             j.Progress,
		uploadProgress:       j.UploadProgress,
		processingProgress:   j.ProcessingProgress,
		useCorrection:        j.UseCorrection,
		correctionMode:       int16(j.CorrectionMode),
		webhookURL:           j.WebhookURL,
		debugSaveChunks:      j.DebugSaveChunks,
		modelName:            j.Model,
		subJobIDsJSON:        subJobIDsJSON,
		createdAt:            j.CreatedAt,
		uploadStartedAt:      j.UploadStartedAt,
		firstChunkCompletedAt: j.FirstChunkCompletedAt,
		processingStartedAt: j.ProcessingStartedAt,
		assemblyStartedAt:   j.AssemblyStartedAt,
		completedAt:         j.CompletedAt,
		finalTranscript:     j.FinalTranscript,
		rawTranscript:       j.RawTranscript,
		correctedTranscript: j.CorrectedTranscript,
		assemblyMethod:      j.AssemblyMethod,
		successRate:         j.SuccessRate,
		llmError:            j.LLMError,
		cancelReason:        j.CancelReason,
		lastWriteAt:         j.LastWriteAt,
	}, nil
}

func (r *parentRow) toModel() (*model.ParentJob, error) {
	uploadedFlags, err := unmarshalBitset(r.uploadedFlags)
	if err != nil {
		return nil, err
	}
	completedFlags, err := unmarshalBitset(r.completedFlags)
	if err != nil {
		return nil, err
	}
	streamedFlags, err := unmarshalBitset(r.streamedFlags)
	if err != nil {
		return nil, err
	}
	var transcripts []model.ChunkSlot
	if err := json.Unmarshal(r.transcriptsJSON, &transcripts); err != nil {
		return nil, fmt.Errorf("store: unmarshal transcripts: %w", err)
	}
	var subJobIDs []string
	if err := json.Unmarshal(r.subJobIDsJSON, &subJobIDs); err != nil {
		return nil, fmt.Errorf("store: unmarshal sub job ids: %w", err)
	}

	return &model.ParentJob{
		ID:                    r.id,
		Filename:              r.filename,
		TotalSizeBytes:        r.totalSizeBytes,
		TargetChunkSizeBytes:  r.targetChunkSizeBytes,
		TotalChunks:           r.totalChunks,
		Status:                model.Status(r.status),
		UploadedFlags:         uploadedFlags,
		CompletedFlags:        completedFlags,
		StreamedFlags:         streamedFlags,
		UploadedCount:         r.uploadedCount,
		CompletedCount:        r.completedCount,
		FailedCount:           r.failedCount,
		Transcripts:           transcripts,
		Progress:              r.progress,
		UploadProgress:        r.uploadProgress,
		ProcessingProgress:    r.processingProgress,
		UseCorrection:         r.useCorrection,
		CorrectionMode:        model.CorrectionMode(r.correctionMode),
		WebhookURL:            r.webhookURL,
		DebugSaveChunks:       r.debugSaveChunks,
		Model:                 r.modelName,
		SubJobIDs:             subJobIDs,
		CreatedAt:             r.createdAt,
		UploadStartedAt:       r.uploadStartedAt,
		FirstChunkCompletedAt: r.firstChunkCompletedAt,
		ProcessingStartedAt:   r.processingStartedAt,
		AssemblyStartedAt:     r.assemblyStartedAt,
		CompletedAt:           r.completedAt,
		FinalTranscript:       r.finalTranscript,
		RawTranscript:         r.rawTranscript,
		CorrectedTranscript:   r.correctedTranscript,
		AssemblyMethod:        r.assemblyMethod,
		SuccessRate:           r.successRate,
		LLMError:              r.llmError,
		CancelReason:          r.cancelReason,
		LastWriteAt:           r.lastWriteAt,
	}, nil
}

func (r *parentRow) args() []any {
	return []any{
		r.id, r.filename, r.totalSizeBytes, r.targetChunkSizeBytes, r.totalChunks,
		r.status, r.uploadedFlags, r.completedFlags, r.streamedFlags,
		r.uploadedCount, r.completedCount, r.failedCount, r.transcriptsJSON,
		r.progress, r.uploadProgress, r.processingProgress,
		r.useCorrection, r.correctionMode, r.webhookURL, r.debugSaveChunks, r.modelName,
		r.subJobIDsJSON, r.createdAt, r.uploadStartedAt, r.firstChunkCompletedAt,
		r.processingStartedAt, r.assemblyStartedAt, r.completedAt,
		r.finalTranscript, r.rawTranscript, r.correctedTranscript, r.assemblyMethod,
		r.successRate, r.llmError, r.cancelReason, r.lastWriteAt,
	}
}

func (r *parentRow) updateArgs() []any {
	return append(r.args()[1:], r.id)
}

func (r *parentRow) scanArgs() []any {
	return []any{
		&r.id, &r.filename, &r.totalSizeBytes, &r.targetChunkSizeBytes, &r.totalChunks,
		&r.status, &r.uploadedFlags, &r.completedFlags, &r.streamedFlags,
		&r.uploadedCount, &r.completedCount, &r.failedCount, &r.transcriptsJSON,
		&r.progress, &r.uploadProgress, &r.processingProgress,
		&r.useCorrection, &r.correctionMode, &r.webhookURL, &r.debugSaveChunks, &r.modelName,
		&r.subJobIDsJSON, &r.createdAt, &r.uploadStartedAt, &r.firstChunkCompletedAt,
		&r.processingStartedAt, &r.assemblyStartedAt, &r.completedAt,
		&r.finalTranscript, &r.rawTranscript, &r.correctedTranscript, &r.assemblyMethod,
		&r.successRate, &r.llmError, &r.cancelReason, &r.lastWriteAt,
	}
}

const parentJobColumns = `id, filename, total_size_bytes, target_chunk_size_bytes, total_chunks,
	status, uploaded_flags, completed_flags, streamed_flags,
	uploaded_count, completed_count, failed_count, transcripts_json,
	progress, upload_progress, processing_progress,
	use_correction, correction_mode, webhook_url, debug_save_chunks, model,
	sub_job_ids_json, created_at, upload_started_at, first_chunk_completed_at,
	processing_started_at, assembly_started_at, completed_at,
	final_transcript, raw_transcript, corrected_transcript, assembly_method,
	success_rate, llm_error, cancel_reason, last_write_at`

var insertParentJobSQL = `INSERT INTO parent_jobs (` + parentJobColumns + `) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,
	$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35,$36)`

var selectParentJobSQL = `SELECT ` + parentJobColumns + ` FROM parent_jobs WHERE id = $1`
var selectAllParentJobsSQL = `SELECT ` + parentJobColumns + ` FROM parent_jobs ORDER BY created_at`

var updateParentJobSQL = `UPDATE parent_jobs SET
	filename=$1, total_size_bytes=$2, target_chunk_size_bytes=$3, total_chunks=$4,
	status=$5, uploaded_flags=$6, completed_flags=$7, streamed_flags=$8,
	uploaded_count=$9, completed_count=$10, failed_count=$11, transcripts_json=$12,
	progress=$13, upload_progress=$14, processing_progress=$15,
	use_correction=$16, correction_mode=$17, webhook_url=$18, debug_save_chunks=$19, model=$20,
	sub_job_ids_json=$21, created_at=$22, upload_started_at=$23, first_chunk_completed_at=$24,
	processing_started_at=$25, assembly_started_at=$26, completed_at=$27,
	final_transcript=$28, raw_transcript=$29, corrected_transcript=$30, assembly_method=$31,
	success_rate=$32, llm_error=$33, cancel_reason=$34, last_write_at=$35
	WHERE id=$36`

const subJobColumns = `id, parent_id, chunk_index, byte_range_start, byte_range_end, storage_key,
	status, retry_count, max_retries, error, created_at, uploaded_at,
	processing_started_at, completed_at`

var insertSubJobSQL = `INSERT INTO sub_jobs (` + subJobColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
var selectSubJobSQL = `SELECT ` + subJobColumns + ` FROM sub_jobs WHERE id = $1`
var selectSubJobsByParentSQL = `SELECT ` + subJobColumns + ` FROM sub_jobs WHERE parent_id = $1 ORDER BY chunk_index`
var updateSubJobSQL = `UPDATE sub_jobs SET
	chunk_index=$1, byte_range_start=$2, byte_range_end=$3, storage_key=$4,
	status=$5, retry_count=$6, max_retries=$7, error=$8,
	created_at=$9, uploaded_at=$10, processing_started_at=$11, completed_at=$12
	WHERE id=$13`

func subJobArgs(j *model.SubJob) []any {
	return []any{
		j.ID, j.ParentID, j.ChunkIndex, j.ByteRange.Start, j.ByteRange.End, j.StorageKey,
		int16(j.Status), j.RetryCount, j.MaxRetries, j.Error,
		j.CreatedAt, j.UploadedAt, j.ProcessingStartedAt, j.CompletedAt,
	}
}

func subJobUpdateArgs(j *model.SubJob) []any {
	return []any{
		j.ChunkIndex, j.ByteRange.Start, j.ByteRange.End, j.StorageKey,
		int16(j.Status), j.RetryCount, j.MaxRetries, j.Error,
		j.CreatedAt, j.UploadedAt, j.ProcessingStartedAt, j.CompletedAt, j.ID,
	}
}

// subJobScanArgs returns Scan destinations for selectSubJobSQL's column
// order; status is scanned into the caller's int16 and converted to
// model.SubJobStatus by the caller afterward.
func subJobScanArgs(j *model.SubJob, status *int16) []any {
	return []any{
		&j.ID, &j.ParentID, &j.ChunkIndex, &j.ByteRange.Start, &j.ByteRange.End, &j.StorageKey,
		status, &j.RetryCount, &j.MaxRetries, &j.Error,
		&j.CreatedAt, &j.UploadedAt, &j.ProcessingStartedAt, &j.CompletedAt,
	}
}

func marshalBitset(b *bitset.BitSet) ([]byte, error) {
	if b == nil {
		b = bitset.New(0)
	}
	buf, err := b.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("store: marshal bitset: %w", err)
	}
	return buf, nil
}

func unmarshalBitset(data []byte) (*bitset.BitSet, error) {
	b := &bitset.BitSet{}
	if len(data) == 0 {
		return b, nil
	}
	if err := b.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("store: unmarshal bitset: %w", err)
	}
	return b, nil
}
