// Package store implements the durable-persistence side of A5: a narrow
// Store interface over ParentJob/SubJob records, with an in-memory
// backend for tests and a PostgreSQL backend for production. The
// interface shape follows this codebase's storage.Backend abstraction
// (pkg/storage/interface.go) — Put/Get/Has-style verbs over an opaque
// backend — generalized here to two fixed record kinds instead of
// content-addressed blocks, since job state has a known schema rather
// than being an arbitrary blob.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nexusaudio/chunked-transcribe/internal/model"
)

// ErrNotFound is returned when a lookup by ID finds no record.
var ErrNotFound = errors.New("store: not found")

// Store persists ParentJob and SubJob records. Mutation of a given
// ParentJob is expected to be externally serialized (the parentjob
// manager holds one mutex per live parent id), so implementations
// need only guarantee that a single Put is atomic, not that
// read-modify-write sequences are.
type Store interface {
	CreateParentJob(ctx context.Context, job *model.ParentJob) error
	GetParentJob(ctx context.Context, id string) (*model.ParentJob, error)
	UpdateParentJob(ctx context.Context, job *model.ParentJob) error
	DeleteParentJob(ctx context.Context, id string) error
	ListParentJobs(ctx context.Context) ([]*model.ParentJob, error)

	CreateSubJob(ctx context.Context, job *model.SubJob) error
	GetSubJob(ctx context.Context, id string) (*model.SubJob, error)
	UpdateSubJob(ctx context.Context, job *model.SubJob) error
	DeleteSubJob(ctx context.Context, id string) error
	ListSubJobsByParent(ctx context.Context, parentID string) ([]*model.SubJob, error)

	// GC deletes terminal ParentJobs (and their SubJobs) whose
	// LastWriteAt is older than cutoff, returning the count removed.
	GC(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
