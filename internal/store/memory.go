package store

import (
	"context"
	"sync"
	"time"

	"github.com/nexusaudio/chunked-transcribe/internal/model"
)

// MemoryStore is an in-process Store backed by plain maps guarded by a
// single RWMutex, following the lock-around-map shape of this codebase's
// MemoryCache (pkg/storage/cache/memory.go). Intended for tests and for
// the "memory" store driver in single-process deployments; state is lost
// on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	parents   map[string]*model.ParentJob
	subJobs   map[string]*model.SubJob
	byParent  map[string][]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		parents:  make(map[string]*model.ParentJob),
		subJobs:  make(map[string]*model.SubJob),
		byParent: make(map[string][]string),
	}
}

func cloneParentJob(j *model.ParentJob) *model.ParentJob {
	cp := *j
	if j.UploadedFlags != nil {
		cp.UploadedFlags = j.UploadedFlags.Clone()
	}
	if j.CompletedFlags != nil {
		cp.CompletedFlags = j.CompletedFlags.Clone()
	}
	if j.StreamedFlags != nil {
		cp.StreamedFlags = j.StreamedFlags.Clone()
	}
	cp.Transcripts = append([]model.ChunkSlot(nil), j.Transcripts...)
	cp.SubJobIDs = append([]string(nil), j.SubJobIDs...)
	return &cp
}

func cloneSubJob(j *model.SubJob) *model.SubJob {
	cp := *j
	return &cp
}

func (m *MemoryStore) CreateParentJob(_ context.Context, job *model.ParentJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parents[job.ID] = cloneParentJob(job)
	return nil
}

func (m *MemoryStore) GetParentJob(_ context.Context, id string) (*model.ParentJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.parents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneParentJob(job), nil
}

func (m *MemoryStore) UpdateParentJob(_ context.Context, job *model.ParentJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.parents[job.ID]; !ok {
		return ErrNotFound
	}
	m.parents[job.ID] = cloneParentJob(job)
	return nil
}

func (m *MemoryStore) DeleteParentJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.parents[id]; !ok {
		return ErrNotFound
	}
	delete(m.parents, id)
	for _, sjID := range m.byParent[id] {
		delete(m.subJobs, sjID)
	}
	delete(m.byParent, id)
	return nil
}

func (m *MemoryStore) ListParentJobs(_ context.Context) ([]*model.ParentJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.ParentJob, 0, len(m.parents))
	for _, job := range m.parents {
		out = append(out, cloneParentJob(job))
	}
	return out, nil
}

func (m *MemoryStore) CreateSubJob(_ context.Context, job *model.SubJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subJobs[job.ID] = cloneSubJob(job)
	m.byParent[job.ParentID] = append(m.byParent[job.ParentID], job.ID)
	return nil
}

func (m *MemoryStore) GetSubJob(_ context.Context, id string) (*model.SubJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.subJobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubJob(job), nil
}

func (m *MemoryStore) UpdateSubJob(_ context.Context, job *model.SubJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subJobs[job.ID]; !ok {
		return ErrNotFound
	}
	m.subJobs[job.ID] = cloneSubJob(job)
	return nil
}

func (m *MemoryStore) DeleteSubJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.subJobs[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.subJobs, id)
	ids := m.byParent[job.ParentID]
	for i, sjID := range ids {
		if sjID == id {
			m.byParent[job.ParentID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) ListSubJobsByParent(_ context.Context, parentID string) ([]*model.SubJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byParent[parentID]
	out := make([]*model.SubJob, 0, len(ids))
	for _, id := range ids {
		if job, ok := m.subJobs[id]; ok {
			out = append(out, cloneSubJob(job))
		}
	}
	return out, nil
}

func (m *MemoryStore) GC(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, job := range m.parents {
		if job.Status.Terminal() && job.LastWriteAt.Before(cutoff) {
			delete(m.parents, id)
			for _, sjID := range m.byParent[id] {
				delete(m.subJobs, sjID)
			}
			delete(m.byParent, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error { return nil }
