// internal/jobs/store.go
package jobs

import (
	"context"
	"errors"
	"sync"

	"docgen/internal/models"
)

var (
	ErrJobNotFound = errors.New("JOB_NOT_FOUND")
	ErrJobExists   = errors.New("JOB_EXISTS")
)

// Store persists job records so any instance can answer polls.
type Store interface {
	Create(ctx context.Context, job *models.GenerationJob, req *models.GenerationRequest) error
	Update(ctx context.Context, job *models.GenerationJob) error
	Get(ctx context.Context, id string) (*models.GenerationJob, error)
	Request(ctx context.Context, id string) (*models.GenerationRequest, error)
}

// MemoryStore keeps snapshots, never the caller's pointer, so the owning
// worker can keep mutating its job without racing readers.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*models.GenerationJob
	requests map[string]*models.GenerationRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.GenerationJob),
		requests: make(map[string]*models.GenerationRequest),
	}
}

func (s *MemoryStore) Create(ctx context.Context, job *models.GenerationJob, req *models.GenerationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrJobExists
	}
	s.jobs[job.ID] = job.Snapshot()
	reqCopy := *req
	s.requests[job.ID] = &reqCopy
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, job *models.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = job.Snapshot()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.GenerationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Snapshot(), nil
}

func (s *MemoryStore) Request(ctx context.Context, id string) (*models.GenerationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	reqCopy := *req
	return &reqCopy, nil
}
