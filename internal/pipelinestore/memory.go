package pipelinestore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// MemoryStore implements Store using in-memory storage.
// Suitable for testing and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	pipelines map[string]*types.Pipeline
}

// NewMemoryStore creates a new in-memory pipeline store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines: make(map[string]*types.Pipeline),
	}
}

// Create saves a new pipeline.
func (s *MemoryStore) Create(ctx context.Context, p *types.Pipeline) (*types.Pipeline, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	stored, err := clone(p)
	if err != nil {
		return nil, err
	}
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelines[stored.ID]; exists {
		return nil, ErrPipelineExists
	}

	now := time.Now().UTC()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.pipelines[stored.ID] = stored

	return clone(stored)
}

// Get retrieves a pipeline by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	return clone(p)
}

// Update replaces an existing pipeline.
func (s *MemoryStore) Update(ctx context.Context, p *types.Pipeline) (*types.Pipeline, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	next, err := clone(p)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.pipelines[p.ID]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	if current.Version != p.Version {
		return nil, ErrVersionConflict
	}

	next.Version = current.Version + 1
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	s.pipelines[p.ID] = next

	return clone(next)
}

// Delete removes a pipeline.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[id]; !ok {
		return ErrPipelineNotFound
	}

	delete(s.pipelines, id)
	return nil
}

// List returns all pipelines matching the options.
func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) ([]*types.Pipeline, error) {
	s.mu.RLock()
	all := make([]*types.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		all = append(all, p)
	}
	s.mu.RUnlock()

	page := filterAndPage(all, opts)
	out := make([]*types.Pipeline, 0, len(page))
	for _, p := range page {
		c, err := clone(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
