// Package pipelinestore provides pipeline definition persistence.
package pipelinestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrPipelineExists   = errors.New("pipeline already exists")
	ErrVersionConflict  = errors.New("pipeline version conflict")
)

// ListOptions configures list queries.
type ListOptions struct {
	Limit    int
	Offset   int
	CanvasID string // Filter by owning canvas
}

// Store defines the interface for pipeline persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create saves a new pipeline at version 1. An empty ID is generated.
	// Returns ErrPipelineExists if the ID is taken.
	Create(ctx context.Context, p *types.Pipeline) (*types.Pipeline, error)

	// Get retrieves a pipeline by ID. Returns ErrPipelineNotFound if not found.
	Get(ctx context.Context, id string) (*types.Pipeline, error)

	// Update replaces a pipeline. p.Version must equal the stored version,
	// otherwise ErrVersionConflict is returned; the saved copy carries the
	// next version.
	Update(ctx context.Context, p *types.Pipeline) (*types.Pipeline, error)

	// Delete removes a pipeline. Returns ErrPipelineNotFound if not found.
	Delete(ctx context.Context, id string) error

	// List returns pipelines ordered by ID.
	List(ctx context.Context, opts *ListOptions) ([]*types.Pipeline, error)

	// Close releases any resources.
	Close() error
}

// Validate checks that a pipeline can be stored.
func Validate(p *types.Pipeline) error {
	if p == nil {
		return errors.New("pipeline is required")
	}
	if p.Name == "" {
		return errors.New("pipeline name is required")
	}
	if err := types.ValidatePipeline(p); err != nil {
		return fmt.Errorf("invalid node configuration: %w", err)
	}
	return nil
}

// clone deep-copies a pipeline so callers never share node config maps with
// the store.
func clone(p *types.Pipeline) (*types.Pipeline, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}
	var out types.Pipeline
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	return &out, nil
}

// filterAndPage applies list options to an unordered result set.
func filterAndPage(pipelines []*types.Pipeline, opts *ListOptions) []*types.Pipeline {
	if opts == nil {
		opts = &ListOptions{}
	}

	filtered := make([]*types.Pipeline, 0, len(pipelines))
	for _, p := range pipelines {
		if opts.CanvasID != "" && p.CanvasID != opts.CanvasID {
			continue
		}
		filtered = append(filtered, p)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })

	if opts.Offset > 0 {
		if opts.Offset >= len(filtered) {
			return []*types.Pipeline{}
		}
		filtered = filtered[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(filtered) {
		filtered = filtered[:opts.Limit]
	}
	return filtered
}
