package pipelinestore

import (
	"context"
	"errors"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// Instrumented counts every operation of the wrapped store in
// metrics.StoreOperations under the given backend label.
type Instrumented struct {
	Store
	backend string
}

// NewInstrumented wraps s.
func NewInstrumented(s Store, backend string) *Instrumented {
	return &Instrumented{Store: s, backend: backend}
}

func (i *Instrumented) observe(op string, err error) {
	metrics.StoreOperations.WithLabelValues(i.backend, op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrPipelineNotFound):
		return "not_found"
	case errors.Is(err, ErrPipelineExists), errors.Is(err, ErrVersionConflict):
		return "conflict"
	default:
		return "error"
	}
}

func (i *Instrumented) Create(ctx context.Context, p *types.Pipeline) (*types.Pipeline, error) {
	out, err := i.Store.Create(ctx, p)
	i.observe("create", err)
	return out, err
}

func (i *Instrumented) Get(ctx context.Context, id string) (*types.Pipeline, error) {
	out, err := i.Store.Get(ctx, id)
	i.observe("get", err)
	return out, err
}

func (i *Instrumented) Update(ctx context.Context, p *types.Pipeline) (*types.Pipeline, error) {
	out, err := i.Store.Update(ctx, p)
	i.observe("update", err)
	return out, err
}

func (i *Instrumented) Delete(ctx context.Context, id string) error {
	err := i.Store.Delete(ctx, id)
	i.observe("delete", err)
	return err
}

func (i *Instrumented) List(ctx context.Context, opts *ListOptions) ([]*types.Pipeline, error) {
	out, err := i.Store.List(ctx, opts)
	i.observe("list", err)
	return out, err
}
