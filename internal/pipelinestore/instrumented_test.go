package pipelinestore

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestInstrumented_PassesThrough(t *testing.T) {
	store := NewInstrumented(NewMemoryStore(), "memory")
	ctx := context.Background()

	created, err := store.Create(ctx, samplePipeline("m1"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.Create(ctx, samplePipeline("m1")); !errors.Is(err, ErrPipelineExists) {
		t.Errorf("expected ErrPipelineExists, got %v", err)
	}

	created.Name = "renamed"
	if _, err := store.Update(ctx, created); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err := store.Get(ctx, "m1")
	if err != nil || got.Name != "renamed" {
		t.Fatalf("Get returned %+v, %v", got, err)
	}
	list, err := store.List(ctx, nil)
	if err != nil || len(list) != 1 {
		t.Fatalf("List returned %d, %v", len(list), err)
	}
	if err := store.Delete(ctx, "m1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestResultLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{ErrPipelineNotFound, "not_found"},
		{fmt.Errorf("load: %w", ErrPipelineNotFound), "not_found"},
		{ErrPipelineExists, "conflict"},
		{ErrVersionConflict, "conflict"},
		{errors.New("connection refused"), "error"},
	}
	for _, tt := range tests {
		if got := resultLabel(tt.err); got != tt.want {
			t.Errorf("resultLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
