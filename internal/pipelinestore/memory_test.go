package pipelinestore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

func samplePipeline(id string) *types.Pipeline {
	return &types.Pipeline{
		ID:      id,
		Name:    "Sample " + id,
		Enabled: true,
		Nodes: []types.Node{
			{ID: "n1", Kind: types.NodeKindTransform, Config: map[string]any{"transformType": "map", "operation": "trim"}},
			{ID: "n2", Kind: types.NodeKindSystem, Config: map[string]any{"action": "log"}},
		},
		Connections: []types.Connection{{
			ID:   "c1",
			From: types.Endpoint{NodeID: "n1", PortName: "value"},
			To:   types.Endpoint{NodeID: "n2", PortName: "value"},
		}},
	}
}

func TestMemoryStore_Create(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	t.Run("creates new pipeline", func(t *testing.T) {
		p, err := store.Create(ctx, samplePipeline(""))
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		if p.ID == "" {
			t.Error("expected ID to be generated")
		}
		if p.Version != 1 {
			t.Errorf("expected Version 1, got %d", p.Version)
		}
		if p.CreatedAt.IsZero() || p.UpdatedAt.IsZero() {
			t.Error("timestamps should be set")
		}
	})

	t.Run("keeps custom ID", func(t *testing.T) {
		p, err := store.Create(ctx, samplePipeline("custom-id"))
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if p.ID != "custom-id" {
			t.Errorf("expected ID %q, got %q", "custom-id", p.ID)
		}
	})

	t.Run("returns error for duplicate ID", func(t *testing.T) {
		if _, err := store.Create(ctx, samplePipeline("dup")); err != nil {
			t.Fatalf("First create failed: %v", err)
		}
		_, err := store.Create(ctx, samplePipeline("dup"))
		if !errors.Is(err, ErrPipelineExists) {
			t.Errorf("expected ErrPipelineExists, got %v", err)
		}
	})

	t.Run("validates", func(t *testing.T) {
		noName := samplePipeline("no-name")
		noName.Name = ""

		badNode := samplePipeline("bad-node")
		badNode.Nodes = append(badNode.Nodes, types.Node{ID: "x", Kind: types.NodeKindAI, Config: map[string]any{"action": "nope"}})

		tests := []struct {
			name string
			p    *types.Pipeline
		}{
			{"nil", nil},
			{"missing name", noName},
			{"bad node config", badNode},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := store.Create(ctx, tt.p); err == nil {
					t.Error("expected validation error")
				}
			})
		}
	})
}

func TestMemoryStore_Get(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Create(ctx, samplePipeline("get-me")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	t.Run("gets existing pipeline", func(t *testing.T) {
		p, err := store.Get(ctx, "get-me")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if len(p.Nodes) != 2 || len(p.Connections) != 1 {
			t.Errorf("unexpected graph: %d nodes, %d connections", len(p.Nodes), len(p.Connections))
		}
	})

	t.Run("returned copy is isolated", func(t *testing.T) {
		p, _ := store.Get(ctx, "get-me")
		p.Nodes[0].Config["operation"] = "toUpperCase"
		p.Name = "mutated"

		again, _ := store.Get(ctx, "get-me")
		if again.Name == "mutated" || again.Nodes[0].Config["operation"] != "trim" {
			t.Error("store state changed through a returned copy")
		}
	})

	t.Run("returns error for missing pipeline", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		if !errors.Is(err, ErrPipelineNotFound) {
			t.Errorf("expected ErrPipelineNotFound, got %v", err)
		}
	})
}

func TestMemoryStore_Update(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	created, err := store.Create(ctx, samplePipeline("upd"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	t.Run("bumps version", func(t *testing.T) {
		created.Name = "Renamed"
		created.Enabled = false

		updated, err := store.Update(ctx, created)
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if updated.Version != 2 {
			t.Errorf("expected Version 2, got %d", updated.Version)
		}
		if updated.Name != "Renamed" || updated.Enabled {
			t.Errorf("update not applied: %+v", updated)
		}
		if !updated.CreatedAt.Equal(created.CreatedAt) {
			t.Error("CreatedAt should not change")
		}
	})

	t.Run("rejects stale version", func(t *testing.T) {
		stale := samplePipeline("upd")
		stale.Version = 1

		_, err := store.Update(ctx, stale)
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("expected ErrVersionConflict, got %v", err)
		}
	})

	t.Run("returns error for missing pipeline", func(t *testing.T) {
		_, err := store.Update(ctx, samplePipeline("missing"))
		if !errors.Is(err, ErrPipelineNotFound) {
			t.Errorf("expected ErrPipelineNotFound, got %v", err)
		}
	})
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Create(ctx, samplePipeline("del")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Delete(ctx, "del"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "del"); !errors.Is(err, ErrPipelineNotFound) {
		t.Errorf("expected ErrPipelineNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "del"); !errors.Is(err, ErrPipelineNotFound) {
		t.Errorf("expected ErrPipelineNotFound on second delete, got %v", err)
	}
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p := samplePipeline(fmt.Sprintf("p%d", i))
		if i%2 == 0 {
			p.CanvasID = "canvas-even"
		}
		if _, err := store.Create(ctx, p); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	tests := []struct {
		name string
		opts *ListOptions
		want []string
	}{
		{"all", nil, []string{"p0", "p1", "p2", "p3", "p4"}},
		{"limit", &ListOptions{Limit: 2}, []string{"p0", "p1"}},
		{"offset", &ListOptions{Offset: 3}, []string{"p3", "p4"}},
		{"offset past end", &ListOptions{Offset: 10}, []string{}},
		{"canvas filter", &ListOptions{CanvasID: "canvas-even"}, []string{"p0", "p2", "p4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.opts)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			ids := make([]string, len(got))
			for i, p := range got {
				ids[i] = p.ID
			}
			if fmt.Sprint(ids) != fmt.Sprint(tt.want) {
				t.Errorf("got %v, want %v", ids, tt.want)
			}
		})
	}
}
