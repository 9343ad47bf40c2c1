package runstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

func TestSink_CreatesRunOnFirstEvent(t *testing.T) {
	store := NewMemoryStore(nil)
	sink := NewSink(store, nil)
	ctx := context.Background()

	sink.Emit(ctx, "run-1", types.EventInput{
		Type: types.EventTypeRunStatus,
		Data: types.RunStatusEvent{Status: types.RunStatusRunning},
	})

	meta, err := store.GetRunMeta(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, meta.Status)

	events, err := store.GetEventsSince(ctx, "run-1", "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventTypeRunStatus, events[0].Type)
}

func TestSink_TracksLifecycle(t *testing.T) {
	store := NewMemoryStore(nil)
	sink := NewSink(store, nil)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, "run-1", "pipe"))

	sink.Emit(ctx, "run-1", types.EventInput{Type: types.EventTypeRunStatus, Data: types.RunStatusEvent{Status: types.RunStatusRunning}})
	sink.Emit(ctx, "run-1", types.EventInput{Type: types.EventTypeNodeStatus, NodeID: "n1", Data: types.NodeStatusEvent{Status: types.NodeStatusFailed, Error: "boom"}})
	sink.Emit(ctx, "run-1", types.EventInput{Type: types.EventTypeRunStatus, Data: &types.RunStatusEvent{Status: types.RunStatusFailed, Error: "node n1 failed: boom"}})
	sink.Emit(ctx, "run-1", types.EventInput{Type: types.EventTypeResult, Data: map[string]string{"status": "failed"}})

	meta, err := store.GetRunMeta(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, meta.Status)
	assert.Equal(t, "node n1 failed: boom", meta.Error)
	assert.True(t, meta.Done)
	assert.Equal(t, "pipe", meta.PipelineID)

	events, err := store.GetEventsSince(ctx, "run-1", "")
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "n1", events[1].NodeID)

	var node types.NodeStatusEvent
	require.NoError(t, json.Unmarshal(events[1].Data, &node))
	assert.Equal(t, types.NodeStatusFailed, node.Status)

	// A done run drops late events without panicking.
	sink.Emit(ctx, "run-1", types.EventInput{Type: types.EventTypeLog, Data: "late"})
	events, _ = store.GetEventsSince(ctx, "run-1", "")
	assert.Len(t, events, 4)
}
