package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

type recordingBus struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (b *recordingBus) Publish(ctx context.Context, msg Message) error {
	if b.err != nil {
		return b.err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *recordingBus) Close() error { return nil }

func systemPipeline() *types.Pipeline {
	return &types.Pipeline{
		ID: "pipe",
		Nodes: []types.Node{
			{ID: "src", Kind: types.NodeKindTransform},
			{ID: "emit", Kind: types.NodeKindSystem, Label: "Notify", Config: map[string]any{"action": "emit"}},
			{ID: "save", Kind: types.NodeKindSystem, Config: map[string]any{"action": "store", "key": "reports/latest"}},
			{ID: "save2", Kind: types.NodeKindSystem, Config: map[string]any{"action": "store"}},
		},
	}
}

func completed(id string, outputs map[string]any) types.NodeExecutionResult {
	return types.NodeExecutionResult{NodeID: id, Status: types.NodeStatusCompleted, Outputs: outputs}
}

func TestDispatch(t *testing.T) {
	bus := &recordingBus{}
	artifacts := NewMemoryArtifacts()
	d := NewDispatcher(bus, artifacts, nil)

	result := &types.PipelineExecutionResult{
		RunID:      "run-1",
		PipelineID: "pipe",
		Status:     types.RunStatusCompleted,
		NodeResults: []types.NodeExecutionResult{
			// transform nodes never dispatch even when shaped like system output
			completed("src", map[string]any{"emitted": true, "data": "ignored"}),
			completed("emit", map[string]any{"emitted": true, "data": map[string]any{"value": "HELLO"}}),
			completed("save", map[string]any{"stored": true, "key": "reports/latest", "value": map[string]any{"n": 1}}),
			completed("save2", map[string]any{"stored": true, "key": "", "value": "plain"}),
		},
	}

	sum := d.Dispatch(context.Background(), systemPipeline(), result)
	assert.Equal(t, 1, sum.Emitted)
	assert.Equal(t, 2, sum.Stored)
	assert.Zero(t, sum.Failures)
	require.Len(t, sum.Refs, 2)
	assert.Equal(t, "memory://run-1/reports/latest.json", sum.Refs[0].URI)

	require.Len(t, bus.msgs, 1)
	assert.Equal(t, "emit", bus.msgs[0].NodeID)
	assert.Equal(t, "Notify", bus.msgs[0].Label)
	assert.Equal(t, map[string]any{"value": "HELLO"}, bus.msgs[0].Data)

	data, err := artifacts.Get(context.Background(), "run-1/reports/latest.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n": 1}`, string(data))

	data, err = artifacts.Get(context.Background(), "run-1/save2.json")
	require.NoError(t, err)
	var s string
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, "plain", s)
}

func TestDispatch_SkipsFailedAndMissingCollaborators(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	result := &types.PipelineExecutionResult{
		NodeResults: []types.NodeExecutionResult{
			completed("emit", map[string]any{"emitted": true}),
			completed("save", map[string]any{"stored": true}),
		},
	}
	assert.Equal(t, Summary{}, d.Dispatch(context.Background(), systemPipeline(), result))

	bus := &recordingBus{}
	d = NewDispatcher(bus, nil, nil)
	result.NodeResults[0].Status = types.NodeStatusFailed
	sum := d.Dispatch(context.Background(), systemPipeline(), result)
	assert.Zero(t, sum.Emitted)
	assert.Empty(t, bus.msgs)

	assert.Equal(t, Summary{}, d.Dispatch(context.Background(), nil, result))
}

func TestDispatch_FailuresAreCounted(t *testing.T) {
	d := NewDispatcher(&recordingBus{err: errors.New("broker down")}, nil, nil)
	result := &types.PipelineExecutionResult{
		NodeResults: []types.NodeExecutionResult{
			completed("emit", map[string]any{"emitted": true, "data": 1}),
		},
	}

	sum := d.Dispatch(context.Background(), systemPipeline(), result)
	assert.Equal(t, 1, sum.Failures)
	assert.Zero(t, sum.Emitted)
}

func TestArtifactKey(t *testing.T) {
	node := &types.Node{ID: "n1"}
	assert.Equal(t, "r/n1.json", ArtifactKey("r", node, map[string]any{}))
	assert.Equal(t, "r/a/b.json", ArtifactKey("r", node, map[string]any{"key": "/a/b/"}))
	assert.Equal(t, "r/n1.json", ArtifactKey("r", node, map[string]any{"key": 7}))
}

func TestMemoryArtifacts(t *testing.T) {
	m := NewMemoryArtifacts()
	ctx := context.Background()

	buf := []byte("abc")
	ref, err := m.Put(ctx, "k", buf, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, int64(3), ref.Size)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", ref.Checksum)

	buf[0] = 'z'
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
	assert.Equal(t, []string{"k"}, m.Keys())
}
