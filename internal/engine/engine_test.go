package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/executor"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/retry"
	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() *retry.Policy {
	return &retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func newTestEngine(cfg Config) *Engine {
	if cfg.Retry == nil {
		cfg.Retry = fastPolicy()
	}
	return New(executor.New(nil, testLogger()), cfg, testLogger())
}

type recordingSink struct {
	mu     sync.Mutex
	events []types.EventInput
}

func (s *recordingSink) Emit(_ context.Context, _ string, ev types.EventInput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) eventTypes() []types.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

type progressLog struct {
	mu     sync.Mutex
	events []types.ExecutionProgress
}

func (l *progressLog) record(p types.ExecutionProgress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, p)
}

// countingExecutor fails every call for the listed node ids.
type countingExecutor struct {
	mu     sync.Mutex
	calls  map[string]int
	failOn map[string]bool
	next   NodeExecutor
}

func (c *countingExecutor) Execute(ctx context.Context, node *types.Node, inputs map[string]any) (map[string]any, error) {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[node.ID]++
	fail := c.failOn[node.ID]
	c.mu.Unlock()

	if fail {
		return nil, errors.New("node always fails")
	}
	return c.next.Execute(ctx, node, inputs)
}

func upperThenLog() *types.Pipeline {
	return &types.Pipeline{
		ID:      "p1",
		Name:    "shout",
		Enabled: true,
		Nodes: []types.Node{
			{ID: "a", Label: "A", Kind: types.NodeKindTransform, Config: map[string]any{
				"transformType": "map",
				"operation":     "toUpperCase",
				"inputKey":      "value",
			}},
			{ID: "b", Label: "B", Kind: types.NodeKindSystem, Config: map[string]any{"action": "log"}},
		},
		Connections: []types.Connection{{
			ID:   "c1",
			From: types.Endpoint{NodeID: "a", PortName: "value"},
			To:   types.Endpoint{NodeID: "b", PortName: "value"},
		}},
	}
}

func TestExecute_EmptyPipeline(t *testing.T) {
	e := newTestEngine(Config{})

	res := e.Execute(context.Background(), &types.Pipeline{ID: "empty", Enabled: true}, nil, nil)

	assert.Equal(t, types.RunStatusCompleted, res.Status)
	assert.Empty(t, res.NodeResults)
	assert.Empty(t, res.FinalOutputs)
	assert.NotNil(t, res.EndTime)
	assert.NotEmpty(t, res.RunID)
}

func TestExecute_DisabledPipeline(t *testing.T) {
	exec := &countingExecutor{next: executor.New(nil, testLogger())}
	e := New(exec, Config{Retry: fastPolicy()}, testLogger())

	p := upperThenLog()
	p.Enabled = false
	res := e.Execute(context.Background(), p, map[string]any{"A": "hi"}, nil)

	assert.Equal(t, types.RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, "disabled")
	assert.Empty(t, res.NodeResults)
	assert.Empty(t, exec.calls)
}

func TestExecute_SeededChain(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(Config{Sink: sink})
	var log progressLog

	res := e.Execute(context.Background(), upperThenLog(), map[string]any{"A": "hi"}, log.record)

	require.Equal(t, types.RunStatusCompleted, res.Status, res.Error)
	require.Len(t, res.NodeResults, 2)

	a, b := res.NodeResults[0], res.NodeResults[1]
	assert.Equal(t, "a", a.NodeID)
	assert.Equal(t, types.NodeStatusCompleted, a.Status)
	assert.Equal(t, map[string]any{"value": "HI"}, a.Outputs)
	assert.Equal(t, "b", b.NodeID)
	assert.Equal(t, types.NodeStatusCompleted, b.Status)
	assert.Equal(t, map[string]any{"value": "HI"}, b.Outputs)

	assert.Equal(t, map[string]any{"B": map[string]any{"value": "HI"}}, res.FinalOutputs)

	evTypes := sink.eventTypes()
	require.NotEmpty(t, evTypes)
	assert.Equal(t, types.EventTypeResult, evTypes[len(evTypes)-1])
	assert.Contains(t, evTypes, types.EventTypeNodeStatus)
	assert.Equal(t, 0, e.Progress().Subscribers(res.RunID))
}

func TestExecute_ProgressSequence(t *testing.T) {
	e := newTestEngine(Config{})
	var log progressLog

	p := &types.Pipeline{ID: "p", Enabled: true}
	for _, id := range []string{"n1", "n2", "n3"} {
		p.Nodes = append(p.Nodes, types.Node{ID: id, Kind: types.NodeKindSystem, Config: map[string]any{"action": "log"}})
	}
	p.Connections = []types.Connection{
		{From: types.Endpoint{NodeID: "n1", PortName: "value"}, To: types.Endpoint{NodeID: "n2", PortName: "value"}},
		{From: types.Endpoint{NodeID: "n2", PortName: "value"}, To: types.Endpoint{NodeID: "n3", PortName: "value"}},
	}

	res := e.Execute(context.Background(), p, nil, log.record)
	require.Equal(t, types.RunStatusCompleted, res.Status)

	require.Len(t, log.events, 5)
	start := log.events[0]
	assert.Equal(t, 0, start.Percentage)
	assert.Nil(t, start.CurrentNode)
	assert.Equal(t, 3, start.TotalNodes)

	wantPct := []int{0, 33, 66}
	for i, id := range []string{"n1", "n2", "n3"} {
		ev := log.events[i+1]
		require.NotNil(t, ev.CurrentNode)
		assert.Equal(t, id, *ev.CurrentNode)
		assert.Equal(t, wantPct[i], ev.Percentage)
		assert.Equal(t, i, ev.CompletedNodes)
	}

	done := log.events[4]
	assert.Equal(t, 100, done.Percentage)
	assert.Equal(t, types.RunStatusCompleted, done.Status)
	assert.Nil(t, done.CurrentNode)

	for i := 1; i < len(log.events); i++ {
		assert.GreaterOrEqual(t, log.events[i].Percentage, log.events[i-1].Percentage)
	}
}

func TestExecute_FailureStopsRun(t *testing.T) {
	exec := &countingExecutor{
		next:   executor.New(nil, testLogger()),
		failOn: map[string]bool{"b": true},
	}
	e := New(exec, Config{Retry: fastPolicy()}, testLogger())
	var log progressLog

	p := upperThenLog()
	p.Nodes = append(p.Nodes, types.Node{ID: "c", Kind: types.NodeKindSystem})
	p.Connections = append(p.Connections, types.Connection{
		From: types.Endpoint{NodeID: "b", PortName: "value"},
		To:   types.Endpoint{NodeID: "c", PortName: "value"},
	})

	res := e.Execute(context.Background(), p, map[string]any{"A": "hi"}, log.record)

	assert.Equal(t, types.RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, "node always fails")
	require.Len(t, res.NodeResults, 2)
	assert.Equal(t, types.NodeStatusCompleted, res.NodeResults[0].Status)
	assert.Equal(t, types.NodeStatusFailed, res.NodeResults[1].Status)
	assert.Equal(t, 3, res.NodeResults[1].RetryCount)
	assert.Equal(t, 4, exec.calls["b"])
	assert.Zero(t, exec.calls["c"], "nodes after a failure are never attempted")
	assert.Empty(t, res.FinalOutputs)

	last := log.events[len(log.events)-1]
	assert.Equal(t, types.RunStatusFailed, last.Status)
	assert.Equal(t, 33, last.Percentage)
	assert.Contains(t, last.Message, "node always fails")
}

func TestExecute_AlwaysFailingNodeRealBackoff(t *testing.T) {
	if testing.Short() {
		t.Skip("waits 7s of backoff")
	}

	exec := &countingExecutor{
		next:   executor.New(nil, testLogger()),
		failOn: map[string]bool{"x": true},
	}
	e := New(exec, Config{}, testLogger())

	p := &types.Pipeline{ID: "p", Enabled: true, Nodes: []types.Node{{ID: "x", Kind: types.NodeKindSystem}}}

	start := time.Now()
	res := e.Execute(context.Background(), p, nil, nil)

	assert.GreaterOrEqual(t, time.Since(start), 7*time.Second)
	assert.Equal(t, types.RunStatusFailed, res.Status)
	require.Len(t, res.NodeResults, 1)
	assert.Equal(t, types.NodeStatusFailed, res.NodeResults[0].Status)
	assert.Equal(t, 3, res.NodeResults[0].RetryCount)
	assert.Equal(t, 4, exec.calls["x"])
}

func TestExecute_UnknownAIActionIsRetried(t *testing.T) {
	exec := &countingExecutor{next: executor.New(nil, testLogger())}
	e := New(exec, Config{Retry: fastPolicy()}, testLogger())

	p := &types.Pipeline{ID: "p", Enabled: true, Nodes: []types.Node{
		{ID: "ai", Kind: types.NodeKindAI, Config: map[string]any{"action": "dream"}},
	}}
	res := e.Execute(context.Background(), p, nil, nil)

	assert.Equal(t, types.RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, "dream")
	assert.Equal(t, 4, exec.calls["ai"])
}

func TestExecute_SplitNode(t *testing.T) {
	e := newTestEngine(Config{})

	p := &types.Pipeline{ID: "p", Enabled: true, Nodes: []types.Node{
		{ID: "s", Kind: types.NodeKindTransform, Config: map[string]any{
			"transformType": "split",
			"inputKey":      "value",
			"delimiter":     ",",
		}},
	}}
	res := e.Execute(context.Background(), p, map[string]any{"s": "a,b,c"}, nil)

	require.Equal(t, types.RunStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"parts": []string{"a", "b", "c"}}, res.NodeResults[0].Outputs)
	assert.Equal(t, map[string]any{"s": map[string]any{"parts": []string{"a", "b", "c"}}}, res.FinalOutputs)
}

func TestExecute_CycleFallsBackToDeclarationOrder(t *testing.T) {
	exec := &countingExecutor{next: executor.New(nil, testLogger())}
	e := New(exec, Config{Retry: fastPolicy()}, testLogger())

	p := &types.Pipeline{ID: "p", Enabled: true,
		Nodes: []types.Node{
			{ID: "x", Kind: types.NodeKindSystem},
			{ID: "y", Kind: types.NodeKindSystem},
		},
		Connections: []types.Connection{
			{From: types.Endpoint{NodeID: "x", PortName: "value"}, To: types.Endpoint{NodeID: "y", PortName: "value"}},
			{From: types.Endpoint{NodeID: "y", PortName: "value"}, To: types.Endpoint{NodeID: "x", PortName: "value"}},
		},
	}
	res := e.Execute(context.Background(), p, nil, nil)

	require.Equal(t, types.RunStatusCompleted, res.Status)
	require.Len(t, res.NodeResults, 2)
	assert.Equal(t, "x", res.NodeResults[0].NodeID)
	assert.Equal(t, "y", res.NodeResults[1].NodeID)
	assert.Empty(t, res.FinalOutputs, "every node in a cycle has an outgoing connection")
}

func TestExecute_StoredOutputsAreIsolated(t *testing.T) {
	e := newTestEngine(Config{})

	// the second node mutates the nested map it receives
	e.executor.(*executor.Executor).Register("mutate", func(_ context.Context, _ *types.Node, _ types.NodeConfig, inputs map[string]any) (map[string]any, error) {
		inputs["value"].(map[string]any)["tampered"] = true
		return inputs, nil
	})

	p := &types.Pipeline{ID: "p", Enabled: true,
		Nodes: []types.Node{
			{ID: "src", Kind: types.NodeKindSystem},
			{ID: "m", Kind: "mutate"},
		},
		Connections: []types.Connection{
			{From: types.Endpoint{NodeID: "src", PortName: "value"}, To: types.Endpoint{NodeID: "m", PortName: "value"}},
		},
	}
	res := e.Execute(context.Background(), p, map[string]any{"src": map[string]any{"k": 1}}, nil)

	require.Equal(t, types.RunStatusCompleted, res.Status, res.Error)
	assert.Equal(t, map[string]any{"value": map[string]any{"k": 1}}, res.NodeResults[0].Outputs)
	assert.Equal(t, true, res.NodeResults[1].Outputs["value"].(map[string]any)["tampered"])
}

func TestExecute_Cancellation(t *testing.T) {
	e := newTestEngine(Config{})
	ctx, cancel := context.WithCancel(context.Background())

	p := &types.Pipeline{ID: "p", Enabled: true, Nodes: []types.Node{
		{ID: "wait", Kind: types.NodeKindTransform, Config: map[string]any{"transformType": "delay", "delayMs": 60000}},
		{ID: "after", Kind: types.NodeKindSystem},
	}}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := e.Execute(ctx, p, nil, nil)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, types.RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, "run cancelled")
	require.Len(t, res.NodeResults, 1)
	assert.Equal(t, "wait", res.NodeResults[0].NodeID)
}

type panickingSink struct {
	once sync.Once
}

func (s *panickingSink) Emit(context.Context, string, types.EventInput) {
	s.once.Do(func() { panic("sink exploded") })
}

func TestExecute_PanicBecomesFailedResult(t *testing.T) {
	e := newTestEngine(Config{Sink: &panickingSink{}})

	var res *types.PipelineExecutionResult
	require.NotPanics(t, func() {
		res = e.Execute(context.Background(), upperThenLog(), nil, func(types.ExecutionProgress) {})
	})

	require.NotNil(t, res)
	assert.Equal(t, types.RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, "sink exploded")
	assert.Equal(t, 0, e.Progress().Runs())
}

func TestExecute_ConcurrentRunsAreIsolated(t *testing.T) {
	e := newTestEngine(Config{})

	var wg sync.WaitGroup
	logs := make([]progressLog, 4)
	for i := range logs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.Execute(context.Background(), upperThenLog(), map[string]any{"A": "hi"}, logs[i].record)
		}(i)
	}
	wg.Wait()

	for i := range logs {
		runID := logs[i].events[0].RunID
		for _, ev := range logs[i].events {
			assert.Equal(t, runID, ev.RunID)
		}
		assert.Len(t, logs[i].events, 4)
	}
	assert.Equal(t, 0, e.Progress().Runs())
}

type mapSource map[string]*types.Pipeline

var errNotFound = errors.New("not found")

func (m mapSource) Get(_ context.Context, id string) (*types.Pipeline, error) {
	p, ok := m[id]
	if !ok {
		return nil, errNotFound
	}
	return p, nil
}

func TestExecutePipeline(t *testing.T) {
	e := newTestEngine(Config{Source: mapSource{"p1": upperThenLog()}})

	res, err := e.ExecutePipeline(context.Background(), types.ExecutePipelineInput{
		PipelineID: "p1",
		Inputs:     map[string]any{"a": "hey"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"B": map[string]any{"value": "HEY"}}, res.FinalOutputs)

	_, err = e.ExecutePipeline(context.Background(), types.ExecutePipelineInput{PipelineID: "missing"}, nil)
	assert.ErrorIs(t, err, errNotFound)

	_, err = newTestEngine(Config{}).ExecutePipeline(context.Background(), types.ExecutePipelineInput{PipelineID: "p1"}, nil)
	assert.ErrorIs(t, err, ErrNoSource)
}
