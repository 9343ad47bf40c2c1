package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// run is the state of one in-flight execution.
type run struct {
	engine *Engine
	id     string
	p      *types.Pipeline
	logger *slog.Logger
	result *types.PipelineExecutionResult

	total     int
	completed int
}

func (r *run) execute(ctx context.Context, inputs map[string]any) {
	if !r.p.Enabled {
		r.result.Status = types.RunStatusFailed
		r.result.Error = "pipeline is disabled"
		return
	}

	r.result.Status = types.RunStatusRunning
	r.total = len(r.p.Nodes)
	if r.total == 0 {
		r.result.Status = types.RunStatusCompleted
		r.publish(ctx, nil, types.RunStatusCompleted, 100, "Pipeline has no nodes")
		return
	}

	order := scheduler.ExecutionOrder(r.p.Nodes, r.p.Connections)
	if order.Cyclic {
		r.logger.Warn("pipeline graph contains a cycle, using declaration order")
	}

	r.emit(ctx, types.EventInput{
		Type: types.EventTypeRunStatus,
		Data: types.RunStatusEvent{Status: types.RunStatusRunning},
	})
	r.publish(ctx, nil, types.RunStatusRunning, 0, "Starting pipeline execution")

	seeds := scheduler.Seed(r.p.Nodes, inputs)
	outputs := make(scheduler.Outputs, len(r.p.Nodes))
	for id, seed := range seeds {
		outputs[id] = deepCopyMap(seed)
	}

	for _, id := range order.NodeIDs {
		if err := ctx.Err(); err != nil {
			r.fail(ctx, fmt.Sprintf("run cancelled: %v", err))
			return
		}

		node, ok := r.p.NodeByID(id)
		if !ok {
			continue
		}

		nodeID := node.ID
		r.publish(ctx, &nodeID, types.RunStatusRunning, r.percentage(),
			fmt.Sprintf("Executing node %s", node.Key()))

		nodeInputs := deepCopyMap(seeds[node.ID])
		for port, v := range scheduler.RouteInputs(node.ID, r.p.Connections, outputs) {
			nodeInputs[port] = v
		}

		res := r.runNode(ctx, node, nodeInputs)
		r.result.NodeResults = append(r.result.NodeResults, res)

		if res.Status == types.NodeStatusFailed {
			msg := fmt.Sprintf("node %s failed: %s", node.Key(), res.Error)
			if err := ctx.Err(); err != nil {
				msg = fmt.Sprintf("run cancelled: %v", err)
			}
			r.fail(ctx, msg)
			return
		}

		outputs[node.ID] = deepCopyMap(res.Outputs)
		r.completed++
	}

	r.result.FinalOutputs = deepCopyMap(scheduler.FinalOutputs(r.p.Nodes, r.p.Connections, outputs))
	r.result.Status = types.RunStatusCompleted
	r.publish(ctx, nil, types.RunStatusCompleted, 100, "Pipeline execution completed")
}

// runNode executes one node under the retry policy.
func (r *run) runNode(ctx context.Context, node *types.Node, inputs map[string]any) types.NodeExecutionResult {
	e := r.engine
	logger := r.logger.With("node_id", node.ID, "kind", node.Kind)

	ctx, span := e.tracer.Start(ctx, "pipeline.node", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.kind", string(node.Kind)),
	))
	defer span.End()

	r.emitNode(ctx, node.ID, types.NodeStatusEvent{Status: types.NodeStatusRunning, Attempt: 1})

	policy := e.policy
	policy.OnRetry = func(retry int, delay time.Duration, err error) {
		logger.Warn("node attempt failed, retrying",
			"attempt", retry,
			"retry_in", delay,
			"error", err,
		)
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("retry", retry),
			attribute.String("error", err.Error()),
		))
		r.emitNode(ctx, node.ID, types.NodeStatusEvent{
			Status:  types.NodeStatusRetrying,
			Attempt: retry + 1,
			RetryIn: delay.String(),
			Error:   err.Error(),
		})
	}

	outcome := policy.Run(ctx, func(ctx context.Context) (map[string]any, error) {
		return e.executor.Execute(ctx, node, deepCopyMap(inputs))
	})

	res := types.NodeExecutionResult{
		NodeID:     node.ID,
		Status:     types.NodeStatusCompleted,
		Outputs:    deepCopyMap(outcome.Outputs),
		Duration:   outcome.Duration,
		RetryCount: outcome.Retries,
	}
	if outcome.Failed() {
		res.Status = types.NodeStatusFailed
		res.Error = outcome.Err.Error()
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, res.Error)
		logger.Error("node failed", "retries", res.RetryCount, "error", outcome.Err)
	} else {
		logger.Debug("node completed", "retries", res.RetryCount, "duration", res.Duration)
	}

	metrics.NodesTotal.WithLabelValues(string(node.Kind), string(res.Status)).Inc()
	metrics.NodeDuration.WithLabelValues(string(node.Kind)).Observe(res.Duration.Seconds())
	metrics.NodeRetries.WithLabelValues(string(res.Status)).Observe(float64(res.RetryCount))

	r.emitNode(ctx, node.ID, types.NodeStatusEvent{Status: res.Status, Error: res.Error})
	return res
}

// fail marks the run failed and tells subscribers why.
func (r *run) fail(ctx context.Context, msg string) {
	r.result.Status = types.RunStatusFailed
	r.result.Error = msg
	r.publish(ctx, nil, types.RunStatusFailed, r.percentage(), msg)
}

func (r *run) percentage() int {
	if r.total == 0 {
		return 0
	}
	return r.completed * 100 / r.total
}

func (r *run) publish(ctx context.Context, current *string, status types.RunStatus, pct int, msg string) {
	p := types.ExecutionProgress{
		RunID:          r.id,
		TotalNodes:     r.total,
		CompletedNodes: r.completed,
		CurrentNode:    current,
		Status:         status,
		Percentage:     pct,
		Message:        msg,
	}
	r.engine.progress.Publish(r.id, p)

	var nodeID string
	if current != nil {
		nodeID = *current
	}
	r.emit(ctx, types.EventInput{Type: types.EventTypeProgress, NodeID: nodeID, Data: p})
}

func (r *run) emitNode(ctx context.Context, nodeID string, ev types.NodeStatusEvent) {
	r.emit(ctx, types.EventInput{Type: types.EventTypeNodeStatus, NodeID: nodeID, Data: ev})
}

// emit forwards an event to the sink. Events are delivered even after the
// run's context is cancelled so streams still see the terminal state.
func (r *run) emit(ctx context.Context, ev types.EventInput) {
	if r.engine.sink == nil {
		return
	}
	r.engine.sink.Emit(context.WithoutCancel(ctx), r.id, ev)
}
