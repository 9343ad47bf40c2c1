// Package engine coordinates pipeline runs: it orders the graph, routes data
// between nodes, runs every node under the retry policy and reports progress.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/progress"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/retry"
	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// ErrNoSource is returned by ExecutePipeline when the engine was built
// without a pipeline source.
var ErrNoSource = errors.New("no pipeline source configured")

// NodeExecutor runs a single node.
type NodeExecutor interface {
	Execute(ctx context.Context, node *types.Node, inputs map[string]any) (map[string]any, error)
}

// PipelineSource loads pipeline snapshots by id.
type PipelineSource interface {
	Get(ctx context.Context, id string) (*types.Pipeline, error)
}

// EventSink receives run lifecycle events for live streaming. Implementations
// handle their own errors; a failing sink never affects the run.
type EventSink interface {
	Emit(ctx context.Context, runID string, ev types.EventInput)
}

// Config configures an Engine.
type Config struct {
	// Retry overrides the default node retry policy (3 retries from 1s).
	Retry *retry.Policy

	Source PipelineSource
	Sink   EventSink

	// Progress overrides the engine's own subscriber registry.
	Progress *progress.Broadcaster
}

// Engine executes pipelines. One Engine serves any number of concurrent runs.
type Engine struct {
	executor NodeExecutor
	source   PipelineSource
	sink     EventSink
	progress *progress.Broadcaster
	policy   retry.Policy
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates an engine around exec.
func New(exec NodeExecutor, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	policy := retry.DefaultPolicy()
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}
	bc := cfg.Progress
	if bc == nil {
		bc = progress.NewBroadcaster(logger)
	}

	return &Engine{
		executor: exec,
		source:   cfg.Source,
		sink:     cfg.Sink,
		progress: bc,
		policy:   policy,
		logger:   logger,
		tracer:   otel.Tracer("github.com/flexinfer/mentatlab/services/pipeline-go/internal/engine"),
	}
}

// Progress returns the subscriber registry used for runs of this engine.
func (e *Engine) Progress() *progress.Broadcaster {
	return e.progress
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// ExecutePipeline loads the pipeline named by in and executes it.
func (e *Engine) ExecutePipeline(ctx context.Context, in types.ExecutePipelineInput, onProgress types.ProgressFunc) (*types.PipelineExecutionResult, error) {
	if e.source == nil {
		return nil, ErrNoSource
	}
	p, err := e.source.Get(ctx, in.PipelineID)
	if err != nil {
		return nil, fmt.Errorf("load pipeline %s: %w", in.PipelineID, err)
	}
	return e.Execute(ctx, p, in.Inputs, onProgress), nil
}

// Execute runs p under a new run id. See Run.
func (e *Engine) Execute(ctx context.Context, p *types.Pipeline, inputs map[string]any, onProgress types.ProgressFunc) *types.PipelineExecutionResult {
	return e.Run(ctx, NewRunID(), p, inputs, onProgress)
}

// Run executes p with the given run id and returns its result. Nodes run one
// at a time in topological order; the first node that fails after its
// retries ends the run. onProgress, if non-nil, is subscribed for the
// duration of the run. Run never panics and always returns a result.
func (e *Engine) Run(ctx context.Context, runID string, p *types.Pipeline, inputs map[string]any, onProgress types.ProgressFunc) (result *types.PipelineExecutionResult) {
	if p == nil {
		now := time.Now()
		return &types.PipelineExecutionResult{
			RunID:        runID,
			Status:       types.RunStatusFailed,
			StartTime:    now,
			EndTime:      &now,
			NodeResults:  []types.NodeExecutionResult{},
			FinalOutputs: map[string]any{},
			Error:        "no pipeline",
		}
	}

	r := &run{
		engine: e,
		id:     runID,
		p:      p,
		logger: e.logger.With("run_id", runID, "pipeline_id", p.ID),
		result: &types.PipelineExecutionResult{
			RunID:        runID,
			PipelineID:   p.ID,
			Status:       types.RunStatusPending,
			StartTime:    time.Now(),
			NodeResults:  []types.NodeExecutionResult{},
			FinalOutputs: map[string]any{},
		},
	}

	if onProgress != nil {
		e.progress.Subscribe(runID, onProgress)
	}
	defer e.progress.Clear(runID)

	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("pipeline.id", p.ID),
		attribute.Int("pipeline.nodes", len(p.Nodes)),
	))
	defer span.End()

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("run panicked", "panic", rec)
			r.fail(ctx, fmt.Sprintf("run panicked: %v", rec))
		}
		r.finish(ctx, span)
		result = r.result
	}()

	r.execute(ctx, inputs)
	return r.result
}

// finish stamps the end time and reports the terminal state.
func (r *run) finish(ctx context.Context, span trace.Span) {
	end := time.Now()
	r.result.EndTime = &end

	status := string(r.result.Status)
	metrics.RunsTotal.WithLabelValues(status).Inc()
	metrics.RunDuration.WithLabelValues(status).Observe(end.Sub(r.result.StartTime).Seconds())

	if r.result.Failed() {
		span.SetStatus(codes.Error, r.result.Error)
	}
	span.SetAttributes(attribute.String("run.status", status))

	r.emit(ctx, types.EventInput{
		Type: types.EventTypeRunStatus,
		Data: types.RunStatusEvent{Status: r.result.Status, Error: r.result.Error},
	})
	r.emit(ctx, types.EventInput{Type: types.EventTypeResult, Data: r.result})

	r.logger.Info("run finished",
		"status", status,
		"nodes", len(r.result.NodeResults),
		"duration", end.Sub(r.result.StartTime),
	)
}
