package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// Summary counts what one Dispatch call handed off.
type Summary struct {
	Emitted  int
	Stored   int
	Failures int
	Refs     []*ArtifactRef
}

// Dispatcher routes system node outputs of a finished run. Either
// collaborator may be nil, in which case its outputs are skipped.
type Dispatcher struct {
	bus       Bus
	artifacts ArtifactStore
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(bus Bus, artifacts ArtifactStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{bus: bus, artifacts: artifacts, logger: logger}
}

// Dispatch publishes every {emitted: true} output and stores every
// {stored: true} output produced by a completed system node of p. Failures
// are logged and counted; they never change result.
func (d *Dispatcher) Dispatch(ctx context.Context, p *types.Pipeline, result *types.PipelineExecutionResult) Summary {
	var sum Summary
	if p == nil || result == nil {
		return sum
	}

	for i := range result.NodeResults {
		nr := &result.NodeResults[i]
		if nr.Status != types.NodeStatusCompleted {
			continue
		}
		node, ok := p.NodeByID(nr.NodeID)
		if !ok || node.Kind != types.NodeKindSystem {
			continue
		}

		if flag(nr.Outputs, "emitted") && d.bus != nil {
			err := d.bus.Publish(ctx, Message{
				RunID:      result.RunID,
				PipelineID: result.PipelineID,
				NodeID:     node.ID,
				Label:      node.Label,
				Data:       nr.Outputs["data"],
				EmittedAt:  time.Now().UTC(),
			})
			d.record("bus", node.ID, result.RunID, err, &sum)
			if err == nil {
				sum.Emitted++
			}
		}

		if flag(nr.Outputs, "stored") && d.artifacts != nil {
			ref, err := d.store(ctx, result.RunID, node, nr.Outputs)
			d.record("artifacts", node.ID, result.RunID, err, &sum)
			if err == nil {
				sum.Stored++
				sum.Refs = append(sum.Refs, ref)
			}
		}
	}
	return sum
}

func (d *Dispatcher) store(ctx context.Context, runID string, node *types.Node, outputs map[string]any) (*ArtifactRef, error) {
	data, err := json.Marshal(outputs["value"])
	if err != nil {
		return nil, fmt.Errorf("marshal stored value: %w", err)
	}
	return d.artifacts.Put(ctx, ArtifactKey(runID, node, outputs), data, "application/json")
}

// ArtifactKey is the storage key of a store node's value: the configured key,
// or the node id when none is set, under the run id.
func ArtifactKey(runID string, node *types.Node, outputs map[string]any) string {
	key, _ := outputs["key"].(string)
	key = strings.Trim(key, "/")
	if key == "" {
		key = node.ID
	}
	return runID + "/" + key + ".json"
}

func (d *Dispatcher) record(target, nodeID, runID string, err error, sum *Summary) {
	if err != nil {
		sum.Failures++
		metrics.OutboxDispatches.WithLabelValues(target, "error").Inc()
		d.logger.Warn("outbox dispatch failed",
			slog.String("target", target),
			slog.String("run_id", runID),
			slog.String("node_id", nodeID),
			slog.Any("error", err),
		)
		return
	}
	metrics.OutboxDispatches.WithLabelValues(target, "success").Inc()
}

func flag(outputs map[string]any, key string) bool {
	v, _ := outputs[key].(bool)
	return v
}
