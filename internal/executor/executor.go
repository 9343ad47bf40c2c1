// Package executor runs a single pipeline node. Behavior is selected through
// a table of handlers keyed by node kind; transform nodes dispatch once more
// through a table keyed by transform type.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// Handler executes one node kind. For the built-in kinds cfg holds the typed
// configuration; kinds registered later receive a types.RawConfig.
type Handler func(ctx context.Context, node *types.Node, cfg types.NodeConfig, inputs map[string]any) (map[string]any, error)

// Executor dispatches node execution by kind.
type Executor struct {
	mu       sync.RWMutex
	handlers map[types.NodeKind]Handler

	transforms map[string]TransformFunc
	generator  Generator
	exprEval   *ExprEvaluator
	logger     *slog.Logger
}

// New creates an executor with the built-in widget, transform, system and ai
// handlers. gen may be nil, in which case ai nodes fail with ErrNoGenerator.
func New(gen Generator, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		handlers:  make(map[types.NodeKind]Handler),
		generator: gen,
		exprEval:  NewExprEvaluator(),
		logger:    logger,
	}
	e.transforms = e.builtinTransforms()

	e.Register(types.NodeKindWidget, e.executeWidget)
	e.Register(types.NodeKindTransform, e.executeTransform)
	e.Register(types.NodeKindSystem, e.executeSystem)
	e.Register(types.NodeKindAI, e.executeAI)
	return e
}

// Register installs or replaces the handler for kind.
func (e *Executor) Register(kind types.NodeKind, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = h
}

// Execute decodes the node configuration and runs the handler for its kind.
// Errors are returned as-is; retrying is the caller's concern.
func (e *Executor) Execute(ctx context.Context, node *types.Node, inputs map[string]any) (map[string]any, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}

	e.mu.RLock()
	h, ok := e.handlers[node.Kind]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("node %s: %w: %q", node.ID, types.ErrUnknownKind, node.Kind)
	}

	var cfg types.NodeConfig = types.RawConfig(node.Config)
	if node.Kind.Valid() {
		decoded, err := types.DecodeConfig(node)
		if err != nil {
			return nil, err
		}
		cfg = decoded
	}

	e.logger.Debug("executing node", "node_id", node.ID, "kind", node.Kind)
	return h(ctx, node, cfg, inputs)
}

func (e *Executor) executeWidget(_ context.Context, _ *types.Node, cfg types.NodeConfig, inputs map[string]any) (map[string]any, error) {
	wc := cfg.(types.WidgetConfig)

	out := make(map[string]any)
	for key, source := range wc.Mappings {
		if v, ok := inputs[source]; ok {
			out[key] = v
		}
	}
	if len(out) == 0 {
		return passThrough(inputs), nil
	}
	return out, nil
}

func (e *Executor) executeSystem(_ context.Context, node *types.Node, cfg types.NodeConfig, inputs map[string]any) (map[string]any, error) {
	sc := cfg.(types.SystemConfig)

	switch sc.Action {
	case types.SystemActionLog:
		msg := sc.Message
		if msg == "" {
			msg = "system node log"
		}
		e.logger.Info(msg, "node_id", node.ID, "label", node.Label, "inputs", inputs)
		return passThrough(inputs), nil

	case types.SystemActionEmit:
		return map[string]any{
			"emitted": true,
			"data":    passThrough(inputs),
		}, nil

	case types.SystemActionStore:
		return map[string]any{
			"stored": true,
			"key":    sc.Key,
			"value":  passThrough(inputs),
		}, nil

	default:
		return passThrough(inputs), nil
	}
}

// passThrough returns a shallow copy of inputs so handlers never hand back
// the map they were given.
func passThrough(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	return out
}
