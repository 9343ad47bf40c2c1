package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/kaptinlin/jsonrepair"

	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// TransformFunc implements one transform type.
type TransformFunc func(ctx context.Context, cfg types.TransformConfig, inputs map[string]any) (map[string]any, error)

// MapOperation converts a single value for the map transform.
type MapOperation func(v any) (any, error)

// Predicate decides whether a filter transform lets its inputs through.
type Predicate func(v any) bool

var mapOperations = map[string]MapOperation{
	"toUpperCase":    stringOp(strings.ToUpper),
	"toLowerCase":    stringOp(strings.ToLower),
	"trim":           stringOp(strings.TrimSpace),
	"parseJSON":      parseJSON,
	"stringify":      stringify,
	"htmlToMarkdown": htmlToMarkdown,
}

var predicates = map[string]Predicate{
	"exists":   func(v any) bool { return v != nil },
	"notEmpty": notEmpty,
	"isNumber": isNumber,
	"isString": isString,
}

func (e *Executor) builtinTransforms() map[string]TransformFunc {
	return map[string]TransformFunc{
		types.TransformMap:    transformMap,
		types.TransformFilter: e.transformFilter,
		types.TransformMerge:  transformMerge,
		types.TransformSplit:  transformSplit,
		types.TransformDelay:  transformDelay,
	}
}

// RegisterTransform installs or replaces a transform type.
func (e *Executor) RegisterTransform(name string, fn TransformFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transforms[name] = fn
}

func (e *Executor) executeTransform(ctx context.Context, _ *types.Node, cfg types.NodeConfig, inputs map[string]any) (map[string]any, error) {
	tc := cfg.(types.TransformConfig)

	e.mu.RLock()
	fn, ok := e.transforms[tc.TransformType]
	e.mu.RUnlock()
	if !ok {
		return passThrough(inputs), nil
	}
	return fn(ctx, tc, inputs)
}

// transformMap rewrites the configured input with a named operation. Inputs
// without the key and unknown operations pass through unchanged.
func transformMap(_ context.Context, cfg types.TransformConfig, inputs map[string]any) (map[string]any, error) {
	out := passThrough(inputs)

	v, ok := inputs[cfg.Key()]
	if !ok {
		return out, nil
	}
	op, ok := mapOperations[cfg.Operation]
	if !ok {
		return out, nil
	}

	converted, err := op(v)
	if err != nil {
		return nil, fmt.Errorf("map %s on %q: %w", cfg.Operation, cfg.Key(), err)
	}
	out[cfg.Key()] = converted
	return out, nil
}

func (e *Executor) transformFilter(_ context.Context, cfg types.TransformConfig, inputs map[string]any) (map[string]any, error) {
	v := inputs[cfg.Key()]

	var keep bool
	switch {
	case cfg.Predicate == "expression":
		var err error
		keep, err = e.exprEval.EvaluateBool(cfg.Expression, filterEnv(inputs, v))
		if err != nil {
			return nil, err
		}
	default:
		pred, ok := predicates[cfg.Predicate]
		if !ok {
			return passThrough(inputs), nil
		}
		keep = pred(v)
	}

	if !keep {
		return map[string]any{}, nil
	}
	return passThrough(inputs), nil
}

func transformMerge(_ context.Context, _ types.TransformConfig, inputs map[string]any) (map[string]any, error) {
	return map[string]any{"merged": passThrough(inputs)}, nil
}

func transformSplit(_ context.Context, cfg types.TransformConfig, inputs map[string]any) (map[string]any, error) {
	delim := cfg.Delimiter
	if delim == "" {
		delim = ","
	}

	v, ok := inputs[cfg.Key()]
	if !ok || v == nil {
		return map[string]any{"parts": []string{}}, nil
	}
	return map[string]any{"parts": strings.Split(toString(v), delim)}, nil
}

func transformDelay(ctx context.Context, cfg types.TransformConfig, inputs map[string]any) (map[string]any, error) {
	if cfg.DelayMs > 0 {
		timer := time.NewTimer(time.Duration(cfg.DelayMs) * time.Millisecond)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return passThrough(inputs), nil
}

func stringOp(fn func(string) string) MapOperation {
	return func(v any) (any, error) {
		return fn(toString(v)), nil
	}
}

// parseJSON decodes a JSON string, repairing malformed documents first when
// plain decoding fails. Non-string values are already structured.
func parseJSON(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}

	var out any
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return out, nil
	}

	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, fmt.Errorf("parse repaired JSON: %w", err)
	}
	return out, nil
}

func stringify(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("stringify: %w", err)
	}
	return string(data), nil
}

func htmlToMarkdown(v any) (any, error) {
	md, err := htmltomarkdown.ConvertString(toString(v))
	if err != nil {
		return nil, fmt.Errorf("convert html: %w", err)
	}
	return md, nil
}

func notEmpty(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return true
	}
	return false
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
