package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// ErrNoGenerator is returned by ai nodes when the executor has no generation
// backend.
var ErrNoGenerator = errors.New("no AI generator configured")

// TextRequest asks the backend for a completion.
type TextRequest struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
	Provider    string  `json:"provider,omitempty"`
}

// TextResult is a generated completion.
type TextResult struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

// ImageRequest asks the backend for one or more images.
type ImageRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Provider       string `json:"provider,omitempty"`
}

// ImageResult holds generated image references (URLs or data URIs).
type ImageResult struct {
	Images []string `json:"images"`
	Model  string   `json:"model"`
}

// WidgetRequest asks the backend to build a widget from a description.
type WidgetRequest struct {
	Description string `json:"description"`
	Mode        string `json:"mode"`
	Quality     string `json:"quality"`
	Provider    string `json:"provider,omitempty"`
}

// WidgetResult is a generated widget.
type WidgetResult struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	HTML     string         `json:"html"`
	Manifest map[string]any `json:"manifest"`
}

// Generator is the generative backend used by ai nodes.
type Generator interface {
	GenerateText(ctx context.Context, req TextRequest) (*TextResult, error)
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error)
	GenerateWidget(ctx context.Context, req WidgetRequest) (*WidgetResult, error)
}

// executeAI builds a request from the node inputs, falling back to the node
// configuration field by field, and shapes the backend reply into outputs.
func (e *Executor) executeAI(ctx context.Context, node *types.Node, cfg types.NodeConfig, inputs map[string]any) (map[string]any, error) {
	ac := cfg.(types.AIConfig)
	if e.generator == nil {
		return nil, ErrNoGenerator
	}
	provider := stringInput(inputs, "provider", ac.Provider)

	switch ac.Action {
	case types.AIActionGenerateText:
		req := TextRequest{
			Prompt:      stringInput(inputs, "prompt", ac.Prompt),
			System:      stringInput(inputs, "system", ac.System),
			Model:       stringInput(inputs, "model", ac.Model),
			MaxTokens:   intInput(inputs, "maxTokens", ac.MaxTokens),
			Temperature: floatInput(inputs, "temperature", ac.Temperature),
			Provider:    provider,
		}
		if req.Prompt == "" {
			return nil, fmt.Errorf("node %s: prompt is required", node.ID)
		}
		res, err := e.generator.GenerateText(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("generate text: %w", err)
		}
		return map[string]any{"content": res.Content, "model": res.Model}, nil

	case types.AIActionGenerateImage:
		req := ImageRequest{
			Prompt:         stringInput(inputs, "prompt", ac.Prompt),
			NegativePrompt: stringInput(inputs, "negativePrompt", ac.NegativePrompt),
			Width:          intInput(inputs, "width", ac.Width),
			Height:         intInput(inputs, "height", ac.Height),
			Provider:       provider,
		}
		if req.Prompt == "" {
			return nil, fmt.Errorf("node %s: prompt is required", node.ID)
		}
		res, err := e.generator.GenerateImage(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("generate image: %w", err)
		}
		return map[string]any{"images": res.Images, "model": res.Model}, nil

	case types.AIActionGenerateWidget:
		req := WidgetRequest{
			Description: stringInput(inputs, "description", ac.Description),
			Mode:        stringInput(inputs, "mode", ac.Mode),
			Quality:     stringInput(inputs, "quality", ac.Quality),
			Provider:    provider,
		}
		if req.Description == "" {
			return nil, fmt.Errorf("node %s: description is required", node.ID)
		}
		res, err := e.generator.GenerateWidget(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("generate widget: %w", err)
		}
		return map[string]any{
			"id":       res.ID,
			"name":     res.Name,
			"html":     res.HTML,
			"manifest": res.Manifest,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownAIAction, ac.Action)
	}
}

func stringInput(inputs map[string]any, key, fallback string) string {
	if s, ok := inputs[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func intInput(inputs map[string]any, key string, fallback int) int {
	switch v := inputs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

func floatInput(inputs map[string]any, key string, fallback float64) float64 {
	switch v := inputs[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return fallback
}
