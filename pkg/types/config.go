package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Configuration errors.
var (
	ErrUnknownKind     = errors.New("unknown node kind")
	ErrUnknownAIAction = errors.New("unknown AI action")
)

// Transform sub-types.
const (
	TransformMap    = "map"
	TransformFilter = "filter"
	TransformMerge  = "merge"
	TransformSplit  = "split"
	TransformDelay  = "delay"
)

// System actions.
const (
	SystemActionLog   = "log"
	SystemActionEmit  = "emit"
	SystemActionStore = "store"
)

// AI actions.
const (
	AIActionGenerateText   = "generateText"
	AIActionGenerateImage  = "generateImage"
	AIActionGenerateWidget = "generateWidget"
)

// NodeConfig is implemented by every typed node configuration.
type NodeConfig interface {
	Kind() NodeKind
}

// RawConfig is the untyped configuration handed to handlers of kinds that
// have no typed shape.
type RawConfig map[string]any

func (RawConfig) Kind() NodeKind { return "" }

// WidgetConfig maps output keys to the input keys they are copied from.
// Config entries that are not {"sourceInput": "<key>"} objects are ignored.
type WidgetConfig struct {
	Mappings map[string]string
}

func (WidgetConfig) Kind() NodeKind { return NodeKindWidget }

// TransformConfig configures a transform node. Fields are interpreted per
// TransformType; unused fields are ignored.
type TransformConfig struct {
	TransformType string `json:"transformType"`

	// map
	Operation string `json:"operation,omitempty"`

	// map, filter, split
	InputKey string `json:"inputKey,omitempty"`

	// filter
	Predicate  string `json:"predicate,omitempty"`
	Expression string `json:"expression,omitempty"`

	// split
	Delimiter string `json:"delimiter,omitempty"`

	// delay
	DelayMs int `json:"delayMs,omitempty"`
}

func (TransformConfig) Kind() NodeKind { return NodeKindTransform }

// Key returns the configured input key, defaulting to "value".
func (c TransformConfig) Key() string {
	if c.InputKey == "" {
		return "value"
	}
	return c.InputKey
}

// SystemConfig configures a system node.
type SystemConfig struct {
	Action  string `json:"action"`
	Key     string `json:"key,omitempty"`
	Message string `json:"message,omitempty"`
}

func (SystemConfig) Kind() NodeKind { return NodeKindSystem }

// AIConfig configures a node that calls the generation backend. Every
// field except Action can be overridden by a node input of the same name.
type AIConfig struct {
	Action   string `json:"action"`
	Provider string `json:"provider,omitempty"`

	// generateText
	Prompt      string  `json:"prompt,omitempty"`
	System      string  `json:"system,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`

	// generateImage
	NegativePrompt string `json:"negativePrompt,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`

	// generateWidget
	Description string `json:"description,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Quality     string `json:"quality,omitempty"`
}

func (AIConfig) Kind() NodeKind { return NodeKindAI }

// Defaults applied to AI configuration fields left empty.
const (
	DefaultMaxTokens   = 1000
	DefaultTemperature = 0.7
	DefaultImageWidth  = 1024
	DefaultImageHeight = 1024
	DefaultWidgetMode  = "simple"
	DefaultQuality     = "standard"
)

// DecodeConfig converts a node's free-form configuration into its typed
// shape. Unknown transform types and system actions decode successfully and
// behave as pass-through; unknown node kinds and AI actions are errors.
func DecodeConfig(node *Node) (NodeConfig, error) {
	switch node.Kind {
	case NodeKindWidget:
		return decodeWidget(node.Config), nil

	case NodeKindTransform:
		var cfg TransformConfig
		if err := decodeInto(node.Config, &cfg); err != nil {
			return nil, fmt.Errorf("node %s: transform config: %w", node.ID, err)
		}
		if cfg.DelayMs < 0 {
			return nil, fmt.Errorf("node %s: delayMs must not be negative", node.ID)
		}
		return cfg, nil

	case NodeKindSystem:
		var cfg SystemConfig
		if err := decodeInto(node.Config, &cfg); err != nil {
			return nil, fmt.Errorf("node %s: system config: %w", node.ID, err)
		}
		return cfg, nil

	case NodeKindAI:
		cfg := AIConfig{
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
			Width:       DefaultImageWidth,
			Height:      DefaultImageHeight,
			Mode:        DefaultWidgetMode,
			Quality:     DefaultQuality,
		}
		if err := decodeInto(node.Config, &cfg); err != nil {
			return nil, fmt.Errorf("node %s: ai config: %w", node.ID, err)
		}
		switch cfg.Action {
		case AIActionGenerateText, AIActionGenerateImage, AIActionGenerateWidget:
			return cfg, nil
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownAIAction, cfg.Action)
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, node.Kind)
	}
}

// ValidatePipeline decodes every node configuration and returns the joined
// errors, if any.
func ValidatePipeline(p *Pipeline) error {
	var errs []error
	for i := range p.Nodes {
		if _, err := DecodeConfig(&p.Nodes[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func decodeWidget(raw map[string]any) WidgetConfig {
	cfg := WidgetConfig{Mappings: make(map[string]string)}
	for key, v := range raw {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if src, ok := entry["sourceInput"].(string); ok && src != "" {
			cfg.Mappings[key] = src
		}
	}
	return cfg
}

// decodeInto round-trips a free-form map through JSON into a typed struct.
func decodeInto(raw map[string]any, out any) error {
	if len(raw) == 0 {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
