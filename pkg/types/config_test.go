package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeConfig(t *testing.T) {
	t.Run("widget keeps only sourceInput mappings", func(t *testing.T) {
		node := &Node{ID: "w", Kind: NodeKindWidget, Config: map[string]any{
			"title":  map[string]any{"sourceInput": "text"},
			"color":  "red",
			"empty":  map[string]any{"other": "x"},
			"number": map[string]any{"sourceInput": 3},
		}}
		cfg, err := DecodeConfig(node)
		require.NoError(t, err)
		assert.Equal(t, WidgetConfig{Mappings: map[string]string{"title": "text"}}, cfg)
	})

	t.Run("transform defaults input key", func(t *testing.T) {
		node := &Node{ID: "t", Kind: NodeKindTransform, Config: map[string]any{
			"transformType": "map",
			"operation":     "toUpperCase",
		}}
		cfg, err := DecodeConfig(node)
		require.NoError(t, err)
		tc := cfg.(TransformConfig)
		assert.Equal(t, "value", tc.Key())
		assert.Equal(t, "toUpperCase", tc.Operation)
	})

	t.Run("transform rejects negative delay", func(t *testing.T) {
		node := &Node{ID: "t", Kind: NodeKindTransform, Config: map[string]any{
			"transformType": "delay",
			"delayMs":       -5,
		}}
		_, err := DecodeConfig(node)
		assert.Error(t, err)
	})

	t.Run("unknown transform type decodes", func(t *testing.T) {
		node := &Node{ID: "t", Kind: NodeKindTransform, Config: map[string]any{"transformType": "zip"}}
		_, err := DecodeConfig(node)
		assert.NoError(t, err)
	})

	t.Run("ai applies defaults", func(t *testing.T) {
		node := &Node{ID: "a", Kind: NodeKindAI, Config: map[string]any{"action": "generateText"}}
		cfg, err := DecodeConfig(node)
		require.NoError(t, err)
		ac := cfg.(AIConfig)
		assert.Equal(t, DefaultMaxTokens, ac.MaxTokens)
		assert.Equal(t, DefaultTemperature, ac.Temperature)
	})

	t.Run("unknown ai action is an error", func(t *testing.T) {
		node := &Node{ID: "a", Kind: NodeKindAI, Config: map[string]any{"action": "compose"}}
		_, err := DecodeConfig(node)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownAIAction))
		assert.Contains(t, err.Error(), "compose")
	})

	t.Run("unknown kind is an error", func(t *testing.T) {
		_, err := DecodeConfig(&Node{ID: "x", Kind: "quantum"})
		assert.ErrorIs(t, err, ErrUnknownKind)
	})
}

func TestValidatePipeline(t *testing.T) {
	p := &Pipeline{Nodes: []Node{
		{ID: "ok", Kind: NodeKindSystem, Config: map[string]any{"action": "log"}},
		{ID: "bad", Kind: NodeKindAI, Config: map[string]any{"action": "nope"}},
		{ID: "worse", Kind: "mystery"},
	}}

	err := ValidatePipeline(p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownAIAction)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestConnectionIsEnabled(t *testing.T) {
	off := false
	on := true
	assert.True(t, (&Connection{}).IsEnabled())
	assert.True(t, (&Connection{Enabled: &on}).IsEnabled())
	assert.False(t, (&Connection{Enabled: &off}).IsEnabled())
}

func TestNodeKey(t *testing.T) {
	assert.Equal(t, "Source", (&Node{ID: "n1", Label: "Source"}).Key())
	assert.Equal(t, "n1", (&Node{ID: "n1"}).Key())
}
