package aiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/executor"
	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL + "/"
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	c, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.ErrorIs(t, err, ErrNoBaseURL)
}

func TestGenerateText(t *testing.T) {
	var got executor.TextRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/generate/text", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content": "hello back", "model": "m-1"}`))
	}, Config{APIKey: "secret"})

	res, err := c.GenerateText(context.Background(), executor.TextRequest{Prompt: "hello", MaxTokens: 10, Temperature: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "hello back", res.Content)
	assert.Equal(t, "m-1", res.Model)
	assert.Equal(t, "hello", got.Prompt)
	assert.Equal(t, 10, got.MaxTokens)
}

func TestGenerateImageAndWidget(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/generate/image":
			w.Write([]byte(`{"images": ["data:image/png;base64,AA=="], "model": "img"}`))
		case "/v1/generate/widget":
			w.Write([]byte(`{"id": "w1", "name": "Clock", "html": "<div/>", "manifest": {"version": "1"}}`))
		default:
			http.NotFound(w, r)
		}
	}, Config{})

	img, err := c.GenerateImage(context.Background(), executor.ImageRequest{Prompt: "cat", Width: 64, Height: 64})
	require.NoError(t, err)
	assert.Equal(t, []string{"data:image/png;base64,AA=="}, img.Images)

	widget, err := c.GenerateWidget(context.Background(), executor.WidgetRequest{Description: "a clock"})
	require.NoError(t, err)
	assert.Equal(t, "Clock", widget.Name)
	assert.Equal(t, map[string]any{"version": "1"}, widget.Manifest)
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"message envelope", http.StatusBadRequest, `{"error": "bad_request", "message": "prompt too long"}`, "prompt too long"},
		{"error envelope", http.StatusTooManyRequests, `{"error": "slow down"}`, "slow down"},
		{"plain body", http.StatusBadGateway, "upstream down\n", "upstream down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}, Config{})

			_, err := c.GenerateText(context.Background(), executor.TextRequest{Prompt: "x"})
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr), "got %v", err)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
		})
	}
}

func TestMalformedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content": `))
	}, Config{})

	_, err := c.GenerateText(context.Background(), executor.TextRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode text response")
}

func TestRateLimitHonoursContext(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"content": "ok"}`))
	}, Config{RateLimit: 0.001, Burst: 1})

	_, err := c.GenerateText(context.Background(), executor.TextRequest{Prompt: "first"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.GenerateText(ctx, executor.TextRequest{Prompt: "second"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientDrivesAINode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req executor.TextRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(executor.TextResult{Content: "echo: " + req.Prompt, Model: "m"})
	}, Config{})

	exec := executor.New(c, nil)
	node := &types.Node{ID: "ai", Kind: types.NodeKindAI, Config: map[string]any{"action": "generateText"}}

	out, err := exec.Execute(context.Background(), node, map[string]any{"prompt": "ping"})
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", out["content"])
}
