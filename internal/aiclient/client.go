// Package aiclient calls the generation backend used by ai nodes over HTTP.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/executor"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/metrics"
)

// ErrNoBaseURL is returned by New when the backend address is missing.
var ErrNoBaseURL = errors.New("generation backend URL is required")

// maxErrorBody bounds how much of a failed response is read into an error.
const maxErrorBody = 4 << 10

// APIError is a non-2xx reply from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("generation backend returned %d: %s", e.StatusCode, e.Message)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// RateLimit caps requests per second across all actions; 0 disables it.
	RateLimit float64
	Burst     int
}

// Client implements executor.Generator against
// POST {BaseURL}/v1/generate/{text|image|widget}.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a client. Requests are traced through otelhttp.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(&http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			}),
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// GenerateText requests a completion.
func (c *Client) GenerateText(ctx context.Context, req executor.TextRequest) (*executor.TextResult, error) {
	var out executor.TextResult
	if err := c.post(ctx, "text", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateImage requests images.
func (c *Client) GenerateImage(ctx context.Context, req executor.ImageRequest) (*executor.ImageResult, error) {
	var out executor.ImageResult
	if err := c.post(ctx, "image", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateWidget requests a widget.
func (c *Client) GenerateWidget(ctx context.Context, req executor.WidgetRequest) (*executor.WidgetResult, error) {
	var out executor.WidgetResult
	if err := c.post(ctx, "widget", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) post(ctx context.Context, action string, body, out any) (err error) {
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
		}
		metrics.AIRequests.WithLabelValues(action, result).Inc()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate/"+action, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("generate %s: %w", action, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("generation request",
		slog.String("action", action),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} or {"message": "..."} from a failed
// reply, falling back to the raw body.
func errorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))

	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

var _ executor.Generator = (*Client)(nil)
