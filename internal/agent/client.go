// Package agent is the HTTP client for per-instance agent endpoints. Two
// variants exist: a buffered request/response call and an SSE streaming call
// that yields chunks as the agent produces them. Both honor the instance's
// timeout and the caller's context.
package agent

import (
	"bufio"
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

	"github.com/automagik/omni/internal/channel"
)

// ErrAgentTimeout indicates the call exceeded the instance's agent timeout.
var ErrAgentTimeout = errors.New("agent call timed out")

// Request is the payload dispatched to an agent.
type Request struct {
	SessionName string             `json:"session_name"`
	UserID      string             `json:"user_id,omitempty"`
	Text        string             `json:"message"`
	Media       []channel.MediaRef `json:"media,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

// Response is a buffered agent reply.
type Response struct {
	Text     string             `json:"message"`
	Media    []channel.MediaRef `json:"media,omitempty"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

// Chunk is one streaming reply fragment.
type Chunk struct {
	Content  string         `json:"content"`
	Done     bool           `json:"done"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Metrics captures per-call timing observations.
type Metrics struct {
	FirstTokenLatencyMs      int64 `json:"first_token_latency_ms"`
	TotalStreamingDurationMs int64 `json:"total_streaming_duration_ms"`
	ChunkCount               int   `json:"chunk_count"`
	TotalContentLength       int   `json:"total_content_length"`
	FirstToFinalMs           int64 `json:"first_to_final_ms"`
	Success                  bool  `json:"success"`
}

// Client invokes agent endpoints configured per instance.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client. Per-call timeouts come from the instance
// config, so the underlying http.Client carries none.
func NewClient(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{},
		logger:     log.With(slog.String("component", "agent")),
	}
}

// Call performs a buffered request/response agent invocation.
func (c *Client) Call(ctx context.Context, cfg channel.InstanceConfig, req Request) (Response, Metrics, error) {
	start := time.Now()
	metrics := Metrics{}
	req.Stream = false

	ctx, cancel := context.WithTimeout(ctx, cfg.AgentTimeout())
	defer cancel()

	httpResp, err := c.post(ctx, cfg, req, false)
	if err != nil {
		return Response{}, metrics, c.classify(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 2048))
		return Response{}, metrics, fmt.Errorf("agent returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return Response{}, metrics, fmt.Errorf("decode agent response: %w", err)
	}
	elapsed := time.Since(start).Milliseconds()
	metrics.FirstTokenLatencyMs = elapsed
	metrics.TotalStreamingDurationMs = elapsed
	metrics.ChunkCount = 1
	metrics.TotalContentLength = len(resp.Text)
	metrics.Success = true
	return resp, metrics, nil
}

// Stream performs a streaming agent invocation, invoking onChunk for every
// fragment in arrival order. The stream is finite and not restartable; a
// cancelled context aborts the in-flight call and returns the partial
// metrics alongside the context error.
func (c *Client) Stream(ctx context.Context, cfg channel.InstanceConfig, req Request, onChunk func(Chunk) error) (Metrics, error) {
	start := time.Now()
	metrics := Metrics{}
	req.Stream = true

	ctx, cancel := context.WithTimeout(ctx, cfg.AgentTimeout())
	defer cancel()

	httpResp, err := c.post(ctx, cfg, req, true)
	if err != nil {
		return metrics, c.classify(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 2048))
		return metrics, fmt.Errorf("agent returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
	}

	var firstToken time.Time
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}
		var chunk Chunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			if c.logger != nil {
				c.logger.Warn("malformed stream chunk", slog.String("instance", cfg.Name), slog.Any("error", err))
			}
			continue
		}
		if chunk.Content != "" && firstToken.IsZero() {
			firstToken = time.Now()
			metrics.FirstTokenLatencyMs = firstToken.Sub(start).Milliseconds()
		}
		metrics.ChunkCount++
		metrics.TotalContentLength += len(chunk.Content)
		if err := onChunk(chunk); err != nil {
			return metrics, err
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return metrics, c.classify(err)
	}
	metrics.TotalStreamingDurationMs = time.Since(start).Milliseconds()
	if !firstToken.IsZero() {
		metrics.FirstToFinalMs = time.Since(firstToken).Milliseconds()
	}
	metrics.Success = true
	return metrics, nil
}

func (c *Client) post(ctx context.Context, cfg channel.InstanceConfig, req Request, stream bool) (*http.Response, error) {
	endpoint := strings.TrimRight(cfg.AgentAPIURL, "/")
	if cfg.AgentID != "" {
		endpoint += "/agents/" + cfg.AgentID + "/run"
	} else {
		endpoint += "/run"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if cfg.AgentAPIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.AgentAPIKey)
	}
	return c.httpClient.Do(httpReq)
}

func (c *Client) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrAgentTimeout
	}
	return err
}
