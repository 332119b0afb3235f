// Package llmclient implements the single HTTP/JSON adapter the agent loop
// uses to talk to every router tier's model family. It is deliberately one
// gateway adapter, not five vendor SDKs: the configured AIML_API_KEY-gated
// endpoint already normalizes the wire protocol across model families.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/antigravity-dev/agentd/internal/retry"
)

// Message is one turn in a completion request's conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes one callable action the model may invoke.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is one invocation the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Request is a single completion request.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int
}

// Response is the client's normalized view of a completion response,
// regardless of which model family served it.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// MalformedToolArgs is returned when a tool call's argument blob cannot be
// parsed as JSON.
type MalformedToolArgs struct {
	ToolName string
	Raw      string
	Err      error
}

func (e *MalformedToolArgs) Error() string {
	return fmt.Sprintf("llmclient: malformed tool arguments for %q: %v", e.ToolName, e.Err)
}

func (e *MalformedToolArgs) Unwrap() error { return e.Err }

// Client is a single *http.Client-backed adapter talking to one configured
// gateway URL that fronts every model family.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	policy     retry.Policy
	limiter    *rate.Limiter
}

// Option configures optional Client behavior at construction time.
type Option func(*Client)

// WithRateLimit caps outbound completion requests to rps per second (with
// burst headroom), so one misbehaving task's tight loop can't starve the
// gateway connection for every other concurrent task. A non-positive rps
// leaves the client unthrottled.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New constructs a Client against the given gateway base URL and API key.
func New(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		policy:     retry.DefaultWebhookPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wireRequest is the JSON body sent to the gateway.
type wireRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// wireToolCall mirrors the gateway's tool-call shape; Arguments arrives as a
// raw JSON string that must itself be decoded.
type wireToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireResponse struct {
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

// Complete sends req to the gateway, retrying any failed attempt (transport
// error, non-2xx status or malformed tool arguments) per the client's retry
// policy, and normalizes the response.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(wireRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("llmclient: rate limit wait: %w", err)
			}
		}

		resp, err := c.doComplete(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		delay, shouldRetry := c.policy.NextDelay(attempt + 1)
		if !shouldRetry {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (c *Client) doComplete(ctx context.Context, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmclient: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llmclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("llmclient: gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
	}

	var wire wireResponse
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("llmclient: decode response: %w", err)
	}

	out := &Response{Content: wire.Content}
	for _, tc := range wire.ToolCalls {
		args, err := decodeToolArgs(tc.Arguments)
		if err != nil {
			return nil, &MalformedToolArgs{ToolName: tc.Name, Raw: tc.Arguments, Err: err}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Arguments: args})
	}
	return out, nil
}

func decodeToolArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, err
	}
	return args, nil
}
