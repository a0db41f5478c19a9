// Package reasoning is the client for the delegated decision service, an
// LLM reached over the Anthropic Messages HTTP API.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lucasnoah/steward/internal/config"
	"github.com/lucasnoah/steward/internal/errs"
)

// ErrNoCredential is returned by Ready and Complete when no API key is available.
var ErrNoCredential = config.ErrNoCredential

const apiVersion = "2023-06-01"

// Request is one reasoning call.
type Request struct {
	Context        string
	MaxOutputUnits int
}

// Usage reports billed units for one call.
type Usage struct {
	InputUnits  int `json:"input_tokens"`
	OutputUnits int `json:"output_tokens"`
}

// Response is the service's answer. ActionJSON holds the extracted JSON
// object; it is not validated here.
type Response struct {
	ActionJSON string
	Usage      Usage
	Latency    time.Duration
	Model      string
}

// KeyFunc returns the current API key. It is called on every request so a
// rotated credential takes effect without restart.
type KeyFunc func() (string, error)

// Client calls the Messages API.
type Client struct {
	endpoint string
	model    string
	timeout  time.Duration
	key      KeyFunc
	http     *http.Client
}

// NewClient returns a client for cfg. The HTTP transport is instrumented
// with OpenTelemetry.
func NewClient(cfg config.ReasoningConfig, key KeyFunc) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		key:      key,
		http:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Model returns the model name requests are billed against.
func (c *Client) Model() string { return c.model }

// Ready reports whether a credential is available.
func (c *Client) Ready() error {
	if c.key == nil {
		return ErrNoCredential
	}
	k, err := c.key()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	if k == "" {
		return ErrNoCredential
	}
	return nil
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage Usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const systemPrompt = "You supervise an autonomous coding session. Reply with exactly one JSON object and nothing else."

// Complete sends req and returns the extracted action JSON. Timeouts, rate
// limits, and 5xx responses are classified transient; other failures are
// permanent for this action.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if err := c.Ready(); err != nil {
		return Response{}, err
	}
	key, _ := c.key()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: req.MaxOutputUnits,
		System:    systemPrompt,
		Messages:  []message{{Role: "user", Content: req.Context}},
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", apiVersion)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, errs.Transient(fmt.Errorf("reasoning request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{}, errs.Transient(fmt.Errorf("read response: %w", err))
	}
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("reasoning service returned %d: %s", resp.StatusCode, truncate(string(data), 200))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Response{}, errs.Transient(err)
		}
		return Response{}, errs.PermanentAction(err)
	}

	var mr messagesResponse
	if err := json.Unmarshal(data, &mr); err != nil {
		return Response{}, errs.PermanentAction(fmt.Errorf("decode response: %w", err))
	}
	var text strings.Builder
	for _, block := range mr.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	out := Response{Usage: mr.Usage, Latency: latency, Model: mr.Model}
	if out.Model == "" {
		out.Model = c.model
	}
	js, err := ExtractJSON(text.String())
	if err != nil {
		// Usage is still returned so the caller can account for the spend.
		return out, errs.PermanentAction(err)
	}
	out.ActionJSON = js
	return out, nil
}

// ErrNoJSON is returned when a reply contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in reply")

// ExtractJSON returns the first JSON object in text, preferring a fenced
// ```json block.
func ExtractJSON(text string) (string, error) {
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			candidate := strings.TrimSpace(rest[:j])
			if json.Valid([]byte(candidate)) {
				return candidate, nil
			}
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", ErrNoJSON
	}
	candidate := text[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", fmt.Errorf("%w: invalid JSON %q", ErrNoJSON, truncate(candidate, 80))
	}
	return candidate, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
