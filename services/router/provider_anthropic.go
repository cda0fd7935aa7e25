package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	id         string
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// AnthropicOption configures the provider.
type AnthropicOption func(*AnthropicProvider)

// WithAnthropicBaseURL overrides the API endpoint, for tests and proxies.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(p *AnthropicProvider) { p.baseURL = strings.TrimSuffix(url, "/") }
}

// WithAnthropicHTTPClient overrides the HTTP client.
func WithAnthropicHTTPClient(c *http.Client) AnthropicOption {
	return func(p *AnthropicProvider) { p.httpClient = c }
}

// NewAnthropicProvider creates a provider for the given model.
func NewAnthropicProvider(apiKey, model string, opts ...AnthropicOption) *AnthropicProvider {
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}
	p := &AnthropicProvider{
		id:         "anthropic",
		apiKey:     apiKey,
		model:      model,
		baseURL:    anthropicBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithID overrides the registry identifier, letting several entries share
// the same vendor.
func (p *AnthropicProvider) WithID(id string) *AnthropicProvider {
	if id != "" {
		p.id = id
	}
	return p
}

func (p *AnthropicProvider) ID() string {
	return p.id
}

func (p *AnthropicProvider) Model() string {
	return p.model
}

func (p *AnthropicProvider) Capabilities() Capabilities {
	caps := Capabilities{SupportsStreaming: true}
	if pricing, ok := PricingFor("anthropic", p.model); ok {
		caps.CostPer1KInput = pricing.CostPer1KInput()
		caps.CostPer1KOutput = pricing.CostPer1KOutput()
	}
	return caps
}

// Probe checks reachability with a minimal request. A 4xx other than 429
// still proves the API is up.
func (p *AnthropicProvider) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return newError(KindProviderAPI, p.id, "probe failed with status %d", resp.StatusCode)
	}
	return nil
}

// Anthropic API types.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) buildRequest(req ChatRequest, stream bool) anthropicRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	var system string
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	return anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    messages,
		System:      system,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (p *AnthropicProvider) do(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")
	return p.httpClient.Do(req)
}

// apiError converts a non-2xx response into a classified error.
func (p *AnthropicProvider) apiError(resp *http.Response, body []byte) *Error {
	var apiErr anthropicErrorBody
	msg := fmt.Sprintf("status %d", resp.StatusCode)
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := newError(KindRateLimited, p.id, "%s", msg)
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
		return e
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return newError(KindAuth, p.id, "%s", msg)
	default:
		e := newError(KindProviderAPI, p.id, "%s", msg)
		e.Status = resp.StatusCode
		return e
	}
}

// Call performs a non-streaming completion.
func (p *AnthropicProvider) Call(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := p.do(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp, body)
	}

	var out anthropicResponse
	if err := json.Unmarshal(body, &out); err != nil {
		e := newError(KindInvalidResponse, p.id, "unmarshal response: %v", err)
		e.Err = err
		return nil, e
	}

	var content strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	if content.Len() == 0 && out.StopReason == "" {
		return nil, newError(KindInvalidResponse, p.id, "response carried no content")
	}

	return &ChatResponse{
		ID:           out.ID,
		Content:      content.String(),
		Provider:     p.id,
		Model:        out.Model,
		FinishReason: out.StopReason,
		Usage: Usage{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
		},
	}, nil
}

// Anthropic streaming event payloads.
type anthropicMessageStart struct {
	Message struct {
		ID    string         `json:"id"`
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockDelta struct {
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Stream performs a streaming completion.
func (p *AnthropicProvider) Stream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	body := p.buildRequest(req, true)
	resp, err := p.do(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, p.apiError(resp, raw)
	}

	ch := make(chan StreamChunk, 100)
	go p.streamResponse(ctx, resp, body.Model, ch)
	return ch, nil
}

func (p *AnthropicProvider) streamResponse(ctx context.Context, resp *http.Response, model string, ch chan<- StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	events := make(chan sseEvent, 100)
	go parseSSE(resp.Body, events)

	var inputTokens, outputTokens int
	var stopReason string

	for event := range events {
		if ctx.Err() != nil {
			return
		}
		if event.Err != nil {
			e := newError(KindNetwork, p.id, "stream read error: %v", event.Err)
			e.Err = event.Err
			ch <- StreamChunk{Err: e, Done: true, Provider: p.id, Model: model}
			return
		}

		switch event.Event {
		case "message_start":
			var msg anthropicMessageStart
			if err := json.Unmarshal([]byte(event.Data), &msg); err != nil {
				ch <- StreamChunk{Err: newError(KindInvalidResponse, p.id, "parse message_start: %v", err), Done: true, Provider: p.id, Model: model}
				return
			}
			inputTokens = msg.Message.Usage.InputTokens

		case "content_block_delta":
			var delta anthropicContentBlockDelta
			if err := json.Unmarshal([]byte(event.Data), &delta); err != nil {
				ch <- StreamChunk{Err: newError(KindInvalidResponse, p.id, "parse content_block_delta: %v", err), Done: true, Provider: p.id, Model: model}
				return
			}
			if delta.Delta.Text != "" {
				select {
				case ch <- StreamChunk{Delta: delta.Delta.Text, Provider: p.id, Model: model}:
				case <-ctx.Done():
					return
				}
			}

		case "message_delta":
			var msg anthropicMessageDelta
			if err := json.Unmarshal([]byte(event.Data), &msg); err != nil {
				ch <- StreamChunk{Err: newError(KindInvalidResponse, p.id, "parse message_delta: %v", err), Done: true, Provider: p.id, Model: model}
				return
			}
			outputTokens = msg.Usage.OutputTokens
			if msg.Delta.StopReason != "" {
				stopReason = msg.Delta.StopReason
			}

		case "message_stop":
			ch <- StreamChunk{
				Done:         true,
				FinishReason: stopReason,
				Provider:     p.id,
				Model:        model,
				Usage: &Usage{
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				},
			}
			return
		}
	}
}
