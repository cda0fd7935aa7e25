package router

import (
	"context"
	"errors"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIProvider talks to the OpenAI Chat Completions API through the
// official client.
type OpenAIProvider struct {
	id     string
	model  string
	client openai.Client
}

// NewOpenAIProvider creates a provider for the given model. Extra request
// options (base URL overrides, custom HTTP clients) pass through to the
// underlying client.
func NewOpenAIProvider(apiKey, model string, opts ...option.RequestOption) *OpenAIProvider {
	if model == "" {
		model = "gpt-4o-mini"
	}
	clientOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAIProvider{
		id:     "openai",
		model:  model,
		client: openai.NewClient(clientOpts...),
	}
}

// WithID overrides the registry identifier, letting several entries share
// the same vendor.
func (p *OpenAIProvider) WithID(id string) *OpenAIProvider {
	if id != "" {
		p.id = id
	}
	return p
}

func (p *OpenAIProvider) ID() string {
	return p.id
}

func (p *OpenAIProvider) Model() string {
	return p.model
}

func (p *OpenAIProvider) Capabilities() Capabilities {
	caps := Capabilities{SupportsStreaming: true, SupportsEmbeddings: true}
	if pricing, ok := PricingFor("openai", p.model); ok {
		caps.CostPer1KInput = pricing.CostPer1KInput()
		caps.CostPer1KOutput = pricing.CostPer1KOutput()
	}
	return caps
}

// Probe lists models as a cheap liveness check.
func (p *OpenAIProvider) Probe(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return p.wrapError(err)
	}
	return nil
}

func (p *OpenAIProvider) buildParams(req ChatRequest) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return params
}

// wrapError classifies a client error.
func (p *OpenAIProvider) wrapError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		e := newError(KindRateLimited, p.id, "%s", apiErr.Message)
		e.RetryAfter = defaultRetryAfter
		e.Err = err
		return e
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		e := newError(KindAuth, p.id, "%s", apiErr.Message)
		e.Err = err
		return e
	default:
		e := newError(KindProviderAPI, p.id, "%s", apiErr.Message)
		e.Status = apiErr.StatusCode
		e.Err = err
		return e
	}
}

// Call performs a non-streaming completion.
func (p *OpenAIProvider) Call(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	began := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, newError(KindInvalidResponse, p.id, "response carried no choices")
	}

	choice := resp.Choices[0]
	return &ChatResponse{
		ID:           resp.ID,
		Content:      choice.Message.Content,
		Provider:     p.id,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		Latency: time.Since(began),
	}, nil
}

// Stream performs a streaming completion.
func (p *OpenAIProvider) Stream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	params := p.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, p.wrapError(err)
	}

	ch := make(chan StreamChunk, 100)
	go func() {
		defer close(ch)
		defer stream.Close()

		var finishReason string
		var usage Usage
		model := params.Model

		for stream.Next() {
			if ctx.Err() != nil {
				return
			}
			chunk := stream.Current()
			if chunk.Model != "" {
				model = chunk.Model
			}
			if chunk.Usage.TotalTokens > 0 {
				usage.InputTokens = int(chunk.Usage.PromptTokens)
				usage.OutputTokens = int(chunk.Usage.CompletionTokens)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finishReason = string(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				select {
				case ch <- StreamChunk{Delta: choice.Delta.Content, Provider: p.id, Model: model}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			werr := p.wrapError(err)
			ch <- StreamChunk{Err: werr, Done: true, Provider: p.id, Model: model}
			return
		}

		ch <- StreamChunk{
			Done:         true,
			FinishReason: finishReason,
			Provider:     p.id,
			Model:        model,
			Usage:        &usage,
		}
	}()
	return ch, nil
}
