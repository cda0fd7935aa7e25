package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/corefold/relay/pkg/testutil"
)

// =============================================================================
// Test Helpers
// =============================================================================

func anthropicWithMock(mock *testutil.MockHTTPClient) *AnthropicProvider {
	return NewAnthropicProvider("test-key", "claude-3-5-sonnet-20241022",
		WithAnthropicHTTPClient(mock.Client()))
}

// =============================================================================
// Call
// =============================================================================

func TestAnthropicProvider_Call(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockAnthropicResponse("hello there"))
	p := anthropicWithMock(mock)

	resp, err := p.Call(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	testutil.RequireNoError(t, err)

	testutil.RequireEqual(t, "hello there", resp.Content)
	testutil.RequireEqual(t, "anthropic", resp.Provider)
	testutil.RequireEqual(t, "end_turn", resp.FinishReason)
	testutil.RequireEqual(t, 10, resp.Usage.InputTokens)
	testutil.RequireEqual(t, 20, resp.Usage.OutputTokens)

	req := mock.LastRequest()
	if req.Header.Get("x-api-key") != "test-key" {
		t.Error("api key header missing")
	}
	if req.Header.Get("anthropic-version") == "" {
		t.Error("version header missing")
	}
	body := string(mock.LastRequestBody())
	if !strings.Contains(body, `"system":"be brief"`) {
		t.Errorf("system message should move to the system field, body: %s", body)
	}
	if strings.Contains(body, `"role":"system"`) {
		t.Errorf("system message must not remain in messages, body: %s", body)
	}
}

func TestAnthropicProvider_CallErrors(t *testing.T) {
	tests := []struct {
		name string
		resp testutil.MockResponse
		kind Kind
	}{
		{"rate limited", testutil.MockErrorResponse(429, "slow down"), KindRateLimited},
		{"unauthorized", testutil.MockErrorResponse(401, "bad key"), KindAuth},
		{"forbidden", testutil.MockErrorResponse(403, "no access"), KindAuth},
		{"server error", testutil.MockErrorResponse(500, "boom"), KindProviderAPI},
		{"overloaded", testutil.MockErrorResponse(529, "overloaded"), KindProviderAPI},
		{"malformed body", testutil.MockMalformedJSON(), KindInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockHTTPClient()
			mock.AddResponse(tt.resp)
			p := anthropicWithMock(mock)

			_, err := p.Call(context.Background(), ChatRequest{
				Messages: []Message{{Role: "user", Content: "hi"}},
			})
			testutil.RequireError(t, err)
			if got := ErrorKind(err); got != tt.kind {
				t.Errorf("kind = %s, want %s", got, tt.kind)
			}
		})
	}
}

func TestAnthropicProvider_CallRetryAfter(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	resp := testutil.MockErrorResponse(429, "slow down")
	resp.Headers["Retry-After"] = "30"
	mock.AddResponse(resp)
	p := anthropicWithMock(mock)

	_, err := p.Call(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if ErrorKind(err) != KindRateLimited {
		t.Fatalf("kind = %v", err)
	}
	var re *Error
	if !errors.As(err, &re) || re.RetryAfter != 30*time.Second {
		t.Errorf("retry after: %v", err)
	}
}

func TestAnthropicProvider_CallStatusCarried(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockErrorResponse(502, "bad gateway"))
	p := anthropicWithMock(mock)

	_, err := p.Call(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	var re *Error
	if !errors.As(err, &re) || re.Status != 502 {
		t.Errorf("status not carried: %v", err)
	}
}

// =============================================================================
// Stream
// =============================================================================

func anthropicSSE(events ...[2]string) testutil.MockResponse {
	var b strings.Builder
	for _, e := range events {
		b.WriteString("event: " + e[0] + "\n")
		b.WriteString("data: " + e[1] + "\n\n")
	}
	return testutil.MockResponse{
		StatusCode: 200,
		Body:       b.String(),
		Headers:    map[string]string{"Content-Type": "text/event-stream"},
	}
}

func TestAnthropicProvider_Stream(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(anthropicSSE(
		[2]string{"message_start", `{"message":{"id":"msg_1","model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":12}}}`},
		[2]string{"content_block_delta", `{"delta":{"type":"text_delta","text":"Hel"}}`},
		[2]string{"content_block_delta", `{"delta":{"type":"text_delta","text":"lo"}}`},
		[2]string{"message_delta", `{"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`},
		[2]string{"message_stop", `{}`},
	))
	p := anthropicWithMock(mock)

	ch, err := p.Stream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	testutil.RequireNoError(t, err)

	var deltas []string
	var final *StreamChunk
	for chunk := range ch {
		if chunk.Done {
			c := chunk
			final = &c
			continue
		}
		deltas = append(deltas, chunk.Delta)
	}

	if strings.Join(deltas, "") != "Hello" {
		t.Errorf("deltas = %v", deltas)
	}
	if final == nil {
		t.Fatal("no final chunk")
	}
	if final.FinishReason != "end_turn" {
		t.Errorf("finish reason = %s", final.FinishReason)
	}
	if final.Usage == nil || final.Usage.InputTokens != 12 || final.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", final.Usage)
	}
}

func TestAnthropicProvider_StreamRejectedUpfront(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockErrorResponse(429, "slow down"))
	p := anthropicWithMock(mock)

	_, err := p.Stream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if ErrorKind(err) != KindRateLimited {
		t.Errorf("kind = %v", err)
	}
}

// =============================================================================
// Probe and configuration
// =============================================================================

func TestAnthropicProvider_Probe(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockEmptyResponse(200))
	p := anthropicWithMock(mock)
	testutil.RequireNoError(t, p.Probe(context.Background()))

	// A 4xx still proves the API is reachable.
	mock.AddResponse(testutil.MockErrorResponse(404, "not found"))
	testutil.RequireNoError(t, p.Probe(context.Background()))

	mock.AddResponse(testutil.MockErrorResponse(503, "down"))
	testutil.RequireError(t, p.Probe(context.Background()))
}

func TestAnthropicProvider_WithID(t *testing.T) {
	p := NewAnthropicProvider("k", "").WithID("anthropic-eu")
	if p.ID() != "anthropic-eu" {
		t.Errorf("id = %s", p.ID())
	}
	if p.Model() != "claude-3-5-sonnet-20241022" {
		t.Errorf("default model = %s", p.Model())
	}
	// Pricing still resolves through the vendor, not the registry ID.
	caps := p.Capabilities()
	if caps.CostPer1KInput == 0 {
		t.Error("capabilities should carry vendor pricing")
	}
}

func TestAnthropicProvider_DefaultMaxTokens(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockAnthropicResponse("ok"))
	p := anthropicWithMock(mock)

	p.Call(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if !strings.Contains(string(mock.LastRequestBody()), `"max_tokens":4096`) {
		t.Errorf("default max_tokens missing, body: %s", mock.LastRequestBody())
	}
}
