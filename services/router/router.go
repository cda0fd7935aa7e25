// Package router provides the LLM request router: it selects among configured
// upstream providers under health, circuit-breaker, and budget constraints,
// attempts them in policy order with bounded fallback, and manages cancellable
// streaming sessions.
package router

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ChatRequest is one caller-issued unit of work.
type ChatRequest struct {
	Messages    []Message         `json:"messages"`
	Model       string            `json:"model,omitempty"` // optional model hint
	Provider    string            `json:"provider,omitempty"` // pin to a specific provider
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	UseCache    bool              `json:"use_cache,omitempty"`
	CacheTTL    time.Duration     `json:"-"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Usage contains token usage and cost for one request.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUSD += other.CostUSD
}

// ChatResponse is a completed non-streaming response.
type ChatResponse struct {
	ID           string        `json:"id"`
	Content      string        `json:"content"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        Usage         `json:"usage"`
	Latency      time.Duration `json:"latency"`
	Cached       bool          `json:"cached,omitempty"`
}

// StreamChunk is one increment of a streaming response. Seq is strictly
// increasing within a session and never skips or repeats.
type StreamChunk struct {
	StreamID     string `json:"stream_id"`
	Seq          int    `json:"seq"`
	Delta        string `json:"delta,omitempty"`
	Done         bool   `json:"done,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	Usage        *Usage `json:"usage,omitempty"` // only on final chunk
	Err          error  `json:"-"`               // terminal error, if any
}

// Attempt records the outcome of one candidate provider attempt.
type Attempt struct {
	Provider string        `json:"provider"`
	Outcome  string        `json:"outcome"` // succeeded, failed, skipped
	Error    string        `json:"error,omitempty"`
	Kind     Kind          `json:"kind,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// RouteDecision is the audit record of one routing attempt. It lists every
// candidate actually attempted, in attempt order, even when the final outcome
// is an error. The candidate list is empty when admission was denied before
// any attempt.
type RouteDecision struct {
	ID         string        `json:"id"`
	Strategy   Strategy      `json:"strategy"`
	Candidates []string      `json:"candidates"`
	Attempts   []Attempt     `json:"attempts"`
	Selected   string        `json:"selected,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// attempted appends an attempt record.
func (d *RouteDecision) attempted(provider, outcome string, kind Kind, err error, elapsed time.Duration) {
	a := Attempt{Provider: provider, Outcome: outcome, Kind: kind, Elapsed: elapsed}
	if err != nil {
		a.Error = err.Error()
	}
	d.Attempts = append(d.Attempts, a)
}

// Health classifies a provider's probe status.
type Health int

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthUnreachable
)

// String returns the health name.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the health name.
func (h Health) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON parses a health name.
func (h *Health) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for c := HealthHealthy; c <= HealthUnreachable; c++ {
		if c.String() == name {
			*h = c
			return nil
		}
	}
	return fmt.Errorf("unknown health %q", name)
}

// ProviderStatus is a point-in-time view of one provider's live state.
type ProviderStatus struct {
	ID           string        `json:"id"`
	Model        string        `json:"model"`
	Priority     int           `json:"priority"`
	Health       Health        `json:"health"`
	Breaker      BreakerState  `json:"breaker"`
	Cooling      bool          `json:"cooling,omitempty"`
	CoolingUntil time.Time     `json:"cooling_until,omitempty"`
	Latency      time.Duration `json:"latency_estimate"`
	Inflight     int           `json:"inflight"`
	Requests     uint64        `json:"requests"`
	Failures     uint64        `json:"failures"`
}

// BudgetStatus is a point-in-time view of one budget window.
type BudgetStatus struct {
	Period         Period         `json:"period"`
	SpentUSD       float64        `json:"spent_usd"`
	LimitUSD       float64        `json:"limit_usd"`
	Requests       int            `json:"requests"`
	Classification Classification `json:"classification"`
	PeriodStart    time.Time      `json:"period_start"`
}
