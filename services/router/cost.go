package router

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// ModelPricing holds per-million-token rates for one provider/model pair.
type ModelPricing struct {
	Provider         string
	Model            string
	InputPerMillion  float64
	OutputPerMillion float64
	ContextWindow    int
	MaxOutputTokens  int
	Free             bool
}

// CostPer1KInput returns the input rate per 1K tokens.
func (p ModelPricing) CostPer1KInput() float64 {
	return p.InputPerMillion / 1000
}

// CostPer1KOutput returns the output rate per 1K tokens.
func (p ModelPricing) CostPer1KOutput() float64 {
	return p.OutputPerMillion / 1000
}

// Cost calculates the cost for a usage record.
func (p ModelPricing) Cost(usage Usage) float64 {
	if p.Free {
		return 0
	}
	input := float64(usage.InputTokens) / 1_000_000 * p.InputPerMillion
	output := float64(usage.OutputTokens) / 1_000_000 * p.OutputPerMillion
	return input + output
}

type pricingEntry struct {
	in, out  float64
	ctx, max int
}

// Known model pricing, USD per million tokens. Unknown models fall back to
// the provider's declared per-1K rates.
var pricingTable = map[string]map[string]pricingEntry{
	"anthropic": {
		"claude-3-5-sonnet": {in: 3.0, out: 15.0, ctx: 200_000, max: 8_192},
		"claude-3-5-haiku":  {in: 0.80, out: 4.0, ctx: 200_000, max: 8_192},
		"claude-3-haiku":    {in: 0.25, out: 1.25, ctx: 200_000, max: 4_096},
		"claude-opus-4":     {in: 15.0, out: 75.0, ctx: 200_000, max: 32_768},
		"claude-sonnet-4":   {in: 3.0, out: 15.0, ctx: 200_000, max: 64_000},
	},
	"openai": {
		"gpt-4o":        {in: 2.50, out: 10.0, ctx: 128_000, max: 16_384},
		"gpt-4o-mini":   {in: 0.15, out: 0.60, ctx: 128_000, max: 16_384},
		"gpt-4-turbo":   {in: 10.0, out: 30.0, ctx: 128_000, max: 4_096},
		"gpt-3.5-turbo": {in: 0.50, out: 1.50, ctx: 16_385, max: 4_096},
		"o1":            {in: 15.0, out: 60.0, ctx: 128_000, max: 32_768},
	},
	"gemini": {
		"gemini-2.0-flash": {in: 0.10, out: 0.40, ctx: 1_000_000, max: 8_192},
		"gemini-1.5-pro":   {in: 1.25, out: 5.0, ctx: 2_000_000, max: 8_192},
		"gemini-1.5-flash": {in: 0.075, out: 0.30, ctx: 1_000_000, max: 8_192},
	},
	"groq": {
		"llama-3.3-70b": {in: 0.59, out: 0.79, ctx: 128_000, max: 32_768},
		"llama-3.1-8b":  {in: 0.05, out: 0.08, ctx: 128_000, max: 8_192},
	},
	"deepseek": {
		"deepseek-chat":     {in: 0.14, out: 0.28, ctx: 64_000, max: 4_096},
		"deepseek-reasoner": {in: 0.55, out: 2.19, ctx: 64_000, max: 8_192},
	},
	"ollama": {}, // local models are free
}

// PricingFor looks up pricing for a provider/model pair. Model matching is
// by prefix after normalizing dots to dashes, so dated model names like
// claude-3-5-sonnet-20241022 resolve to their family entry. Ollama models
// always resolve as free.
func PricingFor(provider, model string) (ModelPricing, bool) {
	models, ok := pricingTable[provider]
	if !ok {
		return ModelPricing{}, false
	}
	if provider == "ollama" {
		return ModelPricing{Provider: provider, Model: model, Free: true}, true
	}
	normalized := strings.ReplaceAll(model, ".", "-")
	for family, e := range models {
		if strings.HasPrefix(normalized, family) {
			return ModelPricing{
				Provider:         provider,
				Model:            model,
				InputPerMillion:  e.in,
				OutputPerMillion: e.out,
				ContextWindow:    e.ctx,
				MaxOutputTokens:  e.max,
			}, true
		}
	}
	return ModelPricing{}, false
}

// messageOverheadTokens approximates per-message structural tokens, after
// OpenAI's counting methodology.
const messageOverheadTokens = 4

// defaultMaxOutputTokens bounds the output estimate when the request does
// not set max_tokens.
const defaultMaxOutputTokens = 1024

// CostEstimator estimates request token counts and costs. Prompt tokens are
// counted with tiktoken's cl100k_base encoding when available, falling back
// to a bytes/4 heuristic when the encoding cannot be loaded (e.g. offline).
type CostEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewCostEstimator creates an estimator, loading the tiktoken encoding. The
// estimator is still usable when loading fails; it just estimates more
// coarsely.
func NewCostEstimator() *CostEstimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &CostEstimator{}
	}
	return &CostEstimator{enc: enc}
}

// PromptTokens estimates the token count of a message list.
func (e *CostEstimator) PromptTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		if e.enc != nil {
			total += len(e.enc.Encode(m.Role, nil, nil))
			total += len(e.enc.Encode(m.Content, nil, nil))
		} else {
			total += (len(m.Role) + len(m.Content) + 3) / 4
		}
		total += messageOverheadTokens
	}
	return total
}

// EstimateUsage returns the conservative token estimate for admission: the
// counted prompt tokens plus the request's full max_tokens output bound.
func (e *CostEstimator) EstimateUsage(req ChatRequest) Usage {
	out := req.MaxTokens
	if out <= 0 {
		out = defaultMaxOutputTokens
	}
	return Usage{InputTokens: e.PromptTokens(req.Messages), OutputTokens: out}
}

// EstimateCost prices an estimated usage with per-1K rates.
func EstimateCost(usage Usage, caps Capabilities) float64 {
	input := float64(usage.InputTokens) / 1000 * caps.CostPer1KInput
	output := float64(usage.OutputTokens) / 1000 * caps.CostPer1KOutput
	return input + output
}

// actualCost prices a completed request, preferring the pricing table and
// falling back to the provider's declared rates.
func actualCost(providerID, model string, usage Usage, caps Capabilities) float64 {
	if pricing, ok := PricingFor(providerID, model); ok {
		return pricing.Cost(usage)
	}
	return EstimateCost(usage, caps)
}
