// Package pricing estimates what a prepared prompt costs to send.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known model pricing as of Feb 2026. Add new models as needed.
var knownModels = map[string]ModelPricing{
	// Gemini
	"gemini-2.5-pro":   {1.25, 10.00},
	"gemini-2.5-flash": {0.075, 0.30},
	"gemini-1.5-pro":   {1.25, 5.00},
	"gemini-1.5-flash": {0.075, 0.30},
	// Anthropic
	"claude-sonnet-4-5":          {3.00, 15.00},
	"claude-haiku-4-5":           {1.00, 5.00},
	"claude-3-5-sonnet-20241022": {3.00, 15.00},
	"claude-3-5-haiku-20241022":  {0.80, 4.00},
	"claude-3-opus-20240229":     {15.00, 75.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4-turbo": {10.00, 30.00},
	"o1":          {15.00, 60.00},
	"o3-mini":     {1.10, 4.40},
}

// Lookup returns the pricing for a model id, ignoring case and spaces.
func Lookup(model string) (ModelPricing, bool) {
	p, ok := knownModels[strings.ToLower(strings.TrimSpace(model))]
	return p, ok
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models (safe default).
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

// PromptSavings returns the prompt cost avoided by sending after instead of
// before tokens. Negative token counts (unknown totals) yield 0.
func PromptSavings(model string, before, after int) float64 {
	if before < 0 || after < 0 || after >= before {
		return 0
	}
	return EstimateCost(model, before-after, 0)
}
