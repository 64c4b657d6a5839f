package model

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

// Pricing defines USD cost per 1M tokens for input/output.
type Pricing struct {
	InputPerM  float64
	OutputPerM float64
}

// defaultPricing provides USD pricing per 1M text tokens, keyed by bare model name.
var defaultPricing = map[string]Pricing{
	"gemini-2.5-flash":      {InputPerM: 0.30, OutputPerM: 2.50},
	"gemini-2.5-flash-lite": {InputPerM: 0.10, OutputPerM: 0.40},
	"gemini-2.5-pro":        {InputPerM: 1.25, OutputPerM: 10.00},
	"gpt-4o":                {InputPerM: 2.50, OutputPerM: 10.00},
	"gpt-4o-mini":           {InputPerM: 0.15, OutputPerM: 0.60},
	"gpt-4.1-mini":          {InputPerM: 0.40, OutputPerM: 1.60},
	"claude-3-5-haiku":      {InputPerM: 0.80, OutputPerM: 4.00},
	"claude-sonnet-4":       {InputPerM: 3.00, OutputPerM: 15.00},
}

// ResolvePricing returns pricing for a model reference. Both "provider/model" and
// bare model names resolve; unknown models price at zero.
func ResolvePricing(ref string) Pricing {
	name := ref
	if _, m, ok := strings.Cut(ref, "/"); ok {
		name = m
	}
	if p, ok := defaultPricing[name]; ok {
		return p
	}
	// dated snapshots, e.g. claude-3-5-haiku-20241022; longest prefix wins
	var best string
	for prefix := range defaultPricing {
		if strings.HasPrefix(name, prefix+"-") && len(prefix) > len(best) {
			best = prefix
		}
	}
	return defaultPricing[best]
}

// ComputeCost converts token usage to USD cost using per-1M Pricing.
func ComputeCost(usage *schema.TokenUsage, p Pricing) (inputCost, outputCost, total float64) {
	if usage == nil {
		return 0, 0, 0
	}
	inputCost = p.InputPerM * float64(usage.PromptTokens) / 1_000_000.0
	outputCost = p.OutputPerM * float64(usage.CompletionTokens) / 1_000_000.0
	total = inputCost + outputCost
	return
}

// AddUsage accumulates b into a, allocating a when nil.
func AddUsage(a, b *schema.TokenUsage) *schema.TokenUsage {
	if b == nil {
		return a
	}
	if a == nil {
		a = &schema.TokenUsage{}
	}
	a.PromptTokens += b.PromptTokens
	a.CompletionTokens += b.CompletionTokens
	a.TotalTokens += b.TotalTokens
	return a
}
