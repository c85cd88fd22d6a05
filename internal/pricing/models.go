// Package pricing values saved prompt tokens in USD.
package pricing

import (
	"sort"
	"strings"
)

// ModelPrice holds the prompt-side price of a model. Saved tokens are never
// generated, so only the input price matters.
type ModelPrice struct {
	Provider   string
	InputPer1M float64 // USD per 1M input tokens
}

var models = map[string]ModelPrice{
	// OpenAI
	"gpt-5":        {Provider: "openai", InputPer1M: 1.25},
	"gpt-5-mini":   {Provider: "openai", InputPer1M: 0.25},
	"gpt-5-nano":   {Provider: "openai", InputPer1M: 0.05},
	"gpt-4.1":      {Provider: "openai", InputPer1M: 2.00},
	"gpt-4.1-mini": {Provider: "openai", InputPer1M: 0.40},
	"gpt-4.1-nano": {Provider: "openai", InputPer1M: 0.10},
	"gpt-4o":       {Provider: "openai", InputPer1M: 2.50},
	"gpt-4o-mini":  {Provider: "openai", InputPer1M: 0.15},
	"o3":           {Provider: "openai", InputPer1M: 2.00},
	"o4-mini":      {Provider: "openai", InputPer1M: 1.10},

	// Anthropic
	"claude-opus-4":    {Provider: "anthropic", InputPer1M: 15.00},
	"claude-sonnet-4":  {Provider: "anthropic", InputPer1M: 3.00},
	"claude-haiku-4-5": {Provider: "anthropic", InputPer1M: 1.00},
	"claude-3-5-haiku": {Provider: "anthropic", InputPer1M: 0.80},
	"claude-3-haiku":   {Provider: "anthropic", InputPer1M: 0.25},

	// DeepSeek
	"deepseek-chat":     {Provider: "deepseek", InputPer1M: 0.27},
	"deepseek-reasoner": {Provider: "deepseek", InputPer1M: 0.55},
}

// Lookup returns the price of a model, or nil if unknown. Dated or
// versioned names (gpt-4o-2024-08-06, claude-sonnet-4-20250514) resolve to
// the longest known prefix.
func Lookup(model string) *ModelPrice {
	model = strings.ToLower(model)
	if p, ok := models[model]; ok {
		return &p
	}
	var bestName string
	var best ModelPrice
	for name, p := range models {
		if strings.HasPrefix(model, name) && len(name) > len(bestName) {
			bestName = name
			best = p
		}
	}
	if bestName != "" {
		return &best
	}
	return nil
}

// InputCost returns what tokens prompt tokens cost on model. Unknown models
// and non-positive counts cost nothing.
func InputCost(model string, tokens int) float64 {
	p := Lookup(model)
	if p == nil || tokens <= 0 {
		return 0
	}
	return float64(tokens) / 1_000_000 * p.InputPer1M
}

// Models returns all known model names, sorted.
func Models() []string {
	result := make([]string, 0, len(models))
	for name := range models {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}
