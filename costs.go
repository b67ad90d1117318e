package main

import (
	"math"
	"strconv"
	"strings"
)

// roundTo rounds v to n decimal places.
func roundTo(v float64, n int) float64 {
	factor := math.Pow(10, float64(n))
	return math.Round(v*factor) / factor
}

// ParsePrice parses a catalog price string leniently. Prices arrive as plain
// numbers or with currency decoration ("$0.5", "1,000"); anything unparseable
// is treated as zero.
func ParsePrice(price string) float64 {
	cleaned := strings.TrimSpace(price)
	cleaned = strings.ReplaceAll(cleaned, "$", "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return 0
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return v
}

// CalculateMessageCost computes the cost in USD of a single call from its
// usage counters and the model's per-MTok pricing. Unknown models or missing
// prices cost zero.
func CalculateMessageCost(usage Usage, model string, pricing map[string]ModelPricing) float64 {
	p, ok := pricing[model]
	if !ok {
		return 0
	}

	promptPrice := ParsePrice(p.Prompt)
	completionPrice := ParsePrice(p.Completion)
	if promptPrice == 0 && completionPrice == 0 {
		return 0
	}

	promptCost := float64(usage.PromptTokens) / 1_000_000 * promptPrice
	completionCost := float64(usage.CompletionTokens) / 1_000_000 * completionPrice
	return promptCost + completionCost
}

// ModelCost is the cost breakdown for one model within a turn.
type ModelCost struct {
	Model string  `json:"model"`
	Cost  float64 `json:"cost"`
	Usage Usage   `json:"usage"`
}

// TurnCosts is the cost breakdown for one stored council turn.
type TurnCosts struct {
	Stage1       []ModelCost `json:"stage1"`
	Stage3       *ModelCost  `json:"stage3,omitempty"`
	TotalCost    float64     `json:"total_cost"`
	TotalTokens  int         `json:"total_tokens"`
	PricedModels int         `json:"priced_models"`
}

// CalculateTurnCosts totals the cost of a stored analysis from the model
// catalog's pricing. Stage 2 calls share Stage 1 models but their usage is
// not persisted, so the total reflects Stage 1 plus the chairman call.
func CalculateTurnCosts(analysis Analysis, pricing map[string]ModelPricing) TurnCosts {
	costs := TurnCosts{Stage1: make([]ModelCost, 0, len(analysis.Stage1))}

	for _, result := range analysis.Stage1 {
		if result.Usage == nil {
			continue
		}
		cost := CalculateMessageCost(*result.Usage, result.Model, pricing)
		costs.Stage1 = append(costs.Stage1, ModelCost{Model: result.Model, Cost: cost, Usage: *result.Usage})
		costs.TotalCost += cost
		costs.TotalTokens += result.Usage.TotalTokens
		if cost > 0 {
			costs.PricedModels++
		}
	}

	if analysis.Stage3.Usage != nil {
		cost := CalculateMessageCost(*analysis.Stage3.Usage, analysis.Stage3.Model, pricing)
		costs.Stage3 = &ModelCost{Model: analysis.Stage3.Model, Cost: cost, Usage: *analysis.Stage3.Usage}
		costs.TotalCost += cost
		costs.TotalTokens += analysis.Stage3.Usage.TotalTokens
		if cost > 0 {
			costs.PricedModels++
		}
	}

	return costs
}

// PricingFromCatalog indexes catalog entries by model ID for cost lookups.
func PricingFromCatalog(models []CatalogModel) map[string]ModelPricing {
	pricing := make(map[string]ModelPricing, len(models))
	for _, m := range models {
		pricing[m.ID] = m.Pricing
	}
	return pricing
}
