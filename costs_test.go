package main

import (
	"testing"
)

// TestParsePrice tests lenient price string parsing
func TestParsePrice(t *testing.T) {
	tests := []struct {
		input string
		want  float64
	}{
		{"0.0000005", 0.0000005},
		{"$0.5", 0.5},
		{"1,000", 1000},
		{"$1,234.5", 1234.5},
		{" 2.5 ", 2.5},
		{"", 0},
		{"free", 0},
		{"$", 0},
	}

	for _, tt := range tests {
		if got := ParsePrice(tt.input); got != tt.want {
			t.Errorf("ParsePrice(%q) = %f, want %f", tt.input, got, tt.want)
		}
	}
}

// TestCalculateMessageCost tests per-call cost from usage and pricing
func TestCalculateMessageCost(t *testing.T) {
	pricing := map[string]ModelPricing{
		"m/priced": {Prompt: "2", Completion: "6"},
		"m/free":   {Prompt: "0", Completion: "0"},
	}
	usage := Usage{PromptTokens: 1_000_000, CompletionTokens: 500_000, TotalTokens: 1_500_000}

	// 1M prompt tokens at $2/MTok + 0.5M completion tokens at $6/MTok = $5
	if got := CalculateMessageCost(usage, "m/priced", pricing); got != 5.0 {
		t.Errorf("Priced cost = %f, want 5.0", got)
	}
	if got := CalculateMessageCost(usage, "m/free", pricing); got != 0 {
		t.Errorf("Free model cost = %f, want 0", got)
	}
	if got := CalculateMessageCost(usage, "m/unknown", pricing); got != 0 {
		t.Errorf("Unknown model cost = %f, want 0", got)
	}
}

// TestCalculateTurnCosts tests a full turn's cost breakdown
func TestCalculateTurnCosts(t *testing.T) {
	pricing := map[string]ModelPricing{
		"m/a":     {Prompt: "1", Completion: "2"},
		"m/chair": {Prompt: "3", Completion: "9"},
	}

	analysis := Analysis{
		Stage1: []Stage1Response{
			{Model: "m/a", Response: "r", Usage: &Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000, TotalTokens: 2_000_000}},
			{Model: "m/no-usage", Response: "r"},
			{Model: "m/unpriced", Response: "r", Usage: &Usage{PromptTokens: 500, CompletionTokens: 500, TotalTokens: 1000}},
		},
		Stage3: Stage3Response{
			Model:    "m/chair",
			Response: "final",
			Usage:    &Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000, TotalTokens: 2_000_000},
		},
	}

	costs := CalculateTurnCosts(analysis, pricing)

	// m/a: $1 + $2 = $3; chairman: $3 + $9 = $12. m/no-usage is skipped,
	// m/unpriced contributes tokens but no cost.
	if len(costs.Stage1) != 2 {
		t.Errorf("Stage1 entries = %d, want 2", len(costs.Stage1))
	}
	if costs.Stage3 == nil {
		t.Fatal("Stage3 cost missing")
	}
	if costs.Stage3.Cost != 12.0 {
		t.Errorf("Chairman cost = %f, want 12.0", costs.Stage3.Cost)
	}
	if costs.TotalCost != 15.0 {
		t.Errorf("Total cost = %f, want 15.0", costs.TotalCost)
	}
	if costs.TotalTokens != 4_001_000 {
		t.Errorf("Total tokens = %d, want 4001000", costs.TotalTokens)
	}
	if costs.PricedModels != 2 {
		t.Errorf("Priced models = %d, want 2", costs.PricedModels)
	}
}

// TestCalculateTurnCostsEmpty tests an analysis with no usage data at all
func TestCalculateTurnCostsEmpty(t *testing.T) {
	costs := CalculateTurnCosts(Analysis{
		Stage1: []Stage1Response{{Model: "m/a", Response: "r"}},
		Stage3: Stage3Response{Model: "m/chair", Response: "final"},
	}, nil)

	if costs.TotalCost != 0 || costs.TotalTokens != 0 {
		t.Errorf("Empty analysis costs = %+v", costs)
	}
	if costs.Stage3 != nil {
		t.Error("Stage3 cost should be nil without usage")
	}
}

// TestPricingFromCatalog tests catalog indexing
func TestPricingFromCatalog(t *testing.T) {
	models := []CatalogModel{
		{ID: "m/a", Pricing: ModelPricing{Prompt: "1", Completion: "2"}},
		{ID: "m/b", Pricing: ModelPricing{Prompt: "3", Completion: "4"}},
	}

	pricing := PricingFromCatalog(models)
	if len(pricing) != 2 {
		t.Fatalf("Pricing entries = %d, want 2", len(pricing))
	}
	if pricing["m/a"].Prompt != "1" || pricing["m/b"].Completion != "4" {
		t.Errorf("Pricing = %+v", pricing)
	}
}

// TestRoundTo tests decimal rounding
func TestRoundTo(t *testing.T) {
	tests := []struct {
		v    float64
		n    int
		want float64
	}{
		{1.2345, 2, 1.23},
		{1.235, 2, 1.24},
		{2.0, 2, 2.0},
		{66.666, 1, 66.7},
	}

	for _, tt := range tests {
		if got := roundTo(tt.v, tt.n); got != tt.want {
			t.Errorf("roundTo(%f, %d) = %f, want %f", tt.v, tt.n, got, tt.want)
		}
	}
}
