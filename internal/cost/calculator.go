// Package cost estimates the dollar cost of provider calls from token usage.
package cost

import (
	"strings"

	"github.com/sells-group/buildforge/internal/model"
)

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates maps model names (or name prefixes) to pricing.
type Rates struct {
	Models map[string]ModelRate `yaml:"models" mapstructure:"models"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Rate returns the pricing for a model. An exact match wins; otherwise the
// longest configured prefix is used, so dated snapshots such as
// "claude-sonnet-4-5-20250929" price as "claude-sonnet-4-5".
func (c *Calculator) Rate(modelName string) (ModelRate, bool) {
	if r, ok := c.rates.Models[modelName]; ok {
		return r, true
	}
	best := ""
	for name := range c.rates.Models {
		if strings.HasPrefix(modelName, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelRate{}, false
	}
	return c.rates.Models[best], true
}

// Tokens computes the cost of a call. Unknown models cost 0.
func (c *Calculator) Tokens(modelName string, usage model.TokenUsage) float64 {
	rate, ok := c.Rate(modelName)
	if !ok {
		return 0
	}
	inCost := (float64(usage.InputTokens) / 1e6) * rate.Input
	outCost := (float64(usage.OutputTokens) / 1e6) * rate.Output
	return inCost + outCost
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"claude-haiku-4-5":  {Input: 1.00, Output: 5.00},
			"claude-sonnet-4-5": {Input: 3.00, Output: 15.00},
			"claude-opus-4":     {Input: 15.00, Output: 75.00},
			"gpt-4o-mini":       {Input: 0.15, Output: 0.60},
			"gpt-4o":            {Input: 2.50, Output: 10.00},
			"gpt-4.1":           {Input: 2.00, Output: 8.00},
			"llama-3.3-70b":     {Input: 0.59, Output: 0.79},
			"sonar":             {Input: 1.00, Output: 1.00},
		},
	}
}
