package cost

import "sync"

// ModelPricing prices one upstream model per thousand tokens.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Usage is the token count a completion reported.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

var defaultPricing = map[string]ModelPricing{
	"claude-opus-4":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-sonnet-4":   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-haiku-3-5":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"gpt-4o":            {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":       {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gemini-2.5-pro":    {InputPer1K: 0.00125, OutputPer1K: 0.01},
	"gemini-2.5-flash":  {InputPer1K: 0.0003, OutputPer1K: 0.0025},
	"gemini-2.0-flash":  {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	"deepseek-chat":     {InputPer1K: 0.00027, OutputPer1K: 0.0011},
	"deepseek-reasoner": {InputPer1K: 0.00055, OutputPer1K: 0.00219},
}

// Calculator estimates the dollar cost of a completion from reported token
// usage, for outcome reports that carry tokens instead of a price. Unknown
// models estimate to zero; an explicit reported cost always wins.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

// NewCalculator starts from the built-in table. The table is copied so
// SetPricing on one instance never leaks into another.
func NewCalculator() *Calculator {
	pricing := make(map[string]ModelPricing, len(defaultPricing))
	for model, p := range defaultPricing {
		pricing[model] = p
	}
	return &Calculator{pricing: pricing}
}

func (c *Calculator) Calculate(model string, usage Usage) float64 {
	c.mu.RLock()
	pricing, ok := c.pricing[model]
	c.mu.RUnlock()
	if !ok {
		return 0
	}

	inputCost := float64(usage.InputTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(usage.OutputTokens) / 1000 * pricing.OutputPer1K

	return inputCost + outputCost
}

// SetPricing adds or overrides one model's price.
func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	c.pricing[model] = pricing
	c.mu.Unlock()
}
