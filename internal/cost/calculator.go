package cost

// DefaultPricing provides reasonable defaults for generation cost tracking.
// Prices are in USD and follow the public gpt-4o-mini / tts-1 rate card.
var DefaultPricing = Pricing{
	PromptPer1K:     0.00015, // per 1K prompt tokens
	CompletionPer1K: 0.0006,  // per 1K completion tokens
	TTSPer1KChars:   0.015,   // per 1K synthesized characters
}

// Pricing holds cost rate configuration.
type Pricing struct {
	PromptPer1K     float64 `json:"prompt_per_1k"`     // Cost per 1K prompt tokens
	CompletionPer1K float64 `json:"completion_per_1k"` // Cost per 1K completion tokens
	TTSPer1KChars   float64 `json:"tts_per_1k_chars"`  // Cost per 1K characters of speech
}

// CallCost represents the cost breakdown for a single model call.
type CallCost struct {
	PromptCost     float64 `json:"prompt_cost"`     // Prompt token fee
	CompletionCost float64 `json:"completion_cost"` // Completion token fee
	TTSCost        float64 `json:"tts_cost"`        // Speech synthesis fee (0 when TTS is off)
	TotalCost      float64 `json:"total_cost"`
}

// RunCostSummary aggregates costs for a generation run.
type RunCostSummary struct {
	Model            string  `json:"model"`
	TotalCost        float64 `json:"total_cost"`
	PromptCost       float64 `json:"prompt_cost"`
	CompletionCost   float64 `json:"completion_cost"`
	TTSCost          float64 `json:"tts_cost"`
	Calls            int64   `json:"calls"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TTSChars         int64   `json:"tts_chars"`
	AvgCostPerCall   float64 `json:"avg_cost_per_call"`
}

// Calculator computes model call costs given a pricing model.
type Calculator struct {
	pricing Pricing
}

// NewCalculator creates a cost calculator with the given pricing.
func NewCalculator(pricing Pricing) *Calculator {
	return &Calculator{pricing: pricing}
}

// NewDefaultCalculator creates a cost calculator with default pricing.
func NewDefaultCalculator() *Calculator {
	return &Calculator{pricing: DefaultPricing}
}

// CalcCall calculates the cost of a single generation call.
func (c *Calculator) CalcCall(promptTokens, completionTokens, ttsChars int64) CallCost {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	if ttsChars < 0 {
		ttsChars = 0
	}

	promptCost := float64(promptTokens) / 1000.0 * c.pricing.PromptPer1K
	completionCost := float64(completionTokens) / 1000.0 * c.pricing.CompletionPer1K
	ttsCost := float64(ttsChars) / 1000.0 * c.pricing.TTSPer1KChars

	return CallCost{
		PromptCost:     promptCost,
		CompletionCost: completionCost,
		TTSCost:        ttsCost,
		TotalCost:      promptCost + completionCost + ttsCost,
	}
}

// GetPricing returns the current pricing configuration.
func (c *Calculator) GetPricing() Pricing {
	return c.pricing
}

// AggregateRunCost computes a cost summary from raw usage counters.
// Costs are linear in tokens and characters, so aggregating the totals
// gives the same result as summing per-call breakdowns.
func AggregateRunCost(model string, calls, promptTokens, completionTokens, ttsChars int64, pricing Pricing) *RunCostSummary {
	calc := NewCalculator(pricing)
	total := calc.CalcCall(promptTokens, completionTokens, ttsChars)

	var avgCost float64
	if calls > 0 {
		avgCost = total.TotalCost / float64(calls)
	}

	return &RunCostSummary{
		Model:            model,
		TotalCost:        total.TotalCost,
		PromptCost:       total.PromptCost,
		CompletionCost:   total.CompletionCost,
		TTSCost:          total.TTSCost,
		Calls:            calls,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TTSChars:         ttsChars,
		AvgCostPerCall:   avgCost,
	}
}
