// Package pricing maps model ids to token rates and estimates run cost
// from exact provider usage, including prompt-cache reads and writes.
package pricing

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"spaceduck/internal/ports"
	"spaceduck/internal/shared/logging"
)

// Rate holds per-model prices in USD per 1M tokens. CacheReadDiscount is a
// multiplier on the input rate in [0,1]; CacheWriteMultiplier is a
// multiplier on the input rate, >= 0.
type Rate struct {
	InputPer1M           float64 `yaml:"input_per_1m" json:"input_per_1m"`
	OutputPer1M          float64 `yaml:"output_per_1m" json:"output_per_1m"`
	CacheReadDiscount    float64 `yaml:"cache_read_discount" json:"cache_read_discount"`
	CacheWriteMultiplier float64 `yaml:"cache_write_multiplier" json:"cache_write_multiplier"`
}

// fallbackRate applies to unknown models: conservative flat pricing with
// no cache discounts.
var fallbackRate = Rate{InputPer1M: 1.0, OutputPer1M: 5.0}

// defaultRates covers the models the gateway ships adapters for.
// Prices as of 2025, USD per 1M tokens.
func defaultRates() map[string]Rate {
	return map[string]Rate{
		"claude-sonnet-4-5":  {InputPer1M: 3.0, OutputPer1M: 15.0, CacheReadDiscount: 0.1, CacheWriteMultiplier: 1.25},
		"claude-haiku-4-5":   {InputPer1M: 1.0, OutputPer1M: 5.0, CacheReadDiscount: 0.1, CacheWriteMultiplier: 1.25},
		"claude-opus-4-1":    {InputPer1M: 15.0, OutputPer1M: 75.0, CacheReadDiscount: 0.1, CacheWriteMultiplier: 1.25},
		"gpt-4o":             {InputPer1M: 2.5, OutputPer1M: 10.0, CacheReadDiscount: 0.5},
		"gpt-4o-mini":        {InputPer1M: 0.15, OutputPer1M: 0.6, CacheReadDiscount: 0.5},
		"gpt-4.1":            {InputPer1M: 2.0, OutputPer1M: 8.0, CacheReadDiscount: 0.25},
		"deepseek-chat":      {InputPer1M: 0.27, OutputPer1M: 1.1, CacheReadDiscount: 0.25},
		"gemini-2.5-flash":   {InputPer1M: 0.3, OutputPer1M: 2.5, CacheReadDiscount: 0.25},
		"gemini-2.5-pro":     {InputPer1M: 1.25, OutputPer1M: 10.0, CacheReadDiscount: 0.25},
		"text-embedding-3-s": {InputPer1M: 0.02},
	}
}

// warnedCapacity bounds the warned-models set. Far larger than any sane
// model catalog, so warnings stay idempotent per model in practice.
const warnedCapacity = 1024

// Lookup resolves model rates and estimates costs. User overrides shadow
// defaults; unknown models fall back with a once-per-model warning.
type Lookup struct {
	mu     sync.Mutex
	rates  map[string]Rate
	warned *lru.Cache[string, struct{}]
	logger logging.Logger
}

// NewLookup builds a lookup from the default table with user overrides
// applied on top.
func NewLookup(overrides map[string]Rate, logger logging.Logger) *Lookup {
	rates := defaultRates()
	for model, rate := range overrides {
		rates[model] = rate
	}
	warned, _ := lru.New[string, struct{}](warnedCapacity)
	return &Lookup{
		rates:  rates,
		warned: warned,
		logger: logging.OrNop(logger),
	}
}

// Rate returns the rate for model, falling back for unknown models and
// warning once per model id.
func (l *Lookup) Rate(model string) Rate {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rate, ok := l.rates[model]; ok {
		return rate
	}
	if _, seen := l.warned.Get(model); !seen {
		l.warned.Add(model, struct{}{})
		l.logger.Warn("pricing: unknown model %q, using fallback rate ($%.2f in / $%.2f out per 1M)",
			model, fallbackRate.InputPer1M, fallbackRate.OutputPer1M)
	}
	return fallbackRate
}

// Known reports whether model has an explicit rate entry.
func (l *Lookup) Known(model string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rates[model]
	return ok
}

// Estimate computes the cost in USD for the given exact usage. Cache-read
// tokens are carved out of the input count and priced at the discounted
// input rate; cache-write tokens are priced at the multiplied input rate.
// With no cache fields this reduces to the naive input/output formula.
func (l *Lookup) Estimate(model string, usage ports.TokenUsage) float64 {
	rate := l.Rate(model)

	uncachedInput := usage.InputTokens - usage.CacheReadTokens
	if uncachedInput < 0 {
		uncachedInput = 0
	}

	cost := float64(uncachedInput) / 1e6 * rate.InputPer1M
	cost += float64(usage.CacheReadTokens) / 1e6 * rate.InputPer1M * rate.CacheReadDiscount
	cost += float64(usage.CacheWriteTokens) / 1e6 * rate.InputPer1M * rate.CacheWriteMultiplier
	cost += float64(usage.OutputTokens) / 1e6 * rate.OutputPer1M
	return cost
}
