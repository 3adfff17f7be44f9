// Package tier holds the static per-tier parameters for metered completions.
package tier

import (
	"strings"
	"time"

	"metergate/internal/model"
)

// Period is the length of one quota window.
const Period = 30 * 24 * time.Hour

// SummaryModel and SummaryMaxTokens configure the follow-up summary call.
const (
	SummaryModel     = "gpt-4o-mini"
	SummaryMaxTokens = 60
)

type Config struct {
	Tier           model.Tier
	MonthlyQuota   int
	Temperature    float32
	MaxTokens      int
	MaxInputLength int
	Model          string
	SystemPrompt   string
}

const basePrompt = "You interpret dreams. Explain the main symbols and the emotions behind them in plain language."

var table = map[model.Tier]Config{
	model.TierBase: {
		Tier:           model.TierBase,
		MonthlyQuota:   5,
		Temperature:    0.6,
		MaxTokens:      1500,
		MaxInputLength: 1200,
		Model:          "gpt-4o-mini",
		SystemPrompt:   basePrompt + " Keep it short.",
	},
	model.TierMid: {
		Tier:           model.TierMid,
		MonthlyQuota:   40,
		Temperature:    0.7,
		MaxTokens:      2000,
		MaxInputLength: 3000,
		Model:          "gpt-4o-mini",
		SystemPrompt:   basePrompt + " Relate the symbols to each other and to the dreamer's waking life.",
	},
	model.TierTop: {
		Tier:           model.TierTop,
		MonthlyQuota:   450,
		Temperature:    0.8,
		MaxTokens:      3000,
		MaxInputLength: 8000,
		Model:          "gpt-4.1",
		SystemPrompt: basePrompt + " Give a detailed reading: symbols, emotional themes, possible " +
			"connections to recent events, and questions the dreamer could reflect on.",
	},
}

// Resolve returns the parameters for t. Unknown tiers get BASE.
func Resolve(t model.Tier) Config {
	if cfg, ok := table[t]; ok {
		return cfg
	}
	return table[model.TierBase]
}

// MonthlyQuota is shorthand for Resolve(t).MonthlyQuota.
func MonthlyQuota(t model.Tier) int {
	return Resolve(t).MonthlyQuota
}

// Parse accepts a tier name in any case.
func Parse(s string) (model.Tier, bool) {
	t := model.Tier(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := table[t]
	return t, ok
}
