package usage

import (
	"math"
	"strconv"
	"strings"
)

const perMillion = 1_000_000

// BudgetPolicy is the spending configuration consumed by the gateway.
type BudgetPolicy struct {
	// CeilingUSD is the daily spend limit. +Inf means unlimited.
	CeilingUSD float64

	// Prices in USD per single input/output unit.
	PriceIn  float64
	PriceOut float64

	MaxTokensPerCall int
}

// NewBudgetPolicy builds a policy from per-million prices.
func NewBudgetPolicy(ceiling, priceInPerM, priceOutPerM float64, maxTokens int) BudgetPolicy {
	return BudgetPolicy{
		CeilingUSD:       ceiling,
		PriceIn:          priceInPerM / perMillion,
		PriceOut:         priceOutPerM / perMillion,
		MaxTokensPerCall: maxTokens,
	}
}

// Unlimited reports whether the policy has no finite ceiling.
func (p BudgetPolicy) Unlimited() bool {
	return math.IsNaN(p.CeilingUSD) || math.IsInf(p.CeilingUSD, 0)
}

// ParseCeiling interprets a configured budget value. Empty, non-numeric and
// non-finite input yields +Inf; any parsed number, zero included, is a
// real ceiling.
func ParseCeiling(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return math.Inf(1)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return math.Inf(1)
	}
	return v
}
