package proxy

import (
	"math"
	"time"
)

type (
	usageLimits struct {
		BudgetUSD        *float64 `json:"budget_usd"`
		Tokens           int64    `json:"tokens"`
		Requests         int64    `json:"requests"`
		MaxTokensPerCall int      `json:"max_tokens_per_call"`
	}

	usageUsed struct {
		Tokens   int64   `json:"tokens"`
		Requests int64   `json:"requests"`
		USD      float64 `json:"usd"`
	}

	usageRemaining struct {
		Tokens   int64    `json:"tokens"`
		Requests int64    `json:"requests"`
		USD      *float64 `json:"usd"`
	}

	// UsageReport is the body of GET /usage.
	UsageReport struct {
		OK           bool           `json:"ok"`
		Day          string         `json:"day"`
		Timezone     string         `json:"timezone"`
		Limits       usageLimits    `json:"limits"`
		Used         usageUsed      `json:"used"`
		Remaining    usageRemaining `json:"remaining"`
		WindowTokens int            `json:"window_tokens"`
		ResetHint    string         `json:"reset_hint"`
	}
)

// UsageReport returns today's ledger together with the configured limits
// and the remaining headroom. Remaining values never go below zero; a null
// budget means the spend ceiling is unlimited.
func (g *Gateway) UsageReport() UsageReport {
	snap := g.ledger.Snapshot()

	rep := UsageReport{
		OK:       true,
		Day:      snap.Day,
		Timezone: g.ledger.Location().String(),
		Limits: usageLimits{
			Tokens:           g.limits.Tokens,
			Requests:         g.limits.Requests,
			MaxTokensPerCall: g.policy.MaxTokensPerCall,
		},
		Used: usageUsed{
			Tokens:   snap.Tokens,
			Requests: snap.Calls,
			USD:      round6(snap.SpentUSD),
		},
		Remaining: usageRemaining{
			Tokens:   max(g.limits.Tokens-snap.Tokens, 0),
			Requests: max(g.limits.Requests-snap.Calls, 0),
		},
		ResetHint: "resets at " + g.ledger.NextReset().Format(time.RFC3339),
	}

	if !g.policy.Unlimited() {
		budget := g.policy.CeilingUSD
		left := round6(math.Max(budget-snap.SpentUSD, 0))
		rep.Limits.BudgetUSD = &budget
		rep.Remaining.USD = &left
	}

	if g.caller != nil {
		rep.WindowTokens = g.caller.WindowTokens()
	}

	return rep
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
