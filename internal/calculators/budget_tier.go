package calculators

import (
	"sort"

	"github.com/foodloop/ulde/internal/models"
)

// BudgetTierResolver maps campaign budget_debt to a discrete tier B0..B3.
// Thresholds are closed-above intervals sorted ascending by UpperBound; the
// first threshold whose UpperBound is not exceeded by debt wins. B0 is the
// catch-all when debt exceeds every configured threshold, or when no
// thresholds are configured at all (deterministic degradation).
func BudgetTierResolver(ctx Context) (Context, TraceEntry) {
	debt := ctx.Global.BudgetDebt
	thresholds := append([]models.TierThreshold(nil), ctx.Pricing.BudgetTierThresholds...)
	sort.Slice(thresholds, func(i, j int) bool { return thresholds[i].UpperBound < thresholds[j].UpperBound })

	degraded := len(thresholds) == 0
	tier := BudgetB0
	for _, t := range thresholds {
		if debt <= t.UpperBound {
			tier = BudgetTier(t.Tier)
			break
		}
	}

	ctx.BudgetTier = tier
	return ctx, TraceEntry{
		Stage: "BudgetTierResolver",
		Detail: map[string]any{
			"budget_debt": debt,
			"budget_tier": string(tier),
		},
		Degraded: degraded,
	}
}
