package calculators

import (
	"sort"

	"github.com/foodloop/ulde/internal/models"
)

// PressureTierResolver maps a short-window award pressure metric — recent
// cost outflow minus recent reward value, tracked incrementally in
// CampaignGlobalState's window counters rather than scanned per draw from
// the transaction log — to tiers P0..P2. Same closed-above threshold
// semantics as BudgetTierResolver. A missing threshold ladder degrades to P1,
// the configuration-silence default spelled out for the matrix stage and
// adopted here too.
func PressureTierResolver(ctx Context) (Context, TraceEntry) {
	pressure := ctx.Global.WindowCostOutflow - ctx.Global.WindowRewardValue
	thresholds := append([]models.TierThreshold(nil), ctx.Pricing.PressureTierThresholds...)
	sort.Slice(thresholds, func(i, j int) bool { return thresholds[i].UpperBound < thresholds[j].UpperBound })

	degraded := len(thresholds) == 0
	tier := PressureP1
	if !degraded {
		tier = PressureP2 // catch-all: pressure exceeds every configured threshold
		for _, t := range thresholds {
			if pressure <= t.UpperBound {
				tier = PressureTier(t.Tier)
				break
			}
		}
	}

	ctx.PressureTier = tier
	return ctx, TraceEntry{
		Stage: "PressureTierResolver",
		Detail: map[string]any{
			"pressure":      pressure,
			"pressure_tier": string(tier),
		},
		Degraded: degraded,
	}
}
