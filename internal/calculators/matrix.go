package calculators

import "github.com/foodloop/ulde/internal/models"

// TierMatrixCalculator looks up the multiplier vector for the resolved
// (budget_tier, pressure_tier) cell, applies it elementwise to the base tier
// weights, filters out zero-multiplier tiers, and renormalises to
// WeightScale. Unknown (budget_tier, pressure_tier) combinations degrade
// deterministically to (B0, P1) rather than failing the draw.
func TierMatrixCalculator(ctx Context) (Context, TraceEntry) {
	base := Weights{
		High: float64(weightFor(ctx, models.TierHigh)),
		Mid:  float64(weightFor(ctx, models.TierMid)),
		Low:  float64(weightFor(ctx, models.TierLow)),
	}
	base.Fallback = float64(weightFor(ctx, models.TierFallback))

	cell, found := lookupCell(ctx.Pricing.Matrix, ctx.BudgetTier, ctx.PressureTier)
	degraded := !found
	if !found {
		cell, found = lookupCell(ctx.Pricing.Matrix, BudgetB0, PressureP1)
	}

	mult := cell.Multipliers
	applied := Weights{
		High:     base.High * mult.High,
		Mid:      base.Mid * mult.Mid,
		Low:      base.Low * mult.Low,
		Fallback: base.Fallback * mult.Fallback,
	}

	// Fallback multiplier of 0 is a configuration error: fallback must always
	// be reachable. Calculators never fail a draw, so keep fallback at its
	// unmultiplied base weight instead and flag it for the caller.
	configInvalid := found && mult.Fallback == 0
	if configInvalid {
		applied.Fallback = base.Fallback
	}

	normalized := applied.Normalize(WeightScale)
	ctx.Weights = normalized

	return ctx, TraceEntry{
		Stage: "TierMatrixCalculator",
		Detail: map[string]any{
			"budget_tier":      string(ctx.BudgetTier),
			"pressure_tier":    string(ctx.PressureTier),
			"multipliers":      mult,
			"weights":          normalized,
			"fallback_invalid": configInvalid,
		},
		Degraded: degraded,
	}
}

func weightFor(ctx Context, tier models.Tier) int64 {
	for _, rule := range ctx.tierRules() {
		if rule.Tier == tier {
			return rule.BaseWeight
		}
	}
	return 0
}

// tierRules is populated by the orchestrator from the campaign's TierRule
// rows; stored on Context via SetTierRules to keep the calculator signature
// pure (no hidden DB access).
func (c Context) tierRules() []models.TierRule {
	return c.rules
}

// SetTierRules attaches the campaign's per-tier base weights to ctx. Called
// once by the orchestrator before running the pipeline.
func (c Context) SetTierRules(rules []models.TierRule) Context {
	c.rules = rules
	return c
}

func lookupCell(cells []models.MatrixCell, budget BudgetTier, pressure PressureTier) (models.MatrixCell, bool) {
	for _, cell := range cells {
		if cell.BudgetTier == string(budget) && cell.PressureTier == string(pressure) {
			return cell, true
		}
	}
	return models.MatrixCell{}, false
}
