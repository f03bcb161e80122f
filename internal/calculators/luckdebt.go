package calculators

// LuckDebtCalculator computes historical_empty_rate from campaign-global
// cumulative counters. Below the configured sample-sufficiency threshold it
// is a pass-through (too little data to correct against). Above it, a
// deviation above the campaign's expected empty rate boosts non-fallback
// weights proportionally, clamped to BoostCeiling; a deviation at or below
// zero makes no change.
func LuckDebtCalculator(ctx Context) (Context, TraceEntry) {
	cfg := ctx.LuckDebt
	if ctx.Global.CumulativeDraws < cfg.SampleSufficientThreshold {
		ctx.LuckDebtTier = "none"
		return ctx, TraceEntry{
			Stage:  "LuckDebtCalculator",
			Detail: map[string]any{"luck_debt_tier": "none", "reason": "insufficient_sample"},
		}
	}

	empiricalRate := float64(ctx.Global.CumulativeEmpties) / float64(ctx.Global.CumulativeDraws)
	deviation := empiricalRate - cfg.ExpectedEmptyRate

	if deviation <= 0 {
		ctx.LuckDebtTier = "none"
		return ctx, TraceEntry{
			Stage: "LuckDebtCalculator",
			Detail: map[string]any{
				"luck_debt_tier": "none",
				"deviation":      deviation,
			},
		}
	}

	boost := deviation
	if cfg.BoostCeiling > 0 && boost > cfg.BoostCeiling {
		boost = cfg.BoostCeiling
	}

	tier := "low"
	switch {
	case deviation >= cfg.BoostCeiling:
		tier = "high"
	case deviation >= cfg.BoostCeiling/2:
		tier = "medium"
	}
	ctx.LuckDebtTier = tier

	w := ctx.Weights
	factor := 1 + boost
	w.High *= factor
	w.Mid *= factor
	w.Low *= factor
	w = w.Normalize(WeightScale)
	ctx.Weights = w

	return ctx, TraceEntry{
		Stage: "LuckDebtCalculator",
		Detail: map[string]any{
			"luck_debt_tier": tier,
			"deviation":      deviation,
			"boost":          boost,
			"weights":        w,
		},
	}
}
