package calculators

import (
	"math"
	"testing"

	"github.com/foodloop/ulde/internal/models"
)

func TestBudgetTierResolverCatchAllIsB0(t *testing.T) {
	ctx := Context{Global: models.CampaignGlobalState{BudgetDebt: 10_000}}
	ctx.Pricing.BudgetTierThresholds = []models.TierThreshold{
		{UpperBound: 100, Tier: "B3"},
		{UpperBound: 500, Tier: "B2"},
	}
	out, entry := BudgetTierResolver(ctx)
	if out.BudgetTier != BudgetB0 {
		t.Fatalf("expected catch-all B0 got %s", out.BudgetTier)
	}
	if entry.Degraded {
		t.Fatalf("thresholds were configured, should not report degraded")
	}
}

func TestBudgetTierResolverNoThresholdsDegrades(t *testing.T) {
	ctx := Context{Global: models.CampaignGlobalState{BudgetDebt: 1}}
	out, entry := BudgetTierResolver(ctx)
	if out.BudgetTier != BudgetB0 {
		t.Fatalf("expected default B0 got %s", out.BudgetTier)
	}
	if !entry.Degraded {
		t.Fatalf("expected degraded trace when no thresholds configured")
	}
}

func TestPressureTierResolverCatchAllIsP2(t *testing.T) {
	ctx := Context{Global: models.CampaignGlobalState{WindowCostOutflow: 10_000}}
	ctx.Pricing.PressureTierThresholds = []models.TierThreshold{
		{UpperBound: 100, Tier: "P0"},
		{UpperBound: 500, Tier: "P1"},
	}
	out, _ := PressureTierResolver(ctx)
	if out.PressureTier != PressureP2 {
		t.Fatalf("expected catch-all P2 got %s", out.PressureTier)
	}
}

func TestPressureTierResolverDegradesToP1(t *testing.T) {
	ctx := Context{}
	out, entry := PressureTierResolver(ctx)
	if out.PressureTier != PressureP1 {
		t.Fatalf("expected degraded default P1 got %s", out.PressureTier)
	}
	if !entry.Degraded {
		t.Fatalf("expected degraded trace when no thresholds configured")
	}
}

func TestTierMatrixCalculatorAppliesMultipliers(t *testing.T) {
	ctx := Context{
		BudgetTier:   BudgetB1,
		PressureTier: PressureP0,
	}
	ctx = ctx.SetTierRules([]models.TierRule{
		{Tier: models.TierHigh, BaseWeight: 10},
		{Tier: models.TierMid, BaseWeight: 20},
		{Tier: models.TierLow, BaseWeight: 30},
		{Tier: models.TierFallback, BaseWeight: 40},
	})
	ctx.Pricing.Matrix = []models.MatrixCell{
		{
			BudgetTier:   "B1",
			PressureTier: "P0",
			Multipliers:  models.TierMultipliers{High: 3, Mid: 1, Low: 1, Fallback: 1},
		},
	}

	out, entry := TierMatrixCalculator(ctx)
	if entry.Degraded {
		t.Fatalf("configured cell should not degrade")
	}
	if math.Abs(out.Weights.Sum()-WeightScale) > 1e-6 {
		t.Fatalf("expected weights normalized to %v got %v", WeightScale, out.Weights.Sum())
	}
	// High's base*mult (30) should outweigh Mid's unmultiplied base (20).
	if out.Weights.High <= out.Weights.Mid {
		t.Fatalf("expected High weight boosted above Mid, got High=%v Mid=%v", out.Weights.High, out.Weights.Mid)
	}
}

func TestTierMatrixCalculatorUnknownCellDegrades(t *testing.T) {
	ctx := Context{BudgetTier: BudgetB2, PressureTier: PressureP2}
	ctx = ctx.SetTierRules([]models.TierRule{
		{Tier: models.TierHigh, BaseWeight: 1},
		{Tier: models.TierFallback, BaseWeight: 1},
	})
	_, entry := TierMatrixCalculator(ctx)
	if !entry.Degraded {
		t.Fatalf("expected degraded trace for an unconfigured matrix cell")
	}
}

func TestPityCalculatorHardPityZeroesFallback(t *testing.T) {
	ctx := Context{
		Weights: Weights{High: 100, Mid: 100, Low: 100, Fallback: 700},
		User:    models.UserCampaignState{EmptyStreak: 50},
	}
	ctx.Pity.Thresholds = []models.PityThreshold{
		{Streak: 10, Multiplier: 1.5, HardPity: false},
		{Streak: 40, Multiplier: 1, HardPity: true},
	}
	out, entry := PityCalculator(ctx)
	if out.PityType != "hard" {
		t.Fatalf("expected hard pity, got %s", out.PityType)
	}
	if out.Weights.Fallback != 0 {
		t.Fatalf("hard pity must zero the fallback weight, got %v", out.Weights.Fallback)
	}
	if entry.Detail["matched_streak"] != 40 {
		t.Fatalf("expected the 40-streak threshold to match, not 10")
	}
}

func TestPityCalculatorNoMatchIsPassThrough(t *testing.T) {
	ctx := Context{
		Weights: Weights{High: 1, Mid: 1, Low: 1, Fallback: 1},
		User:    models.UserCampaignState{EmptyStreak: 1},
	}
	ctx.Pity.Thresholds = []models.PityThreshold{{Streak: 10, Multiplier: 2, HardPity: false}}
	out, _ := PityCalculator(ctx)
	if out.PityType != "none" {
		t.Fatalf("expected no pity match got %s", out.PityType)
	}
	if out.Weights != ctx.Weights {
		t.Fatalf("pass-through must not alter the weight vector")
	}
}

func TestPityCalculatorMonotonicFallbackSuppression(t *testing.T) {
	base := Context{
		Weights: Weights{High: 100, Mid: 100, Low: 100, Fallback: 700},
	}
	base.Pity.Thresholds = []models.PityThreshold{
		{Streak: 5, Multiplier: 1.2, HardPity: false},
		{Streak: 10, Multiplier: 1.5, HardPity: false},
	}

	low := base
	low.User = models.UserCampaignState{EmptyStreak: 5}
	high := base
	high.User = models.UserCampaignState{EmptyStreak: 10}

	lowOut, _ := PityCalculator(low)
	highOut, _ := PityCalculator(high)

	if highOut.Weights.Fallback >= lowOut.Weights.Fallback {
		t.Fatalf("a longer streak must not leave a higher or equal fallback share: low=%v high=%v",
			lowOut.Weights.Fallback, highOut.Weights.Fallback)
	}
}

func TestLuckDebtCalculatorInsufficientSampleIsPassThrough(t *testing.T) {
	ctx := Context{
		Weights: Weights{High: 1, Mid: 1, Low: 1, Fallback: 1},
		LuckDebt: models.LuckDebtConfig{SampleSufficientThreshold: 200, ExpectedEmptyRate: 0.5},
		Global:  models.CampaignGlobalState{CumulativeDraws: 10, CumulativeEmpties: 9},
	}
	out, _ := LuckDebtCalculator(ctx)
	if out.LuckDebtTier != "none" {
		t.Fatalf("expected pass-through below sample threshold, got %s", out.LuckDebtTier)
	}
	if out.Weights != ctx.Weights {
		t.Fatalf("insufficient-sample path must not change weights")
	}
}

func TestLuckDebtCalculatorBoostsAboveExpectedRate(t *testing.T) {
	ctx := Context{
		Weights:  Weights{High: 100, Mid: 100, Low: 100, Fallback: 700},
		LuckDebt: models.LuckDebtConfig{SampleSufficientThreshold: 200, ExpectedEmptyRate: 0.5, BoostCeiling: 0.25},
		Global:   models.CampaignGlobalState{CumulativeDraws: 1000, CumulativeEmpties: 700},
	}
	out, entry := LuckDebtCalculator(ctx)
	if out.LuckDebtTier == "none" {
		t.Fatalf("expected a boost tier above the expected empty rate")
	}
	if out.Weights.High/out.Weights.Sum() <= ctx.Weights.High/ctx.Weights.Sum() {
		t.Fatalf("expected High's share of the total to grow after the boost")
	}
	if entry.Detail["boost"].(float64) > ctx.LuckDebt.BoostCeiling {
		t.Fatalf("boost must be clamped to BoostCeiling")
	}
}

func TestCheckQuotaDailyLimit(t *testing.T) {
	state := models.UserCampaignState{TotalDrawsToday: 5}
	result := CheckQuota(state, 5, nil, nil)
	if result.Allowed {
		t.Fatalf("expected quota exhausted at the daily limit")
	}
	if result.Dimension != "daily" {
		t.Fatalf("expected daily dimension got %s", result.Dimension)
	}
}

func TestCheckQuotaTierCap(t *testing.T) {
	state := models.UserCampaignState{TotalDrawsToday: 1}
	caps := map[models.Tier]int{models.TierHigh: 2}
	counts := map[models.Tier]int{models.TierHigh: 2}
	result := CheckQuota(state, 10, caps, counts)
	if result.Allowed {
		t.Fatalf("expected tier cap to block the draw")
	}
	if result.Dimension != "tier:high" {
		t.Fatalf("expected tier:high dimension got %s", result.Dimension)
	}
}

func TestCheckQuotaAllowed(t *testing.T) {
	state := models.UserCampaignState{TotalDrawsToday: 1}
	result := CheckQuota(state, 10, nil, nil)
	if !result.Allowed {
		t.Fatalf("expected quota allowed")
	}
}

func TestAntiEmptyStreakHandlerForcesNonFallback(t *testing.T) {
	ctx := Context{
		User:   models.UserCampaignState{EmptyStreak: 25},
		Streak: models.StreakConfig{ForceNonEmptyThreshold: 20},
	}
	avail := TierAvailability{models.TierLow: true, models.TierMid: true, models.TierHigh: true}
	tier, entry := AntiEmptyStreakHandler(ctx, models.TierFallback, avail)
	if tier != models.TierLow {
		t.Fatalf("expected the first-preference available tier (low) got %s", tier)
	}
	if entry.Detail["forced"] != true {
		t.Fatalf("expected forced=true in trace")
	}
}

func TestAntiEmptyStreakHandlerNoneAvailableKeepsFallback(t *testing.T) {
	ctx := Context{
		User:   models.UserCampaignState{EmptyStreak: 25},
		Streak: models.StreakConfig{ForceNonEmptyThreshold: 20},
	}
	tier, entry := AntiEmptyStreakHandler(ctx, models.TierFallback, TierAvailability{})
	if tier != models.TierFallback {
		t.Fatalf("expected fallback retained when nothing is available, got %s", tier)
	}
	if entry.Detail["reason"] != "no_available" {
		t.Fatalf("expected reason=no_available")
	}
}

func TestAntiEmptyStreakHandlerBelowThresholdNoOp(t *testing.T) {
	ctx := Context{
		User:   models.UserCampaignState{EmptyStreak: 1},
		Streak: models.StreakConfig{ForceNonEmptyThreshold: 20},
	}
	tier, _ := AntiEmptyStreakHandler(ctx, models.TierFallback, TierAvailability{models.TierLow: true})
	if tier != models.TierFallback {
		t.Fatalf("expected no override below the streak threshold")
	}
}

func TestAntiHighStreakHandlerDowngradesToMid(t *testing.T) {
	ctx := Context{
		User:   models.UserCampaignState{HighStreak: 3},
		Streak: models.StreakConfig{HighStreakCap: 3},
	}
	tier, entry := AntiHighStreakHandler(ctx, models.TierHigh)
	if tier != models.TierMid {
		t.Fatalf("expected downgrade to mid got %s", tier)
	}
	if entry.Detail["tier_capped"] != true {
		t.Fatalf("expected tier_capped=true in trace")
	}
}

func TestAntiHighStreakHandlerUnderCapNoOp(t *testing.T) {
	ctx := Context{
		User:   models.UserCampaignState{HighStreak: 1},
		Streak: models.StreakConfig{HighStreakCap: 3},
	}
	tier, _ := AntiHighStreakHandler(ctx, models.TierHigh)
	if tier != models.TierHigh {
		t.Fatalf("expected no downgrade under the cap")
	}
}
