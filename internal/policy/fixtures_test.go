package policy

import (
	"testing"

	"github.com/foodloop/ulde/internal/models"
)

func validFixture() Fixture {
	return Fixture{
		CampaignID: "11111111-1111-1111-1111-111111111111",
		Campaign: FixtureCampaign{
			Status:        "active",
			CostAssetCode: "coin",
			CostPerDraw:   10,
			DailyQuota:    5,
			Timezone:      "UTC",
		},
		Prizes: []FixturePrize{
			{ID: "22222222-2222-2222-2222-222222222222", Tier: "high", BaseWeight: 1, Value: 1000, RewardAssetCode: "coin", InitialStock: 10},
		},
		Tiers: []FixtureTier{
			{Tier: "high", BaseWeight: 10},
			{Tier: "fallback", BaseWeight: 90},
		},
		Pricing: FixturePricing{
			PressureWindowSeconds: 900,
			Matrix: []models.MatrixCell{
				{BudgetTier: "B0", PressureTier: "P0", Multipliers: models.TierMultipliers{High: 1, Mid: 1, Low: 1, Fallback: 1}},
			},
		},
		Pity: []models.PityThreshold{
			{Streak: 10, Multiplier: 1.5},
			{Streak: 20, Multiplier: 1, HardPity: true},
		},
		LuckDebt: FixtureLuckDebt{SampleSufficientThreshold: 200, ExpectedEmptyRate: 0.5, BoostCeiling: 0.25},
		Streak:   FixtureStreak{ForceNonEmptyThreshold: 20, HighStreakCap: 3},
	}
}

func TestFixtureToSnapshotRoundTrips(t *testing.T) {
	snap, err := validFixture().ToSnapshot()
	if err != nil {
		t.Fatalf("ToSnapshot: %v", err)
	}
	if snap.Campaign.CostAssetCode != "coin" {
		t.Fatalf("expected campaign fields copied through")
	}
	if len(snap.Prizes) != 1 || snap.Prizes[0].RemainingStock != 10 {
		t.Fatalf("expected remaining stock initialised to initial stock")
	}
	if len(snap.Tiers) != 2 {
		t.Fatalf("expected 2 tier rules")
	}
}

func TestFixtureToSnapshotRejectsZeroFallbackMultiplier(t *testing.T) {
	f := validFixture()
	f.Pricing.Matrix[0].Multipliers.Fallback = 0
	if _, err := f.ToSnapshot(); err == nil {
		t.Fatalf("expected validation error for a zero fallback multiplier")
	}
}

func TestFixtureToSnapshotRejectsNonIncreasingPity(t *testing.T) {
	f := validFixture()
	f.Pity = []models.PityThreshold{
		{Streak: 20, Multiplier: 1, HardPity: true},
		{Streak: 10, Multiplier: 1.5},
	}
	if _, err := f.ToSnapshot(); err == nil {
		t.Fatalf("expected validation error for a non-increasing pity ladder")
	}
}

func TestFixtureToSnapshotRejectsMissingHardPityTail(t *testing.T) {
	f := validFixture()
	f.Pity = []models.PityThreshold{{Streak: 10, Multiplier: 1.5}}
	if _, err := f.ToSnapshot(); err == nil {
		t.Fatalf("expected validation error when the ladder's last entry is not hard_pity")
	}
}

func TestFixtureToSnapshotRejectsBadUUID(t *testing.T) {
	f := validFixture()
	f.CampaignID = "not-a-uuid"
	if _, err := f.ToSnapshot(); err == nil {
		t.Fatalf("expected error for an invalid campaign id")
	}
}
