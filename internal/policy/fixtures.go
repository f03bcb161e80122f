package policy

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/foodloop/ulde/internal/models"
)

// Fixture is the YAML-authored shape of one campaign's static policy,
// loadable for local development and integration tests without a running
// admin/authoring subsystem.
type Fixture struct {
	CampaignID string               `yaml:"campaign_id"`
	Campaign   FixtureCampaign      `yaml:"campaign"`
	Prizes     []FixturePrize       `yaml:"prizes"`
	Tiers      []FixtureTier        `yaml:"tiers"`
	Pricing    FixturePricing       `yaml:"pricing"`
	Pity       []models.PityThreshold `yaml:"pity"`
	LuckDebt   FixtureLuckDebt      `yaml:"luck_debt"`
	Streak     FixtureStreak        `yaml:"streak"`
}

type FixtureCampaign struct {
	Status        string `yaml:"status"`
	CostAssetCode string `yaml:"cost_asset_code"`
	CostPerDraw   int64  `yaml:"cost_per_draw"`
	DailyQuota    int    `yaml:"daily_quota"`
	Timezone      string `yaml:"timezone"`
}

type FixturePrize struct {
	ID              string `yaml:"id"`
	Tier            string `yaml:"tier"`
	BaseWeight      int64  `yaml:"base_weight"`
	Value           int64  `yaml:"value"`
	RewardAssetCode string `yaml:"reward_asset_code"`
	InitialStock    int64  `yaml:"initial_stock"`
}

type FixtureTier struct {
	Tier            string `yaml:"tier"`
	BaseWeight      int64  `yaml:"base_weight"`
	DailyCapPerUser int    `yaml:"daily_cap_per_user"`
	HardStockFloor  int64  `yaml:"hard_stock_floor"`
}

type FixturePricing struct {
	PressureWindowSeconds  int                    `yaml:"pressure_window_seconds"`
	BudgetTierThresholds   []models.TierThreshold `yaml:"budget_tier_thresholds"`
	PressureTierThresholds []models.TierThreshold `yaml:"pressure_tier_thresholds"`
	Matrix                 []models.MatrixCell    `yaml:"matrix"`
}

type FixtureLuckDebt struct {
	SampleSufficientThreshold int64   `yaml:"sample_sufficient_threshold"`
	ExpectedEmptyRate         float64 `yaml:"expected_empty_rate"`
	BoostCeiling              float64 `yaml:"boost_ceiling"`
}

type FixtureStreak struct {
	ForceNonEmptyThreshold int `yaml:"force_non_empty_threshold"`
	HighStreakCap          int `yaml:"high_streak_cap"`
}

// LoadFixtureFile reads a YAML policy fixture from path, mirroring the
// otc-gateway payout policy loader's decode-then-validate shape.
func LoadFixtureFile(path string) (Fixture, error) {
	file, err := os.Open(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("open fixture: %w", err)
	}
	defer file.Close()

	var fixture Fixture
	if err := yaml.NewDecoder(file).Decode(&fixture); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	return fixture, nil
}

// ToSnapshot converts a parsed Fixture into a Snapshot suitable for seeding
// a database or for direct in-memory use in tests.
func (f Fixture) ToSnapshot() (*Snapshot, error) {
	campaignID, err := uuid.Parse(f.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("invalid campaign_id: %w", err)
	}

	snap := &Snapshot{
		Version: 1,
		Campaign: models.Campaign{
			ID:            campaignID,
			Status:        models.CampaignStatus(f.Campaign.Status),
			CostAssetCode: f.Campaign.CostAssetCode,
			CostPerDraw:   f.Campaign.CostPerDraw,
			DailyQuota:    f.Campaign.DailyQuota,
			Timezone:      f.Campaign.Timezone,
		},
		Pricing: models.PricingConfig{
			CampaignID:             campaignID,
			PressureWindowSeconds:  f.Pricing.PressureWindowSeconds,
			BudgetTierThresholds:   f.Pricing.BudgetTierThresholds,
			PressureTierThresholds: f.Pricing.PressureTierThresholds,
			Matrix:                 f.Pricing.Matrix,
		},
		Pity: models.PityConfig{
			CampaignID: campaignID,
			Thresholds: f.Pity,
		},
		LuckDebt: models.LuckDebtConfig{
			CampaignID:                campaignID,
			SampleSufficientThreshold: f.LuckDebt.SampleSufficientThreshold,
			ExpectedEmptyRate:         f.LuckDebt.ExpectedEmptyRate,
			BoostCeiling:              f.LuckDebt.BoostCeiling,
		},
		Streak: models.StreakConfig{
			CampaignID:             campaignID,
			ForceNonEmptyThreshold: f.Streak.ForceNonEmptyThreshold,
			HighStreakCap:          f.Streak.HighStreakCap,
		},
	}

	for _, p := range f.Prizes {
		id, err := uuid.Parse(p.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid prize id %q: %w", p.ID, err)
		}
		snap.Prizes = append(snap.Prizes, models.Prize{
			ID:              id,
			CampaignID:      campaignID,
			Tier:            models.Tier(p.Tier),
			BaseWeight:      p.BaseWeight,
			Value:           p.Value,
			RewardAssetCode: p.RewardAssetCode,
			InitialStock:    p.InitialStock,
			RemainingStock:  p.InitialStock,
			Status:          models.PrizeStatusActive,
		})
	}
	for _, t := range f.Tiers {
		snap.Tiers = append(snap.Tiers, models.TierRule{
			CampaignID:      campaignID,
			Tier:            models.Tier(t.Tier),
			BaseWeight:      t.BaseWeight,
			DailyCapPerUser: t.DailyCapPerUser,
			HardStockFloor:  t.HardStockFloor,
		})
	}

	if err := validatePricing(snap.Pricing); err != nil {
		return nil, err
	}
	if err := validatePity(snap.Pity); err != nil {
		return nil, err
	}
	return snap, nil
}
