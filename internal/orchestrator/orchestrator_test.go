package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/foodloop/ulde/internal/errs"
	"github.com/foodloop/ulde/internal/ledger"
	"github.com/foodloop/ulde/internal/models"
	"github.com/foodloop/ulde/internal/policy"
	"github.com/foodloop/ulde/internal/selector"
	"github.com/foodloop/ulde/internal/state"
)

func setupOrchestratorTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// sqlite is single-writer: serialize connections so concurrent callers
	// queue on the connection pool rather than racing into SQLITE_BUSY.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("underlying sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db
}

type testCampaign struct {
	id     uuid.UUID
	prizes []models.Prize
}

// seedBasicCampaign creates a campaign active now, with one prize per
// non-fallback tier (no fallback prize), a trivial pricing matrix and no
// pity/streak pressure.
func seedBasicCampaign(t *testing.T, db *gorm.DB, now time.Time) testCampaign {
	t.Helper()
	campaignID := uuid.New()
	campaign := models.Campaign{
		ID: campaignID, Status: models.CampaignActive, CostAssetCode: "coin", CostPerDraw: 10,
		DailyQuota: 0, Timezone: "UTC", StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour),
		CreatedAt: now, UpdatedAt: now,
	}
	if err := db.Create(&campaign).Error; err != nil {
		t.Fatalf("seed campaign: %v", err)
	}

	rules := []models.TierRule{
		{CampaignID: campaignID, Tier: models.TierHigh, BaseWeight: 10},
		{CampaignID: campaignID, Tier: models.TierMid, BaseWeight: 10},
		{CampaignID: campaignID, Tier: models.TierLow, BaseWeight: 10},
		{CampaignID: campaignID, Tier: models.TierFallback, BaseWeight: 70},
	}
	for i := range rules {
		if err := db.Create(&rules[i]).Error; err != nil {
			t.Fatalf("seed tier rule: %v", err)
		}
	}

	pricing := models.PricingConfig{
		CampaignID:            campaignID,
		PressureWindowSeconds: 900,
		BudgetTierThresholds:  []models.TierThreshold{{UpperBound: 1_000_000, Tier: "B0"}},
		PressureTierThresholds: []models.TierThreshold{{UpperBound: 1_000_000, Tier: "P0"}},
		Matrix: []models.MatrixCell{
			{BudgetTier: "B0", PressureTier: "P0", Multipliers: models.TierMultipliers{High: 1, Mid: 1, Low: 1, Fallback: 1}},
		},
	}
	if err := db.Create(&pricing).Error; err != nil {
		t.Fatalf("seed pricing: %v", err)
	}

	pity := models.PityConfig{CampaignID: campaignID}
	if err := db.Create(&pity).Error; err != nil {
		t.Fatalf("seed pity: %v", err)
	}
	luckDebt := models.LuckDebtConfig{CampaignID: campaignID, ExpectedEmptyRate: 0.7}
	if err := db.Create(&luckDebt).Error; err != nil {
		t.Fatalf("seed luck debt: %v", err)
	}
	streak := models.StreakConfig{CampaignID: campaignID, ForceNonEmptyThreshold: 20, HighStreakCap: 3}
	if err := db.Create(&streak).Error; err != nil {
		t.Fatalf("seed streak: %v", err)
	}

	prizes := []models.Prize{
		newPrize(campaignID, models.TierHigh, 1, 1000, 5),
		newPrize(campaignID, models.TierMid, 1, 100, 5),
		newPrize(campaignID, models.TierLow, 1, 10, 5),
	}
	for i := range prizes {
		if err := db.Create(&prizes[i]).Error; err != nil {
			t.Fatalf("seed prize: %v", err)
		}
	}

	return testCampaign{id: campaignID, prizes: prizes}
}

func newPrize(campaignID uuid.UUID, tier models.Tier, weight, value, stock int64) models.Prize {
	return models.Prize{
		ID: uuid.New(), CampaignID: campaignID, Tier: tier, BaseWeight: weight, Value: value,
		RewardAssetCode: "coin_reward", InitialStock: stock, RemainingStock: stock, Status: models.PrizeStatusActive,
	}
}

func newTestOrchestrator(db *gorm.DB, now time.Time, seed selector.SeedFunc) *Orchestrator {
	clock := func() time.Time { return now }
	return New(Config{
		DB:          db,
		Policies:    policy.New(db, nil, time.Minute),
		Ledger:      ledger.New(db, clock),
		States:      state.New(clock),
		Selector:    selector.New(seed),
		Locks:       NewLockManager(),
		Metrics:     nil,
		LockTimeout: time.Second,
		Clock:       clock,
	})
}

func fundUser(t *testing.T, db *gorm.DB, now time.Time, userID uuid.UUID, asset string, amount int64) {
	t.Helper()
	l := ledger.New(db, func() time.Time { return now })
	if _, err := l.Credit(context.Background(), userID, asset, amount, "seed-"+uuid.NewString()); err != nil {
		t.Fatalf("fund user: %v", err)
	}
}

func TestExecuteColdStartAwardsAndDebitsCost(t *testing.T) {
	db := setupOrchestratorTestDB(t)
	now := time.Now().UTC()
	campaign := seedBasicCampaign(t, db, now)
	userID := uuid.New()
	fundUser(t, db, now, userID, "coin", 1000)

	o := newTestOrchestrator(db, now, selector.FixedSeed(42))
	result, err := o.Execute(context.Background(), userID, campaign.id, "idem-1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Replayed {
		t.Fatalf("expected a fresh draw, not a replay")
	}
	if result.CostAmount != 10 {
		t.Fatalf("expected cost amount 10 got %d", result.CostAmount)
	}
	if result.AvailableCost != 990 {
		t.Fatalf("expected 990 available after a 10-cost draw, got %d", result.AvailableCost)
	}
}

func TestExecuteReplaysOnRepeatedIdempotencyKey(t *testing.T) {
	db := setupOrchestratorTestDB(t)
	now := time.Now().UTC()
	campaign := seedBasicCampaign(t, db, now)
	userID := uuid.New()
	fundUser(t, db, now, userID, "coin", 1000)

	o := newTestOrchestrator(db, now, selector.FixedSeed(42))
	first, err := o.Execute(context.Background(), userID, campaign.id, "idem-replay")
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}

	second, err := o.Execute(context.Background(), userID, campaign.id, "idem-replay")
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected the second call to be flagged as a replay")
	}
	if second.DecisionID != first.DecisionID {
		t.Fatalf("expected the replay to return the original decision id")
	}

	var count int64
	db.Model(&models.DrawRecord{}).Where("idempotency_key = ?", "idem-replay").Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly one draw record for the idempotency key, got %d", count)
	}
}

func TestExecuteInsufficientFunds(t *testing.T) {
	db := setupOrchestratorTestDB(t)
	now := time.Now().UTC()
	campaign := seedBasicCampaign(t, db, now)
	userID := uuid.New()
	// no funding

	o := newTestOrchestrator(db, now, selector.FixedSeed(42))
	_, err := o.Execute(context.Background(), userID, campaign.id, "idem-poor")
	if errs.KindOf(err) != errs.InsufficientFunds {
		t.Fatalf("expected InsufficientFunds got %v", err)
	}
}

func TestExecuteHardPityForcesNonEmpty(t *testing.T) {
	db := setupOrchestratorTestDB(t)
	now := time.Now().UTC()
	campaign := seedBasicCampaign(t, db, now)

	var pity models.PityConfig
	if err := db.Where("campaign_id = ?", campaign.id).First(&pity).Error; err != nil {
		t.Fatalf("load pity: %v", err)
	}
	pity.Thresholds = []models.PityThreshold{{Streak: 5, Multiplier: 1, HardPity: true}}
	if err := db.Save(&pity).Error; err != nil {
		t.Fatalf("update pity: %v", err)
	}

	userID := uuid.New()
	fundUser(t, db, now, userID, "coin", 10_000)

	userState := models.UserCampaignState{
		UserID: userID, CampaignID: campaign.id, EmptyStreak: 5,
		LastResetDate: now.Format("2006-01-02"), CreatedAt: now, UpdatedAt: now,
	}
	if err := db.Create(&userState).Error; err != nil {
		t.Fatalf("seed user state: %v", err)
	}

	// FixedSeed(1) with this fallback-heavy (70%) vector would normally land on
	// fallback; hard pity must zero the fallback weight before sampling.
	o := newTestOrchestrator(db, now, selector.FixedSeed(1))
	result, err := o.Execute(context.Background(), userID, campaign.id, "idem-pity")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Outcome != models.OutcomeAwarded {
		t.Fatalf("expected hard pity to force an award, got outcome %s", result.Outcome)
	}
	if result.Tier == models.TierFallback {
		t.Fatalf("expected a non-fallback tier under hard pity")
	}
}

func TestExecuteConcurrentDoubleSubmitAppliesOnce(t *testing.T) {
	db := setupOrchestratorTestDB(t)
	now := time.Now().UTC()
	campaign := seedBasicCampaign(t, db, now)
	userID := uuid.New()
	fundUser(t, db, now, userID, "coin", 1000)

	o := newTestOrchestrator(db, now, selector.FixedSeed(42))

	const workers = 5
	var wg sync.WaitGroup
	results := make([]*DrawResult, workers)
	errsOut := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errsOut[i] = o.Execute(context.Background(), userID, campaign.id, "idem-concurrent")
		}(i)
	}
	wg.Wait()

	var decisionID uuid.UUID
	for i, err := range errsOut {
		if err != nil {
			t.Fatalf("worker %d failed: %v", i, err)
		}
		if decisionID == uuid.Nil {
			decisionID = results[i].DecisionID
		} else if results[i].DecisionID != decisionID {
			t.Fatalf("expected every concurrent caller to converge on one decision id")
		}
	}

	var count int64
	db.Model(&models.DrawRecord{}).Where("idempotency_key = ?", "idem-concurrent").Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly one draw record despite %d concurrent submits, got %d", workers, count)
	}
}

func TestExecuteDepletedTiersRedirectToFallback(t *testing.T) {
	db := setupOrchestratorTestDB(t)
	now := time.Now().UTC()
	campaign := seedBasicCampaign(t, db, now)

	// Drain every non-fallback prize's stock before the draw loads its policy
	// snapshot, so whichever tier is sampled has no available prize and the
	// selector redirects to fallback; with no fallback prize seeded the draw
	// is recorded as empty.
	for _, p := range campaign.prizes {
		if err := db.Model(&models.Prize{}).Where("id = ?", p.ID).Update("remaining_stock", 0).Error; err != nil {
			t.Fatalf("drain prize: %v", err)
		}
	}

	userID := uuid.New()
	fundUser(t, db, now, userID, "coin", 1000)

	o := newTestOrchestrator(db, now, selector.FixedSeed(42))
	result, err := o.Execute(context.Background(), userID, campaign.id, "idem-stockrace")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Outcome != models.OutcomeEmpty {
		t.Fatalf("expected an empty outcome once every non-fallback prize is depleted, got %s", result.Outcome)
	}
	if result.Tier != models.TierFallback {
		t.Fatalf("expected the depleted tiers to redirect to fallback, got tier %s", result.Tier)
	}
}

func TestExecuteCampaignInactiveIsRejected(t *testing.T) {
	db := setupOrchestratorTestDB(t)
	now := time.Now().UTC()
	campaign := seedBasicCampaign(t, db, now)
	if err := db.Model(&models.Campaign{}).Where("id = ?", campaign.id).Update("status", models.CampaignPaused).Error; err != nil {
		t.Fatalf("pause campaign: %v", err)
	}

	userID := uuid.New()
	fundUser(t, db, now, userID, "coin", 1000)

	o := newTestOrchestrator(db, now, selector.FixedSeed(42))
	_, err := o.Execute(context.Background(), userID, campaign.id, "idem-paused")
	if errs.KindOf(err) != errs.CampaignUnavailable {
		t.Fatalf("expected CampaignUnavailable got %v", err)
	}
}
