package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/foodloop/ulde/internal/models"
)

func setupStateTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestLoadUserCampaignStateCreatesZeroRow(t *testing.T) {
	db := setupStateTestDB(t)
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	store := New(func() time.Time { return now })

	userID, campaignID := uuid.New(), uuid.New()
	var st models.UserCampaignState
	err := db.Transaction(func(tx *gorm.DB) error {
		var loadErr error
		st, loadErr = store.LoadUserCampaignState(tx, userID, campaignID, nil)
		return loadErr
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.LastResetDate != "2026-07-30" {
		t.Fatalf("expected LastResetDate set to today got %s", st.LastResetDate)
	}
	if st.TotalDrawsToday != 0 {
		t.Fatalf("expected zero-value row")
	}
}

func TestLoadUserCampaignStateResetsOnNewDay(t *testing.T) {
	db := setupStateTestDB(t)
	userID, campaignID := uuid.New(), uuid.New()

	day1 := time.Date(2026, 7, 29, 23, 0, 0, 0, time.UTC)
	store := New(func() time.Time { return day1 })
	err := db.Transaction(func(tx *gorm.DB) error {
		st, loadErr := store.LoadUserCampaignState(tx, userID, campaignID, nil)
		if loadErr != nil {
			return loadErr
		}
		st = store.ApplyDrawDelta(st, DrawDelta{Tier: models.TierHigh, Awarded: true})
		st.TotalDrawsToday = 3
		return tx.Save(&st).Error
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	day2 := time.Date(2026, 7, 30, 1, 0, 0, 0, time.UTC)
	store2 := New(func() time.Time { return day2 })
	var reset models.UserCampaignState
	err = db.Transaction(func(tx *gorm.DB) error {
		var loadErr error
		reset, loadErr = store2.LoadUserCampaignState(tx, userID, campaignID, nil)
		return loadErr
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reset.TotalDrawsToday != 0 {
		t.Fatalf("expected daily counter reset on a new day, got %d", reset.TotalDrawsToday)
	}
	if reset.LastResetDate != "2026-07-30" {
		t.Fatalf("expected LastResetDate advanced, got %s", reset.LastResetDate)
	}
}

func TestApplyDrawDeltaTracksStreaks(t *testing.T) {
	store := New(time.Now)
	st := models.UserCampaignState{}

	st = store.ApplyDrawDelta(st, DrawDelta{Tier: models.TierFallback, Awarded: false})
	if st.EmptyStreak != 1 {
		t.Fatalf("expected empty streak 1 got %d", st.EmptyStreak)
	}

	st = store.ApplyDrawDelta(st, DrawDelta{Tier: models.TierHigh, Awarded: true})
	if st.EmptyStreak != 0 {
		t.Fatalf("expected empty streak reset after a non-fallback tier")
	}
	if st.HighStreak != 1 {
		t.Fatalf("expected high streak 1 got %d", st.HighStreak)
	}

	st = store.ApplyDrawDelta(st, DrawDelta{Tier: models.TierMid, Awarded: true})
	if st.HighStreak != 0 {
		t.Fatalf("expected high streak reset after a non-high tier")
	}
	if st.LastTiers.Recent(2)[0] != models.TierMid {
		t.Fatalf("expected most recent tier to be mid")
	}
}

func TestApplyCampaignDeltaResetsWindow(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	store := New(func() time.Time { return now })

	st := models.CampaignGlobalState{
		WindowStartedAt:   now.Add(-2 * time.Hour),
		WindowCostOutflow: 500,
		WindowRewardValue: 100,
	}
	out := store.ApplyCampaignDelta(st, CampaignDelta{Awarded: true, CostAmount: 10, RewardValue: 5}, time.Hour)
	if out.WindowCostOutflow != 10 || out.WindowRewardValue != 5 {
		t.Fatalf("expected window counters reset before applying this delta, got cost=%d reward=%d",
			out.WindowCostOutflow, out.WindowRewardValue)
	}
	if !out.WindowStartedAt.Equal(now) {
		t.Fatalf("expected WindowStartedAt advanced to now")
	}
}

func TestApplyCampaignDeltaTracksBudgetAndEmpties(t *testing.T) {
	store := New(time.Now)
	st := models.CampaignGlobalState{}

	out := store.ApplyCampaignDelta(st, CampaignDelta{Awarded: false, CostAmount: 100, RewardValue: 0}, 0)
	if out.CumulativeDraws != 1 || out.CumulativeEmpties != 1 {
		t.Fatalf("expected one cumulative draw counted as empty")
	}
	if out.BudgetDebt != 100 {
		t.Fatalf("expected budget debt to grow by unspent cost, got %d", out.BudgetDebt)
	}

	out = store.ApplyCampaignDelta(out, CampaignDelta{Awarded: true, CostAmount: 100, RewardValue: 150}, 0)
	if out.InventoryDebt != 1 {
		t.Fatalf("expected inventory debt incremented on award")
	}
	if out.BudgetDebt != 50 {
		t.Fatalf("expected budget debt to net the reward payout, got %d", out.BudgetDebt)
	}
}
