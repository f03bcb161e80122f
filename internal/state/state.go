// Package state implements per-(user, campaign) and per-campaign experience
// state loading and mutation, including the daily counter reset and the
// fixed-capacity tier ring buffer called for over the source's unbounded
// JSON array.
package state

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/foodloop/ulde/internal/models"
)

// Store loads and mutates UserCampaignState and CampaignGlobalState rows.
// All loads inside a draw's commit transaction use row locks; the
// orchestrator's per-(user,campaign) in-process lock bounds how long
// concurrent draws for the same pair wait on them.
type Store struct {
	now func() time.Time
}

// New constructs a Store. now defaults to time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now}
}

// LoadUserCampaignState loads (and locks, inside tx) the per-user state row,
// creating a zero-value row on first draw, and resets daily counters if
// last_reset_date precedes "now" in loc.
func (s *Store) LoadUserCampaignState(tx *gorm.DB, userID, campaignID uuid.UUID, loc *time.Location) (models.UserCampaignState, error) {
	var st models.UserCampaignState
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND campaign_id = ?", userID, campaignID).
		First(&st).Error
	if err == gorm.ErrRecordNotFound {
		st = models.UserCampaignState{
			UserID:        userID,
			CampaignID:    campaignID,
			LastResetDate: s.today(loc),
			CreatedAt:     s.now(),
			UpdatedAt:     s.now(),
		}
		if err := tx.Create(&st).Error; err != nil {
			return models.UserCampaignState{}, err
		}
		return st, nil
	}
	if err != nil {
		return models.UserCampaignState{}, err
	}
	return s.resetIfNewDay(st, loc), nil
}

func (s *Store) today(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return s.now().In(loc).Format("2006-01-02")
}

func (s *Store) resetIfNewDay(st models.UserCampaignState, loc *time.Location) models.UserCampaignState {
	today := s.today(loc)
	if st.LastResetDate == today {
		return st
	}
	st.LastResetDate = today
	st.TotalDrawsToday = 0
	st.TierDailyCounts = nil
	st.TierDailyCountsJSON = nil
	return st
}

// DrawDelta describes the mutation one committed draw applies to state.
type DrawDelta struct {
	Tier    models.Tier
	Awarded bool
}

// ApplyDrawDelta increments counters and appends to the bounded ring. It
// does not persist; callers Save the returned state inside their own
// transaction.
func (s *Store) ApplyDrawDelta(st models.UserCampaignState, delta DrawDelta) models.UserCampaignState {
	st.TotalDrawsToday++
	st.LastTiers.Push(delta.Tier)

	if delta.Tier != models.TierFallback {
		if st.TierDailyCounts == nil {
			st.TierDailyCounts = make(map[models.Tier]int, len(models.NonFallbackTiersHighToLow))
		}
		st.TierDailyCounts[delta.Tier]++
	}

	if delta.Tier == models.TierFallback {
		st.EmptyStreak++
	} else {
		st.EmptyStreak = 0
	}

	if delta.Tier == models.TierHigh {
		st.HighStreak++
	} else {
		st.HighStreak = 0
	}

	st.UpdatedAt = s.now()
	return st
}

// LoadCampaignGlobalState loads (and locks, inside tx) the campaign-global
// counters, creating a zero-value row on first draw.
func (s *Store) LoadCampaignGlobalState(tx *gorm.DB, campaignID uuid.UUID) (models.CampaignGlobalState, error) {
	var st models.CampaignGlobalState
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("campaign_id = ?", campaignID).
		First(&st).Error
	if err == gorm.ErrRecordNotFound {
		st = models.CampaignGlobalState{CampaignID: campaignID, WindowStartedAt: s.now(), UpdatedAt: s.now()}
		if err := tx.Create(&st).Error; err != nil {
			return models.CampaignGlobalState{}, err
		}
		return st, nil
	}
	return st, err
}

// CampaignDelta describes the mutation one committed draw applies to
// campaign-global state.
type CampaignDelta struct {
	Awarded     bool
	CostAmount  int64
	RewardValue int64
	WindowReset time.Duration
}

// ApplyCampaignDelta updates cumulative counters and the pressure window
// accumulators, resetting the window once it exceeds windowSize.
func (s *Store) ApplyCampaignDelta(st models.CampaignGlobalState, delta CampaignDelta, windowSize time.Duration) models.CampaignGlobalState {
	st.CumulativeDraws++
	if !delta.Awarded {
		st.CumulativeEmpties++
	}

	now := s.now()
	if windowSize > 0 && now.Sub(st.WindowStartedAt) > windowSize {
		st.WindowStartedAt = now
		st.WindowCostOutflow = 0
		st.WindowRewardValue = 0
	}
	st.WindowCostOutflow += delta.CostAmount
	st.WindowRewardValue += delta.RewardValue
	st.BudgetDebt += delta.CostAmount - delta.RewardValue
	if delta.Awarded {
		st.InventoryDebt++
	}

	st.UpdatedAt = now
	return st
}
