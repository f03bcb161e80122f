// Package models defines the gorm-backed persistence layer for the lottery
// decision engine: campaign configuration, ledger accounts, per-user
// experience state and the append-only draw record trail.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CampaignStatus enumerates the lifecycle of a lottery campaign.
type CampaignStatus string

const (
	CampaignDraft  CampaignStatus = "draft"
	CampaignActive CampaignStatus = "active"
	CampaignPaused CampaignStatus = "paused"
	CampaignEnded  CampaignStatus = "ended"
)

// Tier is the coarse prize class a draw can resolve to.
type Tier string

const (
	TierHigh     Tier = "high"
	TierMid      Tier = "mid"
	TierLow      Tier = "low"
	TierFallback Tier = "fallback"
)

// NonFallbackTiersHighToLow lists the non-fallback tiers from high to low.
// AntiEmptyStreakHandler keeps its own preference order (low, mid, high)
// and does not use this list.
var NonFallbackTiersHighToLow = []Tier{TierHigh, TierMid, TierLow}

// PrizeStatus controls catalogue visibility independent of stock.
type PrizeStatus string

const (
	PrizeStatusActive   PrizeStatus = "active"
	PrizeStatusInactive PrizeStatus = "inactive"
)

// Campaign is the admin-authored root configuration for one lottery.
type Campaign struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Status        CampaignStatus `gorm:"size:16;index"`
	CostAssetCode string         `gorm:"size:32"`
	CostPerDraw   int64          `gorm:"not null"`
	DailyQuota    int            `gorm:"not null"`
	Timezone      string         `gorm:"size:64;not null;default:UTC"`
	StartsAt      time.Time
	EndsAt        time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Active reports whether the campaign is open for draws at the given instant.
func (c Campaign) Active(now time.Time) bool {
	if c.Status != CampaignActive {
		return false
	}
	return !now.Before(c.StartsAt) && now.Before(c.EndsAt)
}

// Prize is one awardable item within a campaign's tier.
type Prize struct {
	ID              uuid.UUID   `gorm:"type:uuid;primaryKey"`
	CampaignID      uuid.UUID   `gorm:"type:uuid;index"`
	Tier            Tier        `gorm:"size:16;index"`
	BaseWeight      int64       `gorm:"not null"`
	Value           int64       `gorm:"not null"`
	RewardAssetCode string      `gorm:"size:32"`
	InitialStock    int64       `gorm:"not null"`
	RemainingStock  int64       `gorm:"not null"`
	Status          PrizeStatus `gorm:"size:16;index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Available reports whether the prize can currently be awarded.
func (p Prize) Available() bool {
	return p.Status == PrizeStatusActive && p.RemainingStock > 0
}

// TierRule carries per-tier campaign constants: the tier's share of the base
// weight budget, its per-user daily cap, and a hard stock floor. The floor
// is stored and loaded with the rule; prize selection and the
// availability checks do not consult it.
type TierRule struct {
	CampaignID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tier             Tier      `gorm:"size:16;primaryKey"`
	BaseWeight       int64     `gorm:"not null"`
	DailyCapPerUser  int       `gorm:"not null;default:0"`
	HardStockFloor   int64     `gorm:"not null;default:0"`
}

// TierThreshold is one row of a budget- or pressure-tier threshold ladder.
// Thresholds are closed-above: the resolvers sort a ladder by ascending
// UpperBound and map a metric value to the first entry whose UpperBound the
// value does not exceed. A value above every bound gets the resolver's
// catch-all tier (B0 for budget, P2 for pressure).
type TierThreshold struct {
	UpperBound int64  `json:"upper_bound"`
	Tier       string `json:"tier"`
}

// TierMultipliers carries the four per-tier multipliers a matrix cell
// applies to the base weight vector.
type TierMultipliers struct {
	High     float64 `json:"high"`
	Mid      float64 `json:"mid"`
	Low      float64 `json:"low"`
	Fallback float64 `json:"fallback"`
}

// MatrixCell pairs a (budget_tier, pressure_tier) coordinate with its
// multiplier vector.
type MatrixCell struct {
	BudgetTier   string          `json:"budget_tier"`
	PressureTier string          `json:"pressure_tier"`
	Multipliers  TierMultipliers `json:"multipliers"`
}

// PricingConfig is the closed algebraic configuration of the budget/pressure
// tier ladders and the matrix they index into. Matrix is stored as jsonb:
// this is the "closed algebraic representation" redesign called for over the
// source's dynamically-typed nested config, loaded once and validated at
// load time rather than at draw time.
type PricingConfig struct {
	CampaignID             uuid.UUID       `gorm:"type:uuid;primaryKey"`
	BudgetTierThresholds   []TierThreshold `gorm:"-"`
	PressureTierThresholds []TierThreshold `gorm:"-"`
	Matrix                 []MatrixCell    `gorm:"-"`
	PressureWindowSeconds  int             `gorm:"not null;default:900"`
	BudgetThresholdsJSON   []byte          `gorm:"column:budget_thresholds;type:jsonb"`
	PressureThresholdsJSON []byte          `gorm:"column:pressure_thresholds;type:jsonb"`
	MatrixJSON             []byte          `gorm:"column:matrix;type:jsonb"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// PityThreshold is one entry of the ordered pity ladder.
type PityThreshold struct {
	Streak       int     `json:"streak"`
	Multiplier   float64 `json:"multiplier"`
	HardPity     bool    `json:"hard_pity"`
}

// PityConfig is the per-campaign pity ladder, strictly increasing by Streak,
// whose last entry must be the hard-pity guarantee.
type PityConfig struct {
	CampaignID     uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Thresholds     []PityThreshold `gorm:"-"`
	ThresholdsJSON []byte          `gorm:"column:thresholds;type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LuckDebtConfig holds the campaign-global luck-debt correction constants.
type LuckDebtConfig struct {
	CampaignID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	SampleSufficientThreshold int64     `gorm:"not null;default:200"`
	ExpectedEmptyRate         float64   `gorm:"not null"`
	BoostCeiling              float64   `gorm:"not null;default:0.25"`
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// StreakConfig holds anti-empty-streak and anti-high-streak campaign constants.
type StreakConfig struct {
	CampaignID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ForceNonEmptyThreshold int       `gorm:"not null;default:20"`
	HighStreakCap          int       `gorm:"not null;default:3"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// RingBufferCapacity is the fixed size K of the UserCampaignState.LastTiers
// ring buffer, replacing the source's unbounded JSON array per REDESIGN
// FLAGS.
const RingBufferCapacity = 8

// TierRing is a fixed-capacity ring buffer of the last K tiers a user drew,
// stored compactly instead of an unbounded array.
type TierRing struct {
	Head    int      `json:"head"`
	Count   int      `json:"count"`
	Entries [RingBufferCapacity]string `json:"entries"`
}

// Push appends tier to the ring, overwriting the oldest entry once full.
func (r *TierRing) Push(tier Tier) {
	r.Entries[r.Head] = string(tier)
	r.Head = (r.Head + 1) % RingBufferCapacity
	if r.Count < RingBufferCapacity {
		r.Count++
	}
}

// Recent returns the last n tiers, most recent first. n is clamped to Count.
func (r TierRing) Recent(n int) []Tier {
	if n > r.Count {
		n = r.Count
	}
	out := make([]Tier, 0, n)
	idx := r.Head
	for i := 0; i < n; i++ {
		idx = (idx - 1 + RingBufferCapacity) % RingBufferCapacity
		out = append(out, Tier(r.Entries[idx]))
	}
	return out
}

// UserCampaignState is the per-(user, campaign) experience-shaping state.
type UserCampaignState struct {
	UserID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	CampaignID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	EmptyStreak    int       `gorm:"not null;default:0"`
	HighStreak     int       `gorm:"not null;default:0"`
	TotalDrawsToday int      `gorm:"not null;default:0"`
	LastResetDate  string    `gorm:"size:10"`
	LastTiers      TierRing  `gorm:"-"`
	LastTiersJSON  []byte    `gorm:"column:last_tiers;type:jsonb"`
	TierDailyCounts     map[Tier]int `gorm:"-"`
	TierDailyCountsJSON []byte       `gorm:"column:tier_daily_counts;type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CampaignGlobalState is the per-campaign running tally driving budget,
// pressure and luck-debt calculations.
type CampaignGlobalState struct {
	CampaignID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	CumulativeDraws    int64     `gorm:"not null;default:0"`
	CumulativeEmpties  int64     `gorm:"not null;default:0"`
	InventoryDebt      int64     `gorm:"not null;default:0"`
	BudgetDebt         int64     `gorm:"not null;default:0"`
	WindowCostOutflow  int64     `gorm:"not null;default:0"`
	WindowRewardValue  int64     `gorm:"not null;default:0"`
	WindowStartedAt    time.Time
	UpdatedAt          time.Time
}

// Account is the ledger owner, one row per user.
type Account struct {
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time
}

// AssetBalance is the spendable-amount source of truth for one
// (account, asset) pair. AssetTransaction is the append-only log it is
// derived from.
type AssetBalance struct {
	AccountID uuid.UUID `gorm:"type:uuid;primaryKey"`
	AssetCode string    `gorm:"size:32;primaryKey"`
	Available int64     `gorm:"not null;default:0"`
	Reserved  int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

// BusinessType classifies an AssetTransaction for idempotency scoping and
// audit legibility.
type BusinessType string

const (
	BusinessReserve BusinessType = "draw.reserve"
	BusinessCommit  BusinessType = "draw.commit"
	BusinessRelease BusinessType = "draw.release"
	BusinessCredit  BusinessType = "draw.credit"
)

// AssetTransaction is the append-only ledger entry. Uniqueness of
// (business_type, business_key) is the source of truth for operation
// idempotency; in-process lookups are an optimisation only.
type AssetTransaction struct {
	ID           uuid.UUID    `gorm:"type:uuid;primaryKey"`
	AccountID    uuid.UUID    `gorm:"type:uuid;index"`
	AssetCode    string       `gorm:"size:32;index"`
	Delta        int64        `gorm:"not null"`
	BusinessType BusinessType `gorm:"size:32;uniqueIndex:idx_txn_business"`
	BusinessKey  string       `gorm:"size:128;uniqueIndex:idx_txn_business"`
	CreatedAt    time.Time
}

// DrawOutcome is the terminal classification of a draw attempt.
type DrawOutcome string

const (
	OutcomeAwarded  DrawOutcome = "awarded"
	OutcomeEmpty    DrawOutcome = "empty"
	OutcomeRejected DrawOutcome = "rejected"
)

// DrawRecord is the single row written once per (user_id, idempotency_key)
// on commit. DecisionSnapshot carries the ordered calculator trace used for
// audit; a replay rebuilds its DrawResult from the record's own columns.
type DrawRecord struct {
	ID                uuid.UUID   `gorm:"type:uuid;primaryKey"`
	UserID            uuid.UUID   `gorm:"type:uuid;uniqueIndex:idx_draw_idem"`
	CampaignID         uuid.UUID  `gorm:"type:uuid;index"`
	IdempotencyKey     string      `gorm:"size:64;uniqueIndex:idx_draw_idem"`
	Outcome            DrawOutcome `gorm:"size:16;index"`
	PrizeID            *uuid.UUID  `gorm:"type:uuid"`
	Tier               Tier        `gorm:"size:16"`
	CostAssetCode      string      `gorm:"size:32"`
	CostAmount         int64       `gorm:"not null;default:0"`
	RewardAssetCode    string      `gorm:"size:32"`
	RewardValue        int64       `gorm:"not null;default:0"`
	DecisionSnapshot   []byte      `gorm:"type:jsonb"`
	CreatedAt          time.Time
}

// AutoMigrate performs all schema migrations for the decision engine.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Campaign{},
		&Prize{},
		&TierRule{},
		&PricingConfig{},
		&PityConfig{},
		&LuckDebtConfig{},
		&StreakConfig{},
		&UserCampaignState{},
		&CampaignGlobalState{},
		&Account{},
		&AssetBalance{},
		&AssetTransaction{},
		&DrawRecord{},
	)
}
