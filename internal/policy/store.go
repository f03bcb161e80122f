// Package policy implements the read-mostly campaign configuration cache:
// an in-process snapshot protected by an atomic pointer swap, with an
// optional Redis cache-aside layer in front of the database for multi-
// instance deployments.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/foodloop/ulde/internal/errs"
	"github.com/foodloop/ulde/internal/models"
)

// Snapshot is the read-only, monotonically-versioned view of one campaign's
// configuration the admin/authoring subsystem publishes.
type Snapshot struct {
	Version  int64
	Campaign models.Campaign
	Prizes   []models.Prize
	Tiers    []models.TierRule
	Pricing  models.PricingConfig
	Pity     models.PityConfig
	LuckDebt models.LuckDebtConfig
	Streak   models.StreakConfig
	LoadedAt time.Time
}

// PrizesByTier groups the snapshot's prizes by tier for the selector.
func (s Snapshot) PrizesByTier() map[models.Tier][]models.Prize {
	out := make(map[models.Tier][]models.Prize)
	for _, p := range s.Prizes {
		out[p.Tier] = append(out[p.Tier], p)
	}
	return out
}

// TierCaps returns the per-tier daily cap map for quota checks.
func (s Snapshot) TierCaps() map[models.Tier]int {
	out := make(map[models.Tier]int, len(s.Tiers))
	for _, t := range s.Tiers {
		out[t.Tier] = t.DailyCapPerUser
	}
	return out
}

// Store is the PolicyStore: an in-process cache held behind an atomic
// pointer and replaced by compare-and-swap, refreshed from the database,
// with an optional Redis L2 in front of cold-cache database reads.
type Store struct {
	db    *gorm.DB
	redis *redis.Client
	ttl   time.Duration

	cache atomic.Pointer[map[uuid.UUID]*Snapshot]
}

// New constructs a Store. redisClient may be nil to disable the L2 cache.
func New(db *gorm.DB, redisClient *redis.Client, ttl time.Duration) *Store {
	empty := make(map[uuid.UUID]*Snapshot)
	s := &Store{db: db, redis: redisClient, ttl: ttl}
	s.cache.Store(&empty)
	return s
}

// Invalidate drops campaignID from the in-process cache and, if Redis is
// configured, its cached entry too. Admin writes call this after committing
// a configuration change.
func (s *Store) Invalidate(ctx context.Context, campaignID uuid.UUID) {
	for {
		old := s.cache.Load()
		next := make(map[uuid.UUID]*Snapshot, len(*old))
		for k, v := range *old {
			if k != campaignID {
				next[k] = v
			}
		}
		if s.cache.CompareAndSwap(old, &next) {
			break
		}
	}
	if s.redis != nil {
		_ = s.redis.Del(ctx, redisKey(campaignID)).Err()
	}
}

// Load returns the current Snapshot for campaignID, consulting the
// in-process cache, then Redis, then the database in that order. Loads from
// the database always refresh both cache layers.
func (s *Store) Load(ctx context.Context, campaignID uuid.UUID) (*Snapshot, error) {
	if snap, ok := (*s.cache.Load())[campaignID]; ok && time.Since(snap.LoadedAt) < s.ttl {
		return snap, nil
	}

	if s.redis != nil {
		if snap, err := s.loadFromRedis(ctx, campaignID); err == nil && snap != nil {
			s.store(campaignID, snap)
			return snap, nil
		}
	}

	snap, err := s.loadFromDB(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	s.store(campaignID, snap)
	if s.redis != nil {
		s.saveToRedis(ctx, campaignID, snap)
	}
	return snap, nil
}

func (s *Store) store(campaignID uuid.UUID, snap *Snapshot) {
	for {
		old := s.cache.Load()
		next := make(map[uuid.UUID]*Snapshot, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[campaignID] = snap
		if s.cache.CompareAndSwap(old, &next) {
			return
		}
	}
}

func redisKey(campaignID uuid.UUID) string {
	return fmt.Sprintf("policy:%s", campaignID)
}

func (s *Store) loadFromRedis(ctx context.Context, campaignID uuid.UUID) (*Snapshot, error) {
	raw, err := s.redis.Get(ctx, redisKey(campaignID)).Bytes()
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) saveToRedis(ctx context.Context, campaignID uuid.UUID, snap *Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = s.redis.Set(ctx, redisKey(campaignID), data, s.ttl).Err()
}

func (s *Store) loadFromDB(ctx context.Context, campaignID uuid.UUID) (*Snapshot, error) {
	var campaign models.Campaign
	if err := s.db.WithContext(ctx).First(&campaign, "id = ?", campaignID).Error; err != nil {
		return nil, errs.Wrap(errs.CampaignUnavailable, "campaign not found", err)
	}

	var prizes []models.Prize
	if err := s.db.WithContext(ctx).Where("campaign_id = ?", campaignID).Find(&prizes).Error; err != nil {
		return nil, errs.Wrap(errs.InternalFailure, "load prizes", err)
	}

	var tiers []models.TierRule
	if err := s.db.WithContext(ctx).Where("campaign_id = ?", campaignID).Find(&tiers).Error; err != nil {
		return nil, errs.Wrap(errs.InternalFailure, "load tier rules", err)
	}

	var pricing models.PricingConfig
	if err := s.db.WithContext(ctx).First(&pricing, "campaign_id = ?", campaignID).Error; err != nil {
		return nil, errs.Wrap(errs.ConfigurationInvalid, "pricing config missing", err)
	}
	if err := validatePricing(pricing); err != nil {
		return nil, err
	}

	var pity models.PityConfig
	if err := s.db.WithContext(ctx).First(&pity, "campaign_id = ?", campaignID).Error; err != nil {
		return nil, errs.Wrap(errs.ConfigurationInvalid, "pity config missing", err)
	}
	if err := validatePity(pity); err != nil {
		return nil, err
	}

	var luckDebt models.LuckDebtConfig
	_ = s.db.WithContext(ctx).First(&luckDebt, "campaign_id = ?", campaignID).Error

	var streak models.StreakConfig
	_ = s.db.WithContext(ctx).First(&streak, "campaign_id = ?", campaignID).Error

	return &Snapshot{
		Version:  campaign.UpdatedAt.UnixNano(),
		Campaign: campaign,
		Prizes:   prizes,
		Tiers:    tiers,
		Pricing:  pricing,
		Pity:     pity,
		LuckDebt: luckDebt,
		Streak:   streak,
		LoadedAt: time.Now(),
	}, nil
}

// validatePricing rejects malformed configs at load time rather than at draw
// time: every matrix cell's fallback multiplier must be non-zero, since
// fallback must always be reachable.
func validatePricing(p models.PricingConfig) error {
	for _, cell := range p.Matrix {
		if cell.Multipliers.Fallback == 0 {
			return errs.New(errs.ConfigurationInvalid, fmt.Sprintf("matrix cell (%s,%s) has zero fallback multiplier", cell.BudgetTier, cell.PressureTier))
		}
		if cell.Multipliers.High < 0 || cell.Multipliers.Mid < 0 || cell.Multipliers.Low < 0 || cell.Multipliers.Fallback < 0 {
			return errs.New(errs.ConfigurationInvalid, "matrix cell has negative multiplier")
		}
	}
	return nil
}

// validatePity rejects a pity ladder that is not strictly increasing by
// streak or whose last entry is not the hard-pity guarantee.
func validatePity(p models.PityConfig) error {
	if len(p.Thresholds) == 0 {
		return nil
	}
	for i := 1; i < len(p.Thresholds); i++ {
		if p.Thresholds[i].Streak <= p.Thresholds[i-1].Streak {
			return errs.New(errs.ConfigurationInvalid, "pity thresholds must be strictly increasing by streak")
		}
	}
	if !p.Thresholds[len(p.Thresholds)-1].HardPity {
		return errs.New(errs.ConfigurationInvalid, "last pity threshold must be hard_pity")
	}
	return nil
}
