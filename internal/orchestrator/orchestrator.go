// Package orchestrator implements the DrawOrchestrator: the single
// synchronous entry point that coordinates idempotency, policy loading,
// quota enforcement, cost reservation, tier resolution, prize selection and
// the committing transaction.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/foodloop/ulde/internal/calculators"
	"github.com/foodloop/ulde/internal/errs"
	"github.com/foodloop/ulde/internal/ledger"
	"github.com/foodloop/ulde/internal/metrics"
	"github.com/foodloop/ulde/internal/models"
	"github.com/foodloop/ulde/internal/policy"
	"github.com/foodloop/ulde/internal/selector"
	"github.com/foodloop/ulde/internal/state"
)

// maxStockRaceRetries bounds the fallback-after-stock-race retry to exactly
// one attempt, resolving spec Open Question (b): the orchestrator re-selects
// restricted to the fallback tier exactly once and does not retry further;
// if the fallback tier has no prize in stock either, the draw is recorded
// as empty.
const maxStockRaceRetries = 1

// DrawResult is the outcome of one Execute call.
type DrawResult struct {
	Outcome         models.DrawOutcome `json:"outcome"`
	DecisionID      uuid.UUID          `json:"decision_id"`
	PrizeID         *uuid.UUID         `json:"prize_id,omitempty"`
	Tier            models.Tier        `json:"tier"`
	CostAssetCode   string             `json:"cost_asset_code"`
	CostAmount      int64              `json:"cost_amount"`
	RewardAssetCode string             `json:"reward_asset_code,omitempty"`
	RewardValue     int64              `json:"reward_value,omitempty"`
	AvailableCost   int64              `json:"available_cost"`
	AvailableReward int64              `json:"available_reward,omitempty"`
	Replayed        bool               `json:"replayed"`
}

// Orchestrator wires together the PolicyStore, LedgerService, StateStore,
// PrizeSelector and the calculator pipeline into the draw pipeline from
// spec section 4.1.
type Orchestrator struct {
	db       *gorm.DB
	policies *policy.Store
	ledgerS  *ledger.Service
	states   *state.Store
	select_  *selector.Selector
	locks    *LockManager
	metrics  *metrics.DrawMetrics

	lockTimeout time.Duration
	clock       func() time.Time
}

// Config bundles the Orchestrator's dependencies.
type Config struct {
	DB          *gorm.DB
	Policies    *policy.Store
	Ledger      *ledger.Service
	States      *state.Store
	Selector    *selector.Selector
	Locks       *LockManager
	Metrics     *metrics.DrawMetrics
	LockTimeout time.Duration
	Clock       func() time.Time
}

// New constructs an Orchestrator from cfg, defaulting LockTimeout to 2s and
// Clock to time.Now.
func New(cfg Config) *Orchestrator {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Orchestrator{
		db:          cfg.DB,
		policies:    cfg.Policies,
		ledgerS:     cfg.Ledger,
		states:      cfg.States,
		select_:     cfg.Selector,
		locks:       cfg.Locks,
		metrics:     cfg.Metrics,
		lockTimeout: cfg.LockTimeout,
		clock:       cfg.Clock,
	}
}

// Execute runs the full draw pipeline for (userID, campaignID,
// idempotencyKey), returning a DrawResult or a typed *errs.Error.
func (o *Orchestrator) Execute(ctx context.Context, userID, campaignID uuid.UUID, idempotencyKey string) (*DrawResult, error) {
	// Step 1: idempotency check.
	if existing, found, err := o.lookupExisting(o.db.WithContext(ctx), userID, idempotencyKey); err != nil {
		return nil, err
	} else if found {
		return existing, nil
	}

	// Step 2: policy load.
	snap, err := o.policies.Load(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !snap.Campaign.Active(o.clock()) {
		return nil, errs.New(errs.CampaignUnavailable, "campaign is not active")
	}

	loc := timezoneOrUTC(snap.Campaign.Timezone)

	// Step 3: quota check (advisory read; re-verified under lock at commit).
	var precheck models.UserCampaignState
	if err := o.db.WithContext(ctx).
		Where("user_id = ? AND campaign_id = ?", userID, campaignID).
		First(&precheck).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Wrap(errs.InternalFailure, "load user state", err)
	}
	precheck = resetIfNewDay(precheck, o.clock(), loc)
	if q := calculators.CheckQuota(precheck, snap.Campaign.DailyQuota, snap.TierCaps(), tierDailyCounts(precheck)); !q.Allowed {
		o.metrics.RecordQuotaRejection(campaignID.String(), q.Dimension)
		return nil, errs.New(errs.QuotaExceeded, "daily quota exhausted").WithHint(q.Dimension)
	}

	// Step 4: cost reservation.
	reserveKey := idempotencyKey + "::cost"
	if _, err := o.ledgerS.Reserve(ctx, userID, snap.Campaign.CostAssetCode, snap.Campaign.CostPerDraw, reserveKey); err != nil {
		return nil, err
	}

	// Step 5: tier resolution pipeline.
	calcCtx := calculators.Context{
		Now:      o.clock(),
		Pricing:  snap.Pricing,
		Pity:     snap.Pity,
		LuckDebt: snap.LuckDebt,
		Streak:   snap.Streak,
	}
	calcCtx, _, err = o.attachGlobalState(ctx, campaignID, calcCtx)
	if err != nil {
		_, _ = o.ledgerS.Release(ctx, userID, snap.Campaign.CostAssetCode, snap.Campaign.CostPerDraw, reserveKey)
		return nil, err
	}
	calcCtx.User = precheck
	calcCtx = calcCtx.SetTierRules(snap.Tiers)

	calcCtx, trace := calculators.Run(calcCtx,
		calculators.BudgetTierResolver,
		calculators.PressureTierResolver,
		calculators.TierMatrixCalculator,
		calculators.PityCalculator,
		calculators.LuckDebtCalculator,
	)

	// Step 6: prize selection (initial).
	byTier := snap.PrizesByTier()
	selection := o.select_.Select(calcCtx.Weights, byTier)

	availability := tierAvailability(byTier, precheck, snap.TierCaps())
	finalTier, emptyTrace := calculators.AntiEmptyStreakHandler(calcCtx, selection.Tier, availability)
	finalTier, highTrace := calculators.AntiHighStreakHandler(calcCtx, finalTier)
	trace = append(trace, emptyTrace, highTrace)

	finalPrize := selection.Prize
	if finalTier != selection.Tier {
		// A post-selection guard overrode the selector's tier pick: the prize
		// it sampled belonged to the original tier and no longer applies.
		finalPrize = pickAny(byTier[finalTier])
	}

	// Step 7: commit, holding the per-(user,campaign) lock.
	lockKey := Key(campaignID.String(), userID.String())
	lockCtx, cancel := context.WithTimeout(ctx, o.lockTimeout)
	defer cancel()
	waitStart := o.clock()
	release, err := o.locks.Acquire(lockCtx, lockKey)
	if err != nil {
		o.metrics.RecordLockTimeout(campaignID.String())
		_, _ = o.ledgerS.Release(ctx, userID, snap.Campaign.CostAssetCode, snap.Campaign.CostPerDraw, reserveKey)
		return nil, errs.New(errs.LockTimeout, "could not acquire per-user lock in time")
	}
	defer release()
	o.metrics.ObserveLockWait(campaignID.String(), o.clock().Sub(waitStart))

	result, err := o.commit(ctx, commitInput{
		UserID:         userID,
		CampaignID:     campaignID,
		IdempotencyKey: idempotencyKey,
		Campaign:       snap.Campaign,
		ByTier:         byTier,
		InitialTier:    finalTier,
		InitialPrize:   finalPrize,
		Weights:        calcCtx.Weights,
		Trace:          trace,
		Seed:           selection.Seed,
		ReserveKey:     reserveKey,
		Loc:            loc,
		PressureWindow: time.Duration(snap.Pricing.PressureWindowSeconds) * time.Second,
		TierCaps:       snap.TierCaps(),
	})
	if err != nil {
		_, _ = o.ledgerS.Release(ctx, userID, snap.Campaign.CostAssetCode, snap.Campaign.CostPerDraw, reserveKey)
		return nil, err
	}

	o.metrics.ObserveOutcome(campaignID.String(), string(result.Outcome))
	return result, nil
}

// lookupExisting looks for a prior committed DrawRecord for (userID,
// idempotencyKey) against exec, which may be o.db.WithContext(ctx) for the
// advisory pre-lock check or the commit's own tx for the authoritative
// double-checked lookup taken under the per-(user,campaign) lock.
func (o *Orchestrator) lookupExisting(exec *gorm.DB, userID uuid.UUID, idempotencyKey string) (*DrawResult, bool, error) {
	var record models.DrawRecord
	err := exec.
		Where("user_id = ? AND idempotency_key = ?", userID, idempotencyKey).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Wrap(errs.InternalFailure, "idempotency lookup", err)
	}

	var availCost, availReward int64
	if bal, balErr := balanceWithinTx(exec, userID, record.CostAssetCode); balErr == nil {
		availCost = bal.Available
	}
	if record.RewardAssetCode != "" {
		if bal, balErr := balanceWithinTx(exec, userID, record.RewardAssetCode); balErr == nil {
			availReward = bal.Available
		}
	}

	return &DrawResult{
		Outcome:         record.Outcome,
		DecisionID:      record.ID,
		PrizeID:         record.PrizeID,
		Tier:            record.Tier,
		CostAssetCode:   record.CostAssetCode,
		CostAmount:      record.CostAmount,
		RewardAssetCode: record.RewardAssetCode,
		RewardValue:     record.RewardValue,
		AvailableCost:   availCost,
		AvailableReward: availReward,
		Replayed:        true,
	}, true, nil
}

func (o *Orchestrator) attachGlobalState(ctx context.Context, campaignID uuid.UUID, calcCtx calculators.Context) (calculators.Context, models.CampaignGlobalState, error) {
	var st models.CampaignGlobalState
	err := o.db.WithContext(ctx).Where("campaign_id = ?", campaignID).First(&st).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return calcCtx, st, errs.Wrap(errs.InternalFailure, "load campaign state", err)
	}
	calcCtx.Global = st
	return calcCtx, st, nil
}

type commitInput struct {
	UserID         uuid.UUID
	CampaignID     uuid.UUID
	IdempotencyKey string
	Campaign       models.Campaign
	ByTier         map[models.Tier][]models.Prize
	InitialTier    models.Tier
	InitialPrize   *models.Prize
	Weights        calculators.Weights
	Trace          []calculators.TraceEntry
	Seed           int64
	ReserveKey     string
	Loc            *time.Location
	PressureWindow time.Duration
	TierCaps       map[models.Tier]int
}

func (o *Orchestrator) commit(ctx context.Context, in commitInput) (*DrawResult, error) {
	var result *DrawResult
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Double-checked idempotency: a concurrent submit with the same key may
		// have already committed and released the lock while this call waited
		// to acquire it. Re-check under the lock before writing anything.
		if existing, found, err := o.lookupExisting(tx, in.UserID, in.IdempotencyKey); err != nil {
			return err
		} else if found {
			result = existing
			return nil
		}

		userState, err := o.states.LoadUserCampaignState(tx, in.UserID, in.CampaignID, in.Loc)
		if err != nil {
			return errs.Wrap(errs.InternalFailure, "load user state", err)
		}
		if q := calculators.CheckQuota(userState, in.Campaign.DailyQuota, in.TierCaps, userState.TierDailyCounts); !q.Allowed {
			return errs.New(errs.QuotaExceeded, "daily quota exhausted at commit").WithHint(q.Dimension)
		}

		globalState, err := o.states.LoadCampaignGlobalState(tx, in.CampaignID)
		if err != nil {
			return errs.Wrap(errs.InternalFailure, "load campaign state", err)
		}

		tier := in.InitialTier
		prize := in.InitialPrize
		retries := 0
		for tier != models.TierFallback && prize != nil {
			locked, ok, err := lockPrize(tx, prize.ID)
			if err != nil {
				return errs.Wrap(errs.InternalFailure, "lock prize", err)
			}
			if ok && locked.RemainingStock > 0 {
				prize = &locked
				break
			}
			// Stock-depletion race: redirect to fallback exactly once.
			if retries >= maxStockRaceRetries {
				return errs.New(errs.StockExhausted, "selected tier depleted and retry budget exhausted")
			}
			retries++
			tier = models.TierFallback
			prize = pickAny(in.ByTier[models.TierFallback])
		}
		if tier == models.TierFallback {
			if prize != nil {
				locked, ok, err := lockPrize(tx, prize.ID)
				if err != nil {
					return errs.Wrap(errs.InternalFailure, "lock prize", err)
				}
				if !ok || locked.RemainingStock <= 0 {
					prize = nil
				} else {
					prize = &locked
				}
			}
		}

		awarded := tier != models.TierFallback && prize != nil
		if !awarded && tier != models.TierFallback {
			return errs.New(errs.StockExhausted, "no prize available even after fallback redirect")
		}

		decisionID := uuid.New()
		record := models.DrawRecord{
			ID:             decisionID,
			UserID:         in.UserID,
			CampaignID:     in.CampaignID,
			IdempotencyKey: in.IdempotencyKey,
			Tier:           tier,
			CostAssetCode:  in.Campaign.CostAssetCode,
			CostAmount:     in.Campaign.CostPerDraw,
			CreatedAt:      o.clock(),
		}

		if awarded {
			prize.RemainingStock--
			if err := tx.Save(prize).Error; err != nil {
				return errs.Wrap(errs.InternalFailure, "decrement prize stock", err)
			}
			record.Outcome = models.OutcomeAwarded
			record.PrizeID = &prize.ID
			record.RewardAssetCode = prize.RewardAssetCode
			record.RewardValue = prize.Value
		} else {
			record.Outcome = models.OutcomeEmpty
		}

		if _, err := o.ledgerS.CommitTx(tx, in.UserID, in.Campaign.CostAssetCode, in.Campaign.CostPerDraw, in.ReserveKey+"::commit"); err != nil {
			return errs.Wrap(errs.InternalFailure, "commit cost reservation", err)
		}
		var rewardCreditAvailable int64
		if awarded {
			if _, err := o.ledgerS.CreditTx(tx, in.UserID, record.RewardAssetCode, record.RewardValue, in.IdempotencyKey+"::reward"); err != nil {
				return errs.Wrap(errs.InternalFailure, "credit reward", err)
			}
			rewardBalance, err := balanceWithinTx(tx, in.UserID, record.RewardAssetCode)
			if err != nil {
				return errs.Wrap(errs.InternalFailure, "read reward balance", err)
			}
			rewardCreditAvailable = rewardBalance.Available
		}

		userState = o.states.ApplyDrawDelta(userState, state.DrawDelta{Tier: tier, Awarded: awarded})
		if err := tx.Save(&userState).Error; err != nil {
			return errs.Wrap(errs.InternalFailure, "save user state", err)
		}

		globalState = o.states.ApplyCampaignDelta(globalState, state.CampaignDelta{
			Awarded:     awarded,
			CostAmount:  in.Campaign.CostPerDraw,
			RewardValue: record.RewardValue,
		}, in.PressureWindow)
		if err := tx.Save(&globalState).Error; err != nil {
			return errs.Wrap(errs.InternalFailure, "save campaign state", err)
		}

		snapshotJSON, err := json.Marshal(map[string]any{
			"trace":     in.Trace,
			"rng_seed":  in.Seed,
			"weights":   in.Weights,
			"initial":   in.InitialTier,
			"final":     tier,
		})
		if err != nil {
			return errs.Wrap(errs.InternalFailure, "marshal decision snapshot", err)
		}
		record.DecisionSnapshot = snapshotJSON

		if err := tx.Create(&record).Error; err != nil {
			return errs.Wrap(errs.InternalFailure, "write draw record", err)
		}

		costBalance, err := balanceWithinTx(tx, in.UserID, in.Campaign.CostAssetCode)
		if err != nil {
			return errs.Wrap(errs.InternalFailure, "read cost balance", err)
		}

		result = &DrawResult{
			Outcome:         record.Outcome,
			DecisionID:      record.ID,
			PrizeID:         record.PrizeID,
			Tier:            record.Tier,
			CostAssetCode:   record.CostAssetCode,
			CostAmount:      record.CostAmount,
			RewardAssetCode: record.RewardAssetCode,
			RewardValue:     record.RewardValue,
			AvailableCost:   costBalance.Available,
			AvailableReward: rewardCreditAvailable,
			Replayed:        false,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func lockPrize(tx *gorm.DB, prizeID uuid.UUID) (models.Prize, bool, error) {
	var p models.Prize
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "id = ?", prizeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Prize{}, false, nil
	}
	if err != nil {
		return models.Prize{}, false, err
	}
	return p, true, nil
}

func pickAny(prizes []models.Prize) *models.Prize {
	for i := range prizes {
		if prizes[i].Available() {
			return &prizes[i]
		}
	}
	return nil
}

func balanceWithinTx(tx *gorm.DB, userID uuid.UUID, asset string) (models.AssetBalance, error) {
	var balance models.AssetBalance
	err := tx.Where("account_id = ? AND asset_code = ?", userID, asset).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.AssetBalance{}, nil
	}
	return balance, err
}

func timezoneOrUTC(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func resetIfNewDay(st models.UserCampaignState, now time.Time, loc *time.Location) models.UserCampaignState {
	today := now.In(loc).Format("2006-01-02")
	if st.LastResetDate == today {
		return st
	}
	st.LastResetDate = today
	st.TotalDrawsToday = 0
	st.TierDailyCounts = nil
	return st
}

func tierDailyCounts(userState models.UserCampaignState) map[models.Tier]int {
	return userState.TierDailyCounts
}

// tierAvailability reports, per non-fallback tier, whether it still has both
// in-stock prizes and daily-cap headroom for this user; a tier that has hit
// its TierRule.DailyCapPerUser is no more available than one with no stock.
func tierAvailability(byTier map[models.Tier][]models.Prize, userState models.UserCampaignState, caps map[models.Tier]int) calculators.TierAvailability {
	avail := make(calculators.TierAvailability, len(models.NonFallbackTiersHighToLow))
	for _, tier := range models.NonFallbackTiersHighToLow {
		has := false
		for _, p := range byTier[tier] {
			if p.Available() {
				has = true
				break
			}
		}
		if has {
			if cap, ok := caps[tier]; ok && cap > 0 && userState.TierDailyCounts[tier] >= cap {
				has = false
			}
		}
		avail[tier] = has
	}
	return avail
}
