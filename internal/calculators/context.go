// Package calculators implements the pure-function pipeline stages that turn
// campaign configuration, campaign-global state and per-user state into a
// final tier weight vector. Every stage takes an immutable Context and
// returns a new Context plus a TraceEntry describing what it did; no stage
// mutates persistent state, panics, or performs I/O. This is the clean-up
// called for over the source's classes sharing mutable state via the ORM:
// the pipeline is a fold over stages, trivially unit-testable without a
// database.
package calculators

import (
	"time"

	"github.com/foodloop/ulde/internal/models"
)

// BudgetTier discretises campaign budget_debt; B0 is most constrained.
type BudgetTier string

const (
	BudgetB0 BudgetTier = "B0"
	BudgetB1 BudgetTier = "B1"
	BudgetB2 BudgetTier = "B2"
	BudgetB3 BudgetTier = "B3"
)

// PressureTier discretises short-window award pressure; P2 is highest.
type PressureTier string

const (
	PressureP0 PressureTier = "P0"
	PressureP1 PressureTier = "P1"
	PressureP2 PressureTier = "P2"
)

// Weights is the per-tier weight vector flowing through the pipeline.
type Weights struct {
	High     float64
	Mid      float64
	Low      float64
	Fallback float64
}

// Sum returns the total weight across all four tiers.
func (w Weights) Sum() float64 {
	return w.High + w.Mid + w.Low + w.Fallback
}

// Scale multiplies every tier's weight by f.
func (w Weights) Scale(f float64) Weights {
	return Weights{High: w.High * f, Mid: w.Mid * f, Low: w.Low * f, Fallback: w.Fallback * f}
}

// Normalize rescales the vector so its sum equals scale. A zero-sum vector
// is returned unchanged — callers treat that as "nothing to award" and fall
// through to fallback.
func (w Weights) Normalize(scale float64) Weights {
	total := w.Sum()
	if total <= 0 {
		return w
	}
	return w.Scale(scale / total)
}

// Get returns the weight for the named non-meta tier.
func (w Weights) Get(tier models.Tier) float64 {
	switch tier {
	case models.TierHigh:
		return w.High
	case models.TierMid:
		return w.Mid
	case models.TierLow:
		return w.Low
	case models.TierFallback:
		return w.Fallback
	default:
		return 0
	}
}

// With returns a copy of w with tier's weight set to value.
func (w Weights) With(tier models.Tier, value float64) Weights {
	switch tier {
	case models.TierHigh:
		w.High = value
	case models.TierMid:
		w.Mid = value
	case models.TierLow:
		w.Low = value
	case models.TierFallback:
		w.Fallback = value
	}
	return w
}

// TraceEntry is one stage's contribution to a DrawRecord's decision_snapshot.
type TraceEntry struct {
	Stage    string         `json:"stage"`
	Detail   map[string]any `json:"detail,omitempty"`
	Degraded bool           `json:"degraded,omitempty"`
}

// WeightScale is the fixed scale campaign weight vectors are normalised to.
const WeightScale = 1_000_000

// Context is the immutable pipeline state threaded through the calculator
// stages. Each stage reads what it needs and returns a new Context with an
// updated Weights and any stage-specific annotation.
type Context struct {
	Now time.Time

	Pricing  models.PricingConfig
	Pity     models.PityConfig
	LuckDebt models.LuckDebtConfig
	Streak   models.StreakConfig

	Global models.CampaignGlobalState
	User   models.UserCampaignState

	Weights Weights

	BudgetTier   BudgetTier
	PressureTier PressureTier
	PityType     string // "none", "soft", "hard"
	LuckDebtTier string // "none", "low", "medium", "high"

	ForcedNonEmpty bool
	TierCapped     bool

	rules []models.TierRule
}

// Stage is the common shape of a calculator pipeline stage.
type Stage func(Context) (Context, TraceEntry)

// Run folds the given stages over ctx in order, collecting one TraceEntry per
// stage.
func Run(ctx Context, stages ...Stage) (Context, []TraceEntry) {
	trace := make([]TraceEntry, 0, len(stages))
	for _, stage := range stages {
		var entry TraceEntry
		ctx, entry = stage(ctx)
		trace = append(trace, entry)
	}
	return ctx, trace
}
