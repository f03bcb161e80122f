package calculators

import "github.com/foodloop/ulde/internal/models"

// TierAvailability tells AntiEmptyStreakHandler, for each non-fallback tier,
// whether it currently has an eligible prize: stock remaining, status
// active, and the user has not exhausted that tier's daily cap.
type TierAvailability map[models.Tier]bool

// AntiEmptyStreakHandler is a post-selection guard: it runs after the
// PrizeSelector has picked a tier from the final weight vector. If that pick
// is fallback and the user's empty_streak has reached the configured
// force-non-empty threshold, it walks the non-fallback tiers in preference
// order (low, mid, high) and forces the first one with an eligible prize.
// If none has one, fallback is accepted and the trace records
// forced=false, reason=no_available.
func AntiEmptyStreakHandler(ctx Context, selectedTier models.Tier, availability TierAvailability) (models.Tier, TraceEntry) {
	if selectedTier != models.TierFallback || ctx.User.EmptyStreak < ctx.Streak.ForceNonEmptyThreshold {
		return selectedTier, TraceEntry{
			Stage: "AntiEmptyStreakHandler",
			Detail: map[string]any{
				"forced":       false,
				"reason":       "not_applicable",
				"empty_streak": ctx.User.EmptyStreak,
			},
		}
	}

	preference := []models.Tier{models.TierLow, models.TierMid, models.TierHigh}
	for _, tier := range preference {
		if availability[tier] {
			return tier, TraceEntry{
				Stage: "AntiEmptyStreakHandler",
				Detail: map[string]any{
					"forced":       true,
					"forced_tier":  string(tier),
					"empty_streak": ctx.User.EmptyStreak,
				},
			}
		}
	}

	return models.TierFallback, TraceEntry{
		Stage: "AntiEmptyStreakHandler",
		Detail: map[string]any{
			"forced":       false,
			"reason":       "no_available",
			"empty_streak": ctx.User.EmptyStreak,
		},
	}
}
