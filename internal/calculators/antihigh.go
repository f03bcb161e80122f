package calculators

import "github.com/foodloop/ulde/internal/models"

// AntiHighStreakHandler is the final post-selection guard. If the tier
// chosen so far is high and the user's high_streak has already reached
// high_streak_cap, it is downgraded one step to mid; mid is never further
// downgraded by this handler.
func AntiHighStreakHandler(ctx Context, selectedTier models.Tier) (models.Tier, TraceEntry) {
	if selectedTier != models.TierHigh || ctx.User.HighStreak < ctx.Streak.HighStreakCap {
		return selectedTier, TraceEntry{
			Stage: "AntiHighStreakHandler",
			Detail: map[string]any{
				"tier_capped":   false,
				"high_streak":   ctx.User.HighStreak,
				"original_tier": string(selectedTier),
			},
		}
	}

	return models.TierMid, TraceEntry{
		Stage: "AntiHighStreakHandler",
		Detail: map[string]any{
			"tier_capped":   true,
			"high_streak":   ctx.User.HighStreak,
			"original_tier": string(selectedTier),
		},
	}
}
