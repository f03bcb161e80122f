package calculators

import (
	"sort"

	"github.com/foodloop/ulde/internal/models"
)

// PityCalculator selects the highest-threshold entry whose Streak is <= the
// user's empty_streak (thresholds sorted ascending by streak, matched by
// linear scan keeping the last satisfied entry — equivalent to a binary
// search over the sorted ladder but clearer at this size). If matched and
// the entry is hard_pity, the fallback weight is zeroed and the
// non-fallback weights rescaled proportionally (a forced non-empty
// outcome); otherwise the non-fallback weights are multiplied by the
// entry's Multiplier and the vector rescaled. No match is a pass-through.
func PityCalculator(ctx Context) (Context, TraceEntry) {
	thresholds := append([]models.PityThreshold(nil), ctx.Pity.Thresholds...)
	sort.Slice(thresholds, func(i, j int) bool { return thresholds[i].Streak < thresholds[j].Streak })

	var matched *models.PityThreshold
	for i := range thresholds {
		if thresholds[i].Streak <= ctx.User.EmptyStreak {
			matched = &thresholds[i]
		} else {
			break
		}
	}

	if matched == nil {
		ctx.PityType = "none"
		return ctx, TraceEntry{
			Stage:  "PityCalculator",
			Detail: map[string]any{"pity_type": "none", "empty_streak": ctx.User.EmptyStreak},
		}
	}

	w := ctx.Weights
	if matched.HardPity {
		w.Fallback = 0
		w = w.Normalize(WeightScale)
		ctx.PityType = "hard"
	} else {
		w.High *= matched.Multiplier
		w.Mid *= matched.Multiplier
		w.Low *= matched.Multiplier
		w = w.Normalize(WeightScale)
		ctx.PityType = "soft"
	}
	ctx.Weights = w

	return ctx, TraceEntry{
		Stage: "PityCalculator",
		Detail: map[string]any{
			"pity_type":         ctx.PityType,
			"empty_streak":      ctx.User.EmptyStreak,
			"matched_streak":    matched.Streak,
			"matched_multiplier": matched.Multiplier,
			"weights":           w,
		},
	}
}
