package calculators

import "github.com/foodloop/ulde/internal/models"

// QuotaResult is the outcome of a pre-reservation quota check.
type QuotaResult struct {
	Allowed   bool
	Dimension string // "" when allowed, else "daily" or "tier:<tier>"
}

// CheckQuota is a pure function over already-reset UserCampaignState: the
// caller (StateStore) is responsible for rolling total_draws_today back to
// zero when last_reset_date precedes the configured day before calling
// this. It never mutates state and never panics — an unknown or malformed
// tier cap is simply treated as uncapped.
func CheckQuota(state models.UserCampaignState, dailyQuota int, tierCaps map[models.Tier]int, tierDailyCounts map[models.Tier]int) QuotaResult {
	if dailyQuota > 0 && state.TotalDrawsToday >= dailyQuota {
		return QuotaResult{Allowed: false, Dimension: "daily"}
	}
	for tier, cap := range tierCaps {
		if cap <= 0 {
			continue
		}
		if tierDailyCounts[tier] >= cap {
			return QuotaResult{Allowed: false, Dimension: "tier:" + string(tier)}
		}
	}
	return QuotaResult{Allowed: true}
}
