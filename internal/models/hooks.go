package models

import (
	"encoding/json"

	"gorm.io/gorm"
)

// BeforeSave/AfterFind hooks marshal the closed algebraic config types to and
// from their jsonb columns. gorm calls these automatically around Create,
// Save and Find.

func (p *PricingConfig) BeforeSave(tx *gorm.DB) error {
	var err error
	if p.BudgetThresholdsJSON, err = json.Marshal(p.BudgetTierThresholds); err != nil {
		return err
	}
	if p.PressureThresholdsJSON, err = json.Marshal(p.PressureTierThresholds); err != nil {
		return err
	}
	if p.MatrixJSON, err = json.Marshal(p.Matrix); err != nil {
		return err
	}
	return nil
}

func (p *PricingConfig) AfterFind(tx *gorm.DB) error {
	if len(p.BudgetThresholdsJSON) > 0 {
		if err := json.Unmarshal(p.BudgetThresholdsJSON, &p.BudgetTierThresholds); err != nil {
			return err
		}
	}
	if len(p.PressureThresholdsJSON) > 0 {
		if err := json.Unmarshal(p.PressureThresholdsJSON, &p.PressureTierThresholds); err != nil {
			return err
		}
	}
	if len(p.MatrixJSON) > 0 {
		if err := json.Unmarshal(p.MatrixJSON, &p.Matrix); err != nil {
			return err
		}
	}
	return nil
}

func (p *PityConfig) BeforeSave(tx *gorm.DB) error {
	data, err := json.Marshal(p.Thresholds)
	if err != nil {
		return err
	}
	p.ThresholdsJSON = data
	return nil
}

func (p *PityConfig) AfterFind(tx *gorm.DB) error {
	if len(p.ThresholdsJSON) == 0 {
		return nil
	}
	return json.Unmarshal(p.ThresholdsJSON, &p.Thresholds)
}

func (u *UserCampaignState) BeforeSave(tx *gorm.DB) error {
	data, err := json.Marshal(u.LastTiers)
	if err != nil {
		return err
	}
	u.LastTiersJSON = data

	countsData, err := json.Marshal(u.TierDailyCounts)
	if err != nil {
		return err
	}
	u.TierDailyCountsJSON = countsData
	return nil
}

func (u *UserCampaignState) AfterFind(tx *gorm.DB) error {
	if len(u.LastTiersJSON) > 0 {
		if err := json.Unmarshal(u.LastTiersJSON, &u.LastTiers); err != nil {
			return err
		}
	}
	if len(u.TierDailyCountsJSON) > 0 {
		if err := json.Unmarshal(u.TierDailyCountsJSON, &u.TierDailyCounts); err != nil {
			return err
		}
	}
	return nil
}
