package compensation

import (
	"time"

	"sitterops-core/services/scoring"
)

// SitterCompensation is the current commission rate per (org, worker),
// derived from tier. One row per worker per org, upsert semantics; mutated
// only by the tier transition workflow or an explicit owner override.
type SitterCompensation struct {
	ID             string       `gorm:"column:id;primaryKey;type:char(26)"`
	OrgID          string       `gorm:"column:org_id;uniqueIndex:idx_comp_org_worker;not null"`
	WorkerID       string       `gorm:"column:worker_id;uniqueIndex:idx_comp_org_worker;not null"`
	Tier           scoring.Tier `gorm:"column:tier;type:varchar(20);not null"`
	CommissionRate float64      `gorm:"column:commission_rate;not null"`
	UpdatedBy      string       `gorm:"column:updated_by;type:varchar(50)"`
	CreatedAt      time.Time    `gorm:"autoCreateTime"`
	UpdatedAt      time.Time    `gorm:"autoUpdateTime"`
}

func (SitterCompensation) TableName() string { return "sitter_compensations" }

// Default commission rates per tier, used when a worker has no explicit
// compensation row yet.
var defaultRates = map[scoring.Tier]float64{
	scoring.TierBronze: 0.70,
	scoring.TierSilver: 0.75,
	scoring.TierGold:   0.80,
}

func DefaultRate(tier scoring.Tier) float64 {
	if rate, ok := defaultRates[tier]; ok {
		return rate
	}
	return defaultRates[scoring.TierBronze]
}
