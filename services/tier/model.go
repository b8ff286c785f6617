package tier

import (
	"time"

	"sitterops-core/services/scoring"

	"gorm.io/datatypes"
)

// TierSnapshot is one worker's scored state on one as-of date. Rows are
// immutable once written: re-running the batch for the same date skips
// existing rows instead of rewriting them, so backfills and live runs
// produce the same history.
type TierSnapshot struct {
	ID       string `gorm:"column:id;primaryKey;type:char(26)"`
	OrgID    string `gorm:"column:org_id;uniqueIndex:idx_snapshot_org_worker_asof;not null"`
	WorkerID string `gorm:"column:worker_id;uniqueIndex:idx_snapshot_org_worker_asof;not null"`
	AsOf     string `gorm:"column:as_of;uniqueIndex:idx_snapshot_org_worker_asof;type:char(10);not null"`

	Tier scoring.Tier `gorm:"column:tier;type:varchar(10);not null"`

	ScoreShort     *float64       `gorm:"column:score_short"`
	BreakdownShort datatypes.JSON `gorm:"column:breakdown_short"`
	ScoreLong      *float64       `gorm:"column:score_long"`
	BreakdownLong  datatypes.JSON `gorm:"column:breakdown_long"`

	Provisional bool   `gorm:"column:provisional"`
	VisitCount  int    `gorm:"column:visit_count"`
	AtRisk      bool   `gorm:"column:at_risk"`
	AtRiskNote  string `gorm:"column:at_risk_note;type:varchar(200)"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (TierSnapshot) TableName() string { return "tier_snapshots" }

// TierTransition is the append-only record of a tier change. Every
// system-decided transition references the snapshot that justified it.
type TierTransition struct {
	ID         string       `gorm:"column:id;primaryKey;type:char(26)"`
	Code       string       `gorm:"column:code;type:varchar(30)"`
	OrgID      string       `gorm:"column:org_id;index;not null"`
	WorkerID   string       `gorm:"column:worker_id;index;not null"`
	SnapshotID string       `gorm:"column:snapshot_id;index"`
	FromTier   scoring.Tier `gorm:"column:from_tier;type:varchar(10);not null"`
	ToTier     scoring.Tier `gorm:"column:to_tier;type:varchar(10);not null"`
	Reason     string       `gorm:"column:reason;type:varchar(50);not null"`
	Actor      string       `gorm:"column:actor;type:varchar(50);not null"`
	CreatedAt  time.Time    `gorm:"autoCreateTime"`
}

func (TierTransition) TableName() string { return "tier_transitions" }

// Transition reason codes. ReasonAtRisk entries keep FromTier == ToTier:
// at-risk is an advisory layered on the current tier, not a tier itself.
const (
	ReasonScoreAboveBand = "score_above_band"
	ReasonScoreBelowBand = "score_below_band"
	ReasonOwnerOverride  = "owner_override"
	ReasonAtRisk         = "at_risk"
)

// WorkerFailure is one worker the batch could not process. The batch keeps
// going; the failure surfaces here and in the logs.
type WorkerFailure struct {
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
}

// BatchReport summarises one snapshot or evaluation run.
type BatchReport struct {
	OrgID     string          `json:"org_id"`
	AsOf      string          `json:"as_of"`
	Total     int             `json:"total"`
	Succeeded int             `json:"succeeded"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Failures  []WorkerFailure `json:"failures,omitempty"`
}
