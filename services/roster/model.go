package roster

import "time"

// Worker is the slice of the sitter CRM this engine reads: enough to
// enumerate active workers for batch scoring and to seed dispatch
// candidate pools. The surrounding product owns the rest of the profile.
type Worker struct {
	ID          string `gorm:"column:id;primaryKey;type:char(26)"`
	OrgID       string `gorm:"column:org_id;uniqueIndex:idx_roster_org_worker;not null"`
	WorkerID    string `gorm:"column:worker_id;uniqueIndex:idx_roster_org_worker;not null"`
	DisplayName string `gorm:"column:display_name;type:varchar(120)"`
	// no default tag: gorm would omit a zero value on insert and silently
	// store a deactivated worker as active
	Active                  bool       `gorm:"column:active;not null"`
	HomeZone                string     `gorm:"column:home_zone;type:varchar(50)"`
	AvailabilityConfirmedAt *time.Time `gorm:"column:availability_confirmed_at"`
	CreatedAt               time.Time  `gorm:"autoCreateTime"`
	UpdatedAt               time.Time  `gorm:"autoUpdateTime"`
}

func (Worker) TableName() string { return "roster_workers" }

// Candidate is one worker proposed for a booking, with the availability
// signal the ranking tie-break uses.
type Candidate struct {
	WorkerID                string
	AvailabilityConfirmedAt *time.Time
}
