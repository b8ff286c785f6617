package event

import (
	"time"
)

type VisitStatus string

const (
	VisitCompleted VisitStatus = "completed"
	VisitLate      VisitStatus = "late"
	VisitNoShow    VisitStatus = "no_show"
	VisitCancelled VisitStatus = "cancelled"
)

type OfferStatus string

const (
	OfferOffered  OfferStatus = "offered"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
)

// VisitEvent is one real-world service occurrence, created at check-out.
// It is immutable except for the excluded flag (time-off, disputed rows).
type VisitEvent struct {
	ID                string      `gorm:"column:id;primaryKey;type:char(26)"`
	OrgID             string      `gorm:"column:org_id;index:idx_visit_org_worker;not null"`
	WorkerID          string      `gorm:"column:worker_id;index:idx_visit_org_worker;not null"`
	BookingID         string      `gorm:"column:booking_id;index;not null"`
	ScheduledStart    time.Time   `gorm:"column:scheduled_start;not null"`
	ScheduledEnd      time.Time   `gorm:"column:scheduled_end;not null"`
	CheckInAt         *time.Time  `gorm:"column:check_in_at"`
	CheckOutAt        *time.Time  `gorm:"column:check_out_at"`
	Status            VisitStatus `gorm:"column:status;type:varchar(20);not null"`
	LatenessMinutes   int         `gorm:"column:lateness_minutes"`
	ChecklistMisses   int         `gorm:"column:checklist_misses"`
	MediaMisses       int         `gorm:"column:media_misses"`
	VerifiedComplaint bool        `gorm:"column:verified_complaint"`
	SafetyFlag        bool        `gorm:"column:safety_flag"`
	Excluded          bool        `gorm:"column:excluded"`
	ExcludedReason    string      `gorm:"column:excluded_reason;type:varchar(100)"`
	CreatedAt         time.Time   `gorm:"autoCreateTime"`
}

func (VisitEvent) TableName() string { return "visit_events" }

// OfferEvent is one dispatch attempt of a booking to one worker. The
// terminal status is set exactly once; rows are never deleted. Excluded
// marks offers superseded out of the attempt count (sibling offers of an
// accepted one, offers voided by a manual reset).
type OfferEvent struct {
	ID          string      `gorm:"column:id;primaryKey;type:char(26)"`
	Code        string      `gorm:"column:code;type:varchar(30)"`
	OrgID       string      `gorm:"column:org_id;index;not null"`
	BookingID   string      `gorm:"column:booking_id;index;not null"`
	WorkerID    string      `gorm:"column:worker_id;index;not null"`
	Status      OfferStatus `gorm:"column:status;type:varchar(20);not null"`
	OfferedAt   time.Time   `gorm:"column:offered_at;not null"`
	RespondedAt *time.Time  `gorm:"column:responded_at"`
	Excluded    bool        `gorm:"column:excluded"`
	CreatedAt   time.Time   `gorm:"autoCreateTime"`
	UpdatedAt   time.Time   `gorm:"autoUpdateTime"`
}

func (OfferEvent) TableName() string { return "offer_events" }

func (o *OfferEvent) Terminal() bool {
	return o.Status != OfferOffered
}

// MessageLatencyEvent is a response-latency fact derived from the messaging
// subsystem: inbound client message to first worker reply. Owned by the
// messaging collaborator, consumed read-only by scoring.
type MessageLatencyEvent struct {
	ID             string     `gorm:"column:id;primaryKey;type:char(26)"`
	OrgID          string     `gorm:"column:org_id;index:idx_msg_org_worker;not null"`
	WorkerID       string     `gorm:"column:worker_id;index:idx_msg_org_worker;not null"`
	ThreadID       string     `gorm:"column:thread_id"`
	InboundAt      time.Time  `gorm:"column:inbound_at;not null"`
	FirstReplyAt   *time.Time `gorm:"column:first_reply_at"`
	LatencySeconds int64      `gorm:"column:latency_seconds"`
	CreatedAt      time.Time  `gorm:"autoCreateTime"`
}

func (MessageLatencyEvent) TableName() string { return "message_latency_events" }
