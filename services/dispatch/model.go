package dispatch

import (
	"time"

	"sitterops-core/services/event"
)

type Status string

const (
	StatusUnassigned     Status = "unassigned"
	StatusOffered        Status = "offered"
	StatusAssigned       Status = "assigned"
	StatusManualRequired Status = "manual_required"
)

// BookingDispatch is the dispatch-side state of one booking. The attempt
// count is not stored here: it is always derived by counting non-excluded
// offer events, so the row and the event log cannot disagree.
type BookingDispatch struct {
	ID               string     `gorm:"column:id;primaryKey;type:char(26)"`
	OrgID            string     `gorm:"column:org_id;uniqueIndex:idx_dispatch_org_booking;not null"`
	BookingID        string     `gorm:"column:booking_id;uniqueIndex:idx_dispatch_org_booking;not null"`
	Status           Status     `gorm:"column:status;type:varchar(20);not null;default:'unassigned'"`
	AssignedWorkerID string     `gorm:"column:assigned_worker_id"`
	ManualReason     string     `gorm:"column:manual_reason;type:varchar(100)"`
	ManualAt         *time.Time `gorm:"column:manual_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime"`
}

func (BookingDispatch) TableName() string { return "booking_dispatches" }

// DispatchAudit records escalations and human overrides so manual states
// can be queried and reset without string parsing.
type DispatchAudit struct {
	ID        string    `gorm:"column:id;primaryKey;type:char(26)"`
	OrgID     string    `gorm:"column:org_id;index;not null"`
	BookingID string    `gorm:"column:booking_id;index;not null"`
	Action    string    `gorm:"column:action;type:varchar(30);not null"`
	Actor     string    `gorm:"column:actor;type:varchar(50);not null"`
	Reason    string    `gorm:"column:reason;type:varchar(200)"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (DispatchAudit) TableName() string { return "dispatch_audits" }

const (
	AuditEscalated   = "escalated"
	AuditManualReset = "manual_reset"
	AuditIntegrity   = "integrity_violation"
)

// Reason codes for manual escalation.
const (
	ManualReasonAttemptBudget = "attempt_budget_exhausted"
	ManualReasonIntegrity     = "conflicting_accepted_offers"
)

// ReasonOfferSuperseded is returned when a worker responds to an offer
// that was excluded after a sibling offer won the booking.
const ReasonOfferSuperseded = "offer_superseded"

type OutcomeKind string

const (
	// OutcomeOffered means an offer was created (or an identical open offer
	// already existed and the call was an idempotent retry).
	OutcomeOffered OutcomeKind = "offered"
	// OutcomeNoEligibleCandidates is a signal to escalate, not an error:
	// the candidate pool was empty after cooldown/eligibility filtering.
	OutcomeNoEligibleCandidates OutcomeKind = "no_eligible_candidates"
	// OutcomeManualRequired means automatic matching is suspended for this
	// booking until a human resets it.
	OutcomeManualRequired OutcomeKind = "manual_required"
)

// Outcome is the result of one dispatch call. All three kinds are normal
// business outcomes represented as data.
type Outcome struct {
	Kind   OutcomeKind       `json:"kind"`
	Offer  *event.OfferEvent `json:"offer,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

// RespondResult reports a response to an offer. Applied is false when the
// offer was already terminal: duplicate deliveries are no-ops, not errors.
type RespondResult struct {
	Offer   *event.OfferEvent `json:"offer"`
	Applied bool              `json:"applied"`
}
