package event

import (
	"context"
	"time"

	"sitterops-core/pkg/db/option"
	"sitterops-core/pkg/errutil"
	"sitterops-core/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	visits    repository.Repository[VisitEvent]
	offers    repository.Repository[OfferEvent]
	latencies repository.Repository[MessageLatencyEvent]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		visits:    repository.ProvideStore[VisitEvent](p.DB),
		offers:    repository.ProvideStore[OfferEvent](p.DB),
		latencies: repository.ProvideStore[MessageLatencyEvent](p.DB),
	}
}

type RecordVisitRequest struct {
	OrgID             string      `json:"org_id"`
	WorkerID          string      `json:"worker_id"`
	BookingID         string      `json:"booking_id"`
	ScheduledStart    time.Time   `json:"scheduled_start"`
	ScheduledEnd      time.Time   `json:"scheduled_end"`
	CheckInAt         *time.Time  `json:"check_in_at"`
	CheckOutAt        *time.Time  `json:"check_out_at"`
	Status            VisitStatus `json:"status"`
	LatenessMinutes   int         `json:"lateness_minutes"`
	ChecklistMisses   int         `json:"checklist_misses"`
	MediaMisses       int         `json:"media_misses"`
	VerifiedComplaint bool        `json:"verified_complaint"`
	SafetyFlag        bool        `json:"safety_flag"`
}

// RecordVisit appends one visit fact. Called by the booking-completion
// collaborator at check-out; pure append, no branching logic.
func (s *Service) RecordVisit(ctx context.Context, req RecordVisitRequest) (*VisitEvent, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("org_id", req.OrgID),
		zap.String("worker_id", req.WorkerID),
	)

	if req.OrgID == "" || req.WorkerID == "" || req.BookingID == "" {
		return nil, errutil.BadRequest("org_id, worker_id and booking_id are required", nil)
	}

	switch req.Status {
	case VisitCompleted, VisitLate, VisitNoShow, VisitCancelled:
	default:
		return nil, errutil.BadRequest("unsupported visit status", nil)
	}

	visit := &VisitEvent{
		ID:                s.node.Generate().String(),
		OrgID:             req.OrgID,
		WorkerID:          req.WorkerID,
		BookingID:         req.BookingID,
		ScheduledStart:    req.ScheduledStart,
		ScheduledEnd:      req.ScheduledEnd,
		CheckInAt:         req.CheckInAt,
		CheckOutAt:        req.CheckOutAt,
		Status:            req.Status,
		LatenessMinutes:   req.LatenessMinutes,
		ChecklistMisses:   req.ChecklistMisses,
		MediaMisses:       req.MediaMisses,
		VerifiedComplaint: req.VerifiedComplaint,
		SafetyFlag:        req.SafetyFlag,
	}

	if err := s.visits.Create(ctx, visit); err != nil {
		zapLog.Error("failed to record visit", zap.Error(err))
		return nil, err
	}

	return visit, nil
}

type RecordMessageLatencyRequest struct {
	OrgID        string     `json:"org_id"`
	WorkerID     string     `json:"worker_id"`
	ThreadID     string     `json:"thread_id"`
	InboundAt    time.Time  `json:"inbound_at"`
	FirstReplyAt *time.Time `json:"first_reply_at"`
}

// RecordMessageLatency appends one inbound-message/first-reply pair observed
// by the messaging collaborator.
func (s *Service) RecordMessageLatency(ctx context.Context, req RecordMessageLatencyRequest) (*MessageLatencyEvent, error) {
	if req.OrgID == "" || req.WorkerID == "" {
		return nil, errutil.BadRequest("org_id and worker_id are required", nil)
	}

	if req.InboundAt.IsZero() {
		return nil, errutil.BadRequest("inbound_at is required", nil)
	}

	ev := &MessageLatencyEvent{
		ID:           s.node.Generate().String(),
		OrgID:        req.OrgID,
		WorkerID:     req.WorkerID,
		ThreadID:     req.ThreadID,
		InboundAt:    req.InboundAt,
		FirstReplyAt: req.FirstReplyAt,
	}

	if req.FirstReplyAt != nil {
		ev.LatencySeconds = int64(req.FirstReplyAt.Sub(req.InboundAt) / time.Second)
	}

	if err := s.latencies.Create(ctx, ev); err != nil {
		zap.L().Error("failed to record message latency", zap.Error(err))
		return nil, err
	}

	return ev, nil
}

// ExcludeVisit flips the excluded flag on a visit, the only mutation a
// VisitEvent permits. Used for time-off, disputed rows and owner overrides.
func (s *Service) ExcludeVisit(ctx context.Context, visitID, reason string) error {
	if reason == "" {
		return errutil.BadRequest("an exclusion reason is required", nil)
	}

	visit, err := s.visits.FindOne(ctx, &VisitEvent{ID: visitID})
	if err != nil {
		return err
	}

	if visit == nil {
		return errutil.NotFound("visit not found", nil)
	}

	return s.visits.Update(ctx, visitID, map[string]any{
		"excluded":        true,
		"excluded_reason": reason,
	})
}

// VisitsInWindow returns the non-excluded visits for a worker with a
// scheduled start inside [from, to).
func (s *Service) VisitsInWindow(ctx context.Context, orgID, workerID string, from, to time.Time) ([]*VisitEvent, error) {
	return s.visits.Find(ctx, &VisitEvent{OrgID: orgID, WorkerID: workerID},
		option.ApplyOperator(
			option.Condition{Field: "scheduled_start", Operator: option.GTE, Value: from},
			option.Condition{Field: "scheduled_start", Operator: option.LT, Value: to},
			option.Condition{Field: "excluded", Operator: option.EQ, Value: false},
		),
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "scheduled_start",
			OrderBy: "asc",
			Allow:   map[string]bool{"scheduled_start": true},
		}),
	)
}

// OffersInWindow returns the non-excluded offers made to a worker inside
// [from, to).
func (s *Service) OffersInWindow(ctx context.Context, orgID, workerID string, from, to time.Time) ([]*OfferEvent, error) {
	return s.offers.Find(ctx, &OfferEvent{OrgID: orgID, WorkerID: workerID},
		option.ApplyOperator(
			option.Condition{Field: "offered_at", Operator: option.GTE, Value: from},
			option.Condition{Field: "offered_at", Operator: option.LT, Value: to},
			option.Condition{Field: "excluded", Operator: option.EQ, Value: false},
		),
	)
}

// LatenciesInWindow returns the answered message-latency facts for a worker
// inside [from, to).
func (s *Service) LatenciesInWindow(ctx context.Context, orgID, workerID string, from, to time.Time) ([]*MessageLatencyEvent, error) {
	return s.latencies.Find(ctx, &MessageLatencyEvent{OrgID: orgID, WorkerID: workerID},
		option.ApplyOperator(
			option.Condition{Field: "inbound_at", Operator: option.GTE, Value: from},
			option.Condition{Field: "inbound_at", Operator: option.LT, Value: to},
		),
	)
}
