package dispatch

import (
	"context"
	"errors"
	"time"

	"sitterops-core/pkg/config"
	"sitterops-core/pkg/db/option"
	"sitterops-core/pkg/db/pagination"
	"sitterops-core/pkg/errutil"
	"sitterops-core/pkg/repository"
	"sitterops-core/pkg/sequence"
	"sitterops-core/pkg/task"
	"sitterops-core/services/compensation"
	"sitterops-core/services/event"
	"sitterops-core/services/roster"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errConflictingAccepts marks the one failure mode Respond cannot settle
// on its own: a second live accepted offer for the same booking.
var errConflictingAccepts = errors.New("conflicting accepted offers")

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	offerTTL       time.Duration
	cooldownWindow time.Duration
	maxAttempts    int

	bookings repository.Repository[BookingDispatch]
	offers   repository.Repository[event.OfferEvent]
	audits   repository.Repository[DispatchAudit]

	candidates roster.CandidateSource
	tiers      *compensation.Service
	enqueuer   task.Enqueuer
	seq        sequence.Generator
	chaos      Chaos
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config

	Candidates roster.CandidateSource
	Tiers      *compensation.Service
	Enqueuer   task.Enqueuer      `optional:"true"`
	Seq        sequence.Generator `optional:"true"`
	Chaos      Chaos              `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	chaos := p.Chaos
	if chaos == nil {
		chaos = NopChaos{}
	}

	return &Service{
		db:   p.DB,
		node: p.Node,

		offerTTL:       p.Config.Dispatch.OfferTTL,
		cooldownWindow: p.Config.Dispatch.CooldownWindow,
		maxAttempts:    p.Config.Dispatch.MaxAttempts,

		bookings: repository.ProvideStore[BookingDispatch](p.DB),
		offers:   repository.ProvideStore[event.OfferEvent](p.DB),
		audits:   repository.ProvideStore[DispatchAudit](p.DB),

		candidates: p.Candidates,
		tiers:      p.Tiers,
		enqueuer:   p.Enqueuer,
		seq:        p.Seq,
		chaos:      chaos,
	}
}

// Dispatch offers an unassigned booking to the best eligible candidate.
// Safe to retry: if an open offer already exists for the booking the call
// returns it instead of creating a second one. Two concurrent calls for
// the same booking serialize on the locked booking row.
func (s *Service) Dispatch(ctx context.Context, orgID, bookingID string) (*Outcome, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("org_id", orgID),
		zap.String("booking_id", bookingID),
	)

	if orgID == "" || bookingID == "" {
		return nil, errutil.BadRequest("org_id and booking_id are required", nil)
	}

	if err := s.chaos.Before(ctx, "dispatch"); err != nil {
		return nil, err
	}

	var outcome *Outcome
	var created *event.OfferEvent

	err := s.db.Transaction(func(tx *gorm.DB) error {
		lockTx := tx.Scopes(option.LockingUpdate)
		bookingTx := s.bookings.WithTrx(lockTx)
		offerTx := s.offers.WithTrx(lockTx)

		bd, err := bookingTx.FindOne(ctx, &BookingDispatch{OrgID: orgID, BookingID: bookingID})
		if err != nil {
			return err
		}

		if bd == nil {
			bd = &BookingDispatch{
				ID:        s.node.Generate().String(),
				OrgID:     orgID,
				BookingID: bookingID,
				Status:    StatusUnassigned,
			}
			if err := bookingTx.Create(ctx, bd); err != nil {
				return err
			}
		}

		switch bd.Status {
		case StatusAssigned:
			return errutil.Conflict("booking already assigned", nil)
		case StatusManualRequired:
			outcome = &Outcome{Kind: OutcomeManualRequired, Reason: bd.ManualReason}
			return nil
		}

		allOffers, err := offerTx.Find(ctx, &event.OfferEvent{OrgID: orgID, BookingID: bookingID})
		if err != nil {
			return err
		}

		for _, o := range allOffers {
			if o.Status == event.OfferOffered && !o.Excluded {
				// idempotent retry: the previous dispatch already holds
				outcome = &Outcome{Kind: OutcomeOffered, Offer: o}
				return nil
			}
		}

		attempts := 0
		for _, o := range allOffers {
			if !o.Excluded {
				attempts++
			}
		}

		if attempts >= s.maxAttempts {
			if err := s.escalate(ctx, lockTx, bd, AuditEscalated, ManualReasonAttemptBudget); err != nil {
				return err
			}
			outcome = &Outcome{Kind: OutcomeManualRequired, Reason: ManualReasonAttemptBudget}
			return nil
		}

		pool, err := s.candidates.Candidates(ctx, orgID, bookingID)
		if err != nil {
			return err
		}

		now := time.Now()
		ranked := s.rankCandidates(ctx, tx, orgID, pool, allOffers, now)
		if len(ranked) == 0 {
			outcome = &Outcome{Kind: OutcomeNoEligibleCandidates}
			return nil
		}

		best := ranked[0]
		offer := &event.OfferEvent{
			ID:        s.node.Generate().String(),
			OrgID:     orgID,
			BookingID: bookingID,
			WorkerID:  best.WorkerID,
			Status:    event.OfferOffered,
			OfferedAt: now,
		}

		if s.seq != nil {
			if code, err := s.seq.NextOfferCode(ctx, orgID); err == nil {
				offer.Code = code
			}
		}

		if err := offerTx.Create(ctx, offer); err != nil {
			return err
		}

		if err := bookingTx.Update(ctx, bd.ID, map[string]any{"status": StatusOffered}); err != nil {
			return err
		}

		created = offer
		outcome = &Outcome{Kind: OutcomeOffered, Offer: offer}
		return nil
	})
	if err != nil {
		zapLog.Error("dispatch failed", zap.Error(err))
		return nil, err
	}

	if created != nil {
		s.scheduleExpiry(ctx, created, zapLog)
		zapLog.Info("offer created",
			zap.String("offer_id", created.ID),
			zap.String("worker_id", created.WorkerID),
			zap.Duration("ttl", s.offerTTL),
		)
	}

	return outcome, nil
}

func (s *Service) scheduleExpiry(ctx context.Context, offer *event.OfferEvent, zapLog *zap.Logger) {
	if s.enqueuer == nil {
		return
	}

	t, err := NewOfferExpiryTask(offer.ID)
	if err != nil {
		zapLog.Error("failed to build expiry task", zap.Error(err))
		return
	}

	if _, err := s.enqueuer.Enqueue(ctx, t, asynq.ProcessIn(s.offerTTL), asynq.Queue("critical")); err != nil {
		// the sweep in the worker re-enqueues missed expiries
		zapLog.Error("failed to enqueue expiry task", zap.String("offer_id", offer.ID), zap.Error(err))
	}
}

// Respond applies a worker decision to an open offer. Exactly one terminal
// status wins: duplicate or racing responses find the offer already
// terminal and come back as Applied=false, a no-op rather than an error.
func (s *Service) Respond(ctx context.Context, offerID string, decision Decision) (*RespondResult, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("offer_id", offerID),
		zap.String("decision", string(decision)),
	)

	var newStatus event.OfferStatus
	switch decision {
	case DecisionAccept:
		newStatus = event.OfferAccepted
	case DecisionDecline:
		newStatus = event.OfferDeclined
	default:
		return nil, errutil.BadRequest("decision must be accept or decline", nil)
	}

	if err := s.chaos.Before(ctx, "respond"); err != nil {
		return nil, err
	}

	var result *RespondResult
	var conflicted *event.OfferEvent

	err := s.db.Transaction(func(tx *gorm.DB) error {
		applied, offer, err := s.terminate(ctx, tx, offerID, newStatus)
		if err != nil {
			return err
		}

		if !applied {
			if offer.Excluded {
				// the offer was superseded (a sibling was accepted or a
				// manual reset cleared the booking); a late response must
				// not touch the booking's current assignment
				return errutil.Conflict("offer superseded, response rejected", nil,
					errutil.WithDetails(errutil.Detail{Field: "reason", Message: ReasonOfferSuperseded}))
			}
			result = &RespondResult{Offer: offer, Applied: false}
			return nil
		}

		if decision == DecisionAccept {
			if err := s.applyAccept(ctx, tx, offer); err != nil {
				if errors.Is(err, errConflictingAccepts) {
					conflicted = offer
				}
				return err
			}
		} else {
			if err := s.releaseBooking(ctx, tx, offer); err != nil {
				return err
			}
		}

		result = &RespondResult{Offer: offer, Applied: true}
		return nil
	})
	if conflicted != nil {
		// the accept rolled back; the escalation must not. A second
		// accepted offer for one booking is unresolvable data corruption,
		// so the booking leaves automatic dispatch until a human resets it.
		if escErr := s.escalateBooking(ctx, conflicted.OrgID, conflicted.BookingID, AuditIntegrity, ManualReasonIntegrity); escErr != nil {
			zapLog.Error("failed to escalate after integrity violation", zap.Error(escErr))
		}
		return nil, errutil.Conflict("conflicting accepted offers for booking", nil)
	}
	if err != nil {
		zapLog.Error("respond failed", zap.Error(err))
		return nil, err
	}

	if !result.Applied {
		zapLog.Info("response ignored, offer already terminal", zap.String("status", string(result.Offer.Status)))
	}

	return result, nil
}

// terminate performs the conditional terminal transition on an offer.
// Returns applied=false when the offer was already terminal or excluded;
// what that means is the caller's call (Respond rejects a response to an
// excluded offer, Expire treats it as a no-op).
func (s *Service) terminate(ctx context.Context, tx *gorm.DB, offerID string, newStatus event.OfferStatus) (bool, *event.OfferEvent, error) {
	now := time.Now()

	res := tx.WithContext(ctx).Model(&event.OfferEvent{}).
		Where("id = ? AND status = ? AND excluded = ?", offerID, event.OfferOffered, false).
		Updates(map[string]any{"status": newStatus, "responded_at": now})
	if res.Error != nil {
		return false, nil, res.Error
	}

	offer, err := s.offers.WithTrx(tx).FindOne(ctx, &event.OfferEvent{ID: offerID})
	if err != nil {
		return false, nil, err
	}

	if offer == nil {
		return false, nil, errutil.NotFound("offer not found", nil)
	}

	return res.RowsAffected > 0, offer, nil
}

func (s *Service) applyAccept(ctx context.Context, tx *gorm.DB, offer *event.OfferEvent) error {
	lockTx := tx.Scopes(option.LockingUpdate)
	bookingTx := s.bookings.WithTrx(lockTx)
	offerTx := s.offers.WithTrx(tx)

	bd, err := bookingTx.FindOne(ctx, &BookingDispatch{OrgID: offer.OrgID, BookingID: offer.BookingID})
	if err != nil {
		return err
	}

	if bd == nil {
		return errutil.NotFound("booking has no dispatch state", nil)
	}

	siblings, err := offerTx.Find(ctx, &event.OfferEvent{OrgID: offer.OrgID, BookingID: offer.BookingID})
	if err != nil {
		return err
	}

	for _, sib := range siblings {
		if sib.ID == offer.ID {
			continue
		}

		if sib.Status == event.OfferAccepted && !sib.Excluded {
			// two live accepted offers is a data integrity violation:
			// fatal for this booking, surfaced to the operator queue,
			// never resolved by picking one arbitrarily.
			zap.L().Error("conflicting accepted offers detected",
				zap.String("booking_id", offer.BookingID),
				zap.String("offer_id", offer.ID),
				zap.String("sibling_offer_id", sib.ID),
			)
			return errConflictingAccepts
		}

		// an accepted offer supersedes open siblings synchronously
		if sib.Status == event.OfferOffered && !sib.Excluded {
			if err := offerTx.Update(ctx, sib.ID, map[string]any{"excluded": true}); err != nil {
				return err
			}
		}
	}

	return bookingTx.Update(ctx, bd.ID, map[string]any{
		"status":             StatusAssigned,
		"assigned_worker_id": offer.WorkerID,
	})
}

func (s *Service) releaseBooking(ctx context.Context, tx *gorm.DB, offer *event.OfferEvent) error {
	bookingTx := s.bookings.WithTrx(tx.Scopes(option.LockingUpdate))

	bd, err := bookingTx.FindOne(ctx, &BookingDispatch{OrgID: offer.OrgID, BookingID: offer.BookingID})
	if err != nil {
		return err
	}

	if bd == nil || bd.Status != StatusOffered {
		return nil
	}

	return bookingTx.Update(ctx, bd.ID, map[string]any{"status": StatusUnassigned})
}

// Expire fires the expiry transition for an offer. Behaves like a decline
// for cooldown purposes but keeps its own status in the audit trail.
// Idempotent against timer re-delivery: a terminal or missing offer is a
// no-op.
func (s *Service) Expire(ctx context.Context, offerID string) (*RespondResult, error) {
	if err := s.chaos.Before(ctx, "expire"); err != nil {
		return nil, err
	}

	var result *RespondResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		applied, offer, err := s.terminate(ctx, tx, offerID, event.OfferExpired)
		if err != nil {
			return err
		}

		if !applied {
			result = &RespondResult{Offer: offer, Applied: false}
			return nil
		}

		if err := s.releaseBooking(ctx, tx, offer); err != nil {
			return err
		}

		result = &RespondResult{Offer: offer, Applied: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Applied {
		zap.L().Info("offer expired",
			zap.String("offer_id", offerID),
			zap.String("booking_id", result.Offer.BookingID),
			zap.String("worker_id", result.Offer.WorkerID),
		)
	}

	return result, nil
}

// escalateBooking runs the escalation in its own transaction, for callers
// whose surrounding transaction has already rolled back.
func (s *Service) escalateBooking(ctx context.Context, orgID, bookingID, action, reason string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)

		bd, err := s.bookings.WithTrx(tx).FindOne(ctx, &BookingDispatch{OrgID: orgID, BookingID: bookingID})
		if err != nil {
			return err
		}
		if bd == nil {
			return errutil.NotFound("booking has no dispatch state", nil)
		}

		return s.escalate(ctx, tx, bd, action, reason)
	})
}

func (s *Service) escalate(ctx context.Context, tx *gorm.DB, bd *BookingDispatch, action, reason string) error {
	if bd.Status == StatusManualRequired {
		return nil
	}

	now := time.Now()
	if err := s.bookings.WithTrx(tx).Update(ctx, bd.ID, map[string]any{
		"status":        StatusManualRequired,
		"manual_reason": reason,
		"manual_at":     now,
	}); err != nil {
		return err
	}

	bd.Status = StatusManualRequired
	bd.ManualReason = reason
	bd.ManualAt = &now

	zap.L().Warn("booking escalated to manual dispatch",
		zap.String("org_id", bd.OrgID),
		zap.String("booking_id", bd.BookingID),
		zap.String("reason", reason),
	)

	return s.audits.WithTrx(tx).Create(ctx, &DispatchAudit{
		ID:        s.node.Generate().String(),
		OrgID:     bd.OrgID,
		BookingID: bd.BookingID,
		Action:    action,
		Actor:     "system",
		Reason:    reason,
	})
}

// ResetManual is the audited human override that re-opens automatic
// dispatch for an escalated booking. Existing offers are excluded so the
// derived attempt count starts from zero.
func (s *Service) ResetManual(ctx context.Context, orgID, bookingID, actor string) (*BookingDispatch, error) {
	if actor == "" {
		return nil, errutil.BadRequest("actor is required for a manual reset", nil)
	}

	var reset *BookingDispatch
	err := s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)
		bookingTx := s.bookings.WithTrx(tx)
		offerTx := s.offers.WithTrx(tx)

		bd, err := bookingTx.FindOne(ctx, &BookingDispatch{OrgID: orgID, BookingID: bookingID})
		if err != nil {
			return err
		}

		if bd == nil {
			return errutil.NotFound("booking has no dispatch state", nil)
		}

		if bd.Status != StatusManualRequired {
			return errutil.Conflict("booking is not in manual dispatch", nil)
		}

		offers, err := offerTx.Find(ctx, &event.OfferEvent{OrgID: orgID, BookingID: bookingID})
		if err != nil {
			return err
		}

		for _, o := range offers {
			if !o.Excluded {
				if err := offerTx.Update(ctx, o.ID, map[string]any{"excluded": true}); err != nil {
					return err
				}
			}
		}

		if err := bookingTx.Update(ctx, bd.ID, map[string]any{
			"status":             StatusUnassigned,
			"manual_reason":      "",
			"manual_at":          nil,
			"assigned_worker_id": "",
		}); err != nil {
			return err
		}

		if err := s.audits.WithTrx(tx).Create(ctx, &DispatchAudit{
			ID:        s.node.Generate().String(),
			OrgID:     orgID,
			BookingID: bookingID,
			Action:    AuditManualReset,
			Actor:     actor,
		}); err != nil {
			return err
		}

		bd.Status = StatusUnassigned
		bd.ManualReason = ""
		bd.ManualAt = nil
		bd.AssignedWorkerID = ""
		reset = bd
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("manual dispatch reset",
		zap.String("org_id", orgID),
		zap.String("booking_id", bookingID),
		zap.String("actor", actor),
	)

	return reset, nil
}

// ManualQueue is one page of the operator-facing queue of escalated
// bookings.
type ManualQueue struct {
	Bookings []*BookingDispatch   `json:"bookings"`
	Page     *pagination.PageInfo `json:"page"`
}

// ListManualDispatchBookings pages through escalated bookings in
// escalation order. Snowflake ids are time-ordered, so the id cursor
// walks the queue oldest first.
func (s *Service) ListManualDispatchBookings(ctx context.Context, orgID string, p pagination.Pagination) (*ManualQueue, error) {
	if orgID == "" {
		return nil, errutil.BadRequest("org_id is required", nil)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "id",
			OrderBy: "asc",
			Allow:   map[string]bool{"id": true},
		}),
		option.ApplyPagination(pagination.Pagination{Limit: limit + 1}),
	}

	if p.Cursor != "" {
		cursor, err := pagination.DecodeCursor(p.Cursor)
		if err != nil {
			return nil, errutil.BadRequest("invalid cursor", err)
		}
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "id", Operator: option.GT, Value: cursor.ID}))
	}

	rows, err := s.bookings.Find(ctx, &BookingDispatch{OrgID: orgID, Status: StatusManualRequired}, opts...)
	if err != nil {
		return nil, err
	}

	page := pagination.BuildCursorPageInfo(rows, int32(limit), func(bd *BookingDispatch) string {
		c, _ := pagination.EncodeCursor(pagination.Cursor{ID: bd.ID, CreatedAt: bd.CreatedAt.Format(time.RFC3339)})
		return c
	})

	if len(rows) > limit {
		rows = rows[:limit]
	}

	return &ManualQueue{Bookings: rows, Page: page}, nil
}
