package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"sitterops-core/pkg/config"
	"sitterops-core/pkg/db/pagination"
	"sitterops-core/pkg/errutil"
	"sitterops-core/services/compensation"
	"sitterops-core/services/event"
	"sitterops-core/services/roster"
	"sitterops-core/services/scoring"
	"sitterops-core/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type stubCandidateSource struct {
	candidates []roster.Candidate
	err        error
}

func (s *stubCandidateSource) Candidates(ctx context.Context, orgID, bookingID string) ([]roster.Candidate, error) {
	return s.candidates, s.err
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Dispatch.OfferTTL = 10 * time.Minute
	cfg.Dispatch.CooldownWindow = 24 * time.Hour
	cfg.Dispatch.MaxAttempts = 5
	return cfg
}

func newTestService(t *testing.T, source roster.CandidateSource) (*Service, *compensation.Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&BookingDispatch{},
		&DispatchAudit{},
		&event.OfferEvent{},
		&compensation.SitterCompensation{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	comp := compensation.NewService(compensation.ServiceParams{DB: db, Node: node})

	svc := NewService(ServiceParams{
		DB:         db,
		Node:       node,
		Config:     testConfig(),
		Candidates: source,
		Tiers:      comp,
	})

	return svc, comp, db
}

func candidates(workerIDs ...string) []roster.Candidate {
	out := make([]roster.Candidate, 0, len(workerIDs))
	for _, id := range workerIDs {
		out = append(out, roster.Candidate{WorkerID: id})
	}
	return out
}

func TestDispatchCreatesOffer(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-1")})

	outcome, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeOffered, outcome.Kind)
	require.NotNil(t, outcome.Offer)
	require.Equal(t, "w-1", outcome.Offer.WorkerID)
	require.Equal(t, event.OfferOffered, outcome.Offer.Status)

	var bd BookingDispatch
	require.NoError(t, db.Where("org_id = ? AND booking_id = ?", "org-1", "bk-1").First(&bd).Error)
	require.Equal(t, StatusOffered, bd.Status)
}

func TestDispatchPrefersHigherTier(t *testing.T) {
	svc, comp, _ := newTestService(t, &stubCandidateSource{candidates: candidates("w-bronze", "w-gold")})

	_, err := comp.ApplyTierRate(context.Background(), "org-1", "w-gold", scoring.TierGold, "test")
	require.NoError(t, err)

	outcome, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeOffered, outcome.Kind)
	require.Equal(t, "w-gold", outcome.Offer.WorkerID)
}

func TestDispatchIdempotentRetry(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-1", "w-2")})

	first, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)

	second, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeOffered, second.Kind)
	require.Equal(t, first.Offer.ID, second.Offer.ID)

	var count int64
	require.NoError(t, db.Model(&event.OfferEvent{}).Where("booking_id = ?", "bk-1").Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestDispatchNoEligibleCandidates(t *testing.T) {
	svc, _, _ := newTestService(t, &stubCandidateSource{})

	outcome, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoEligibleCandidates, outcome.Kind)
}

func seedOffer(t *testing.T, db *gorm.DB, id, bookingID, workerID string, status event.OfferStatus, respondedAt time.Time, excluded bool) {
	t.Helper()
	offer := &event.OfferEvent{
		ID:        id,
		OrgID:     "org-1",
		BookingID: bookingID,
		WorkerID:  workerID,
		Status:    status,
		OfferedAt: respondedAt.Add(-10 * time.Minute),
		Excluded:  excluded,
	}
	if status != event.OfferOffered {
		offer.RespondedAt = &respondedAt
	}
	require.NoError(t, db.Create(offer).Error)
}

func TestDispatchCooldownFiltersRecentDecline(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-1")})

	seedOffer(t, db, "of-1", "bk-1", "w-1", event.OfferDeclined, time.Now().Add(-1*time.Hour), false)

	outcome, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoEligibleCandidates, outcome.Kind)
}

func TestDispatchCooldownExpiresAfterWindow(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-1")})

	seedOffer(t, db, "of-1", "bk-1", "w-1", event.OfferDeclined, time.Now().Add(-25*time.Hour), false)

	outcome, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeOffered, outcome.Kind)
	require.Equal(t, "w-1", outcome.Offer.WorkerID)
}

func TestDispatchCooldownCountsExcludedOffers(t *testing.T) {
	// exclusion removes an offer from the attempt budget, not from the
	// worker's behavioral history
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-1")})

	seedOffer(t, db, "of-1", "bk-1", "w-1", event.OfferExpired, time.Now().Add(-2*time.Hour), true)

	outcome, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoEligibleCandidates, outcome.Kind)
}

func TestDispatchEscalatesWhenBudgetExhausted(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-6")})

	respondedAt := time.Now().Add(-48 * time.Hour)
	for i, workerID := range []string{"w-1", "w-2", "w-3", "w-4", "w-5"} {
		seedOffer(t, db, ids(i), "bk-1", workerID, event.OfferDeclined, respondedAt, false)
	}

	outcome, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeManualRequired, outcome.Kind)
	require.Equal(t, ManualReasonAttemptBudget, outcome.Reason)

	var bd BookingDispatch
	require.NoError(t, db.Where("booking_id = ?", "bk-1").First(&bd).Error)
	require.Equal(t, StatusManualRequired, bd.Status)
	require.NotNil(t, bd.ManualAt)

	var audits int64
	require.NoError(t, db.Model(&DispatchAudit{}).Where("booking_id = ? AND action = ?", "bk-1", AuditEscalated).Count(&audits).Error)
	require.EqualValues(t, 1, audits)

	// repeat dispatch reports manual state without a second audit row
	again, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeManualRequired, again.Kind)

	require.NoError(t, db.Model(&DispatchAudit{}).Where("booking_id = ?", "bk-1").Count(&audits).Error)
	require.EqualValues(t, 1, audits)
}

func ids(i int) string {
	return string(rune('a'+i)) + "-seed"
}

func TestRespondAcceptAssignsBooking(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-1")})

	outcome, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)

	result, err := svc.Respond(context.Background(), outcome.Offer.ID, DecisionAccept)
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.Equal(t, event.OfferAccepted, result.Offer.Status)
	require.NotNil(t, result.Offer.RespondedAt)

	var bd BookingDispatch
	require.NoError(t, db.Where("booking_id = ?", "bk-1").First(&bd).Error)
	require.Equal(t, StatusAssigned, bd.Status)
	require.Equal(t, "w-1", bd.AssignedWorkerID)
}

func TestRespondDuplicateIsNoOp(t *testing.T) {
	svc, _, _ := newTestService(t, &stubCandidateSource{candidates: candidates("w-1")})

	outcome, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)

	first, err := svc.Respond(context.Background(), outcome.Offer.ID, DecisionAccept)
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := svc.Respond(context.Background(), outcome.Offer.ID, DecisionDecline)
	require.NoError(t, err)
	require.False(t, second.Applied)
	require.Equal(t, event.OfferAccepted, second.Offer.Status)
}

func TestRespondDeclineReleasesBooking(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-1")})

	outcome, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)

	result, err := svc.Respond(context.Background(), outcome.Offer.ID, DecisionDecline)
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.Equal(t, event.OfferDeclined, result.Offer.Status)

	var bd BookingDispatch
	require.NoError(t, db.Where("booking_id = ?", "bk-1").First(&bd).Error)
	require.Equal(t, StatusUnassigned, bd.Status)
}

func TestRespondUnknownOffer(t *testing.T) {
	svc, _, _ := newTestService(t, &stubCandidateSource{})

	_, err := svc.Respond(context.Background(), "missing", DecisionAccept)
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusNotFound, be.Status())
}

func TestRespondInvalidDecision(t *testing.T) {
	svc, _, _ := newTestService(t, &stubCandidateSource{})

	_, err := svc.Respond(context.Background(), "of-1", Decision("maybe"))
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusBadRequest, be.Status())
}

func TestRespondAcceptConflictEscalates(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-1")})

	respondedAt := time.Now().Add(-1 * time.Hour)
	require.NoError(t, db.Create(&BookingDispatch{
		ID: "bd-1", OrgID: "org-1", BookingID: "bk-1", Status: StatusOffered,
	}).Error)
	seedOffer(t, db, "of-accepted", "bk-1", "w-1", event.OfferAccepted, respondedAt, false)
	seedOffer(t, db, "of-open", "bk-1", "w-2", event.OfferOffered, time.Now(), false)

	_, err := svc.Respond(context.Background(), "of-open", DecisionAccept)
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusConflict, be.Status())

	// the accept rolled back, the escalation stuck
	var open event.OfferEvent
	require.NoError(t, db.Where("id = ?", "of-open").First(&open).Error)
	require.Equal(t, event.OfferOffered, open.Status)

	var bd BookingDispatch
	require.NoError(t, db.Where("booking_id = ?", "bk-1").First(&bd).Error)
	require.Equal(t, StatusManualRequired, bd.Status)
	require.Equal(t, ManualReasonIntegrity, bd.ManualReason)
}

func TestRespondAcceptExcludesOpenSiblings(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-1")})

	require.NoError(t, db.Create(&BookingDispatch{
		ID: "bd-1", OrgID: "org-1", BookingID: "bk-1", Status: StatusOffered,
	}).Error)
	seedOffer(t, db, "of-1", "bk-1", "w-1", event.OfferOffered, time.Now(), false)
	seedOffer(t, db, "of-2", "bk-1", "w-2", event.OfferOffered, time.Now(), false)

	result, err := svc.Respond(context.Background(), "of-1", DecisionAccept)
	require.NoError(t, err)
	require.True(t, result.Applied)

	var sibling event.OfferEvent
	require.NoError(t, db.Where("id = ?", "of-2").First(&sibling).Error)
	require.True(t, sibling.Excluded)
}

func TestRespondSupersededOfferRejected(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-1")})

	require.NoError(t, db.Create(&BookingDispatch{
		ID: "bd-1", OrgID: "org-1", BookingID: "bk-1", Status: StatusOffered,
	}).Error)
	seedOffer(t, db, "of-1", "bk-1", "w-1", event.OfferOffered, time.Now(), false)
	seedOffer(t, db, "of-2", "bk-1", "w-2", event.OfferOffered, time.Now(), false)

	result, err := svc.Respond(context.Background(), "of-1", DecisionAccept)
	require.NoError(t, err)
	require.True(t, result.Applied)

	// w-2's stale accept arrives after the sibling won the booking
	_, err = svc.Respond(context.Background(), "of-2", DecisionAccept)
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusConflict, be.Status())
	require.Len(t, be.Details, 1)
	require.Equal(t, ReasonOfferSuperseded, be.Details[0].Message)

	// the rejected response touched nothing: the assignment stands and the
	// booking never left automatic dispatch
	var bd BookingDispatch
	require.NoError(t, db.Where("booking_id = ?", "bk-1").First(&bd).Error)
	require.Equal(t, StatusAssigned, bd.Status)
	require.Equal(t, "w-1", bd.AssignedWorkerID)
	require.Empty(t, bd.ManualReason)

	var stale event.OfferEvent
	require.NoError(t, db.Where("id = ?", "of-2").First(&stale).Error)
	require.Equal(t, event.OfferOffered, stale.Status)
	require.True(t, stale.Excluded)

	var audits int64
	require.NoError(t, db.Model(&DispatchAudit{}).Where("booking_id = ?", "bk-1").Count(&audits).Error)
	require.Zero(t, audits)
}

func TestExpireSupersededOfferIsNoOp(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-1")})

	require.NoError(t, db.Create(&BookingDispatch{
		ID: "bd-1", OrgID: "org-1", BookingID: "bk-1", Status: StatusAssigned, AssignedWorkerID: "w-1",
	}).Error)
	seedOffer(t, db, "of-1", "bk-1", "w-1", event.OfferAccepted, time.Now(), false)
	seedOffer(t, db, "of-2", "bk-1", "w-2", event.OfferOffered, time.Now(), true)

	// the excluded offer's expiry timer still fires; it must not release
	// the assigned booking
	result, err := svc.Expire(context.Background(), "of-2")
	require.NoError(t, err)
	require.False(t, result.Applied)

	var bd BookingDispatch
	require.NoError(t, db.Where("booking_id = ?", "bk-1").First(&bd).Error)
	require.Equal(t, StatusAssigned, bd.Status)
}

func TestRespondExpireRaceOneWinner(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-1")})

	outcome, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)
	offerID := outcome.Offer.ID

	var wg sync.WaitGroup
	var respondResult, expireResult *RespondResult
	var respondErr, expireErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		respondResult, respondErr = svc.Respond(context.Background(), offerID, DecisionAccept)
	}()
	go func() {
		defer wg.Done()
		expireResult, expireErr = svc.Expire(context.Background(), offerID)
	}()
	wg.Wait()

	require.NoError(t, respondErr)
	require.NoError(t, expireErr)

	// exactly one terminal transition wins, the loser is a no-op
	require.NotEqual(t, respondResult.Applied, expireResult.Applied)

	var offer event.OfferEvent
	require.NoError(t, db.Where("id = ?", offerID).First(&offer).Error)

	var bd BookingDispatch
	require.NoError(t, db.Where("booking_id = ?", "bk-1").First(&bd).Error)

	if respondResult.Applied {
		require.Equal(t, event.OfferAccepted, offer.Status)
		require.Equal(t, StatusAssigned, bd.Status)
		require.Equal(t, "w-1", bd.AssignedWorkerID)
	} else {
		require.Equal(t, event.OfferExpired, offer.Status)
		require.Equal(t, StatusUnassigned, bd.Status)
	}
}

func TestDispatchConcurrentSingleOpenOffer(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-1", "w-2")})

	var wg sync.WaitGroup
	outcomes := make([]*Outcome, 2)
	errs := make([]error, 2)

	wg.Add(2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			defer wg.Done()
			outcomes[i], errs[i] = svc.Dispatch(context.Background(), "org-1", "bk-1")
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, OutcomeOffered, outcomes[0].Kind)
	require.Equal(t, OutcomeOffered, outcomes[1].Kind)
	require.Equal(t, outcomes[0].Offer.ID, outcomes[1].Offer.ID)

	var open int64
	require.NoError(t, db.Model(&event.OfferEvent{}).
		Where("booking_id = ? AND status = ? AND excluded = ?", "bk-1", event.OfferOffered, false).
		Count(&open).Error)
	require.EqualValues(t, 1, open)
}

func TestExpireReleasesBooking(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-1")})

	outcome, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)

	result, err := svc.Expire(context.Background(), outcome.Offer.ID)
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.Equal(t, event.OfferExpired, result.Offer.Status)

	var bd BookingDispatch
	require.NoError(t, db.Where("booking_id = ?", "bk-1").First(&bd).Error)
	require.Equal(t, StatusUnassigned, bd.Status)

	// a re-delivered timer is a no-op
	again, err := svc.Expire(context.Background(), outcome.Offer.ID)
	require.NoError(t, err)
	require.False(t, again.Applied)
}

func TestResetManualReopensDispatch(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{candidates: candidates("w-6")})

	respondedAt := time.Now().Add(-48 * time.Hour)
	for i, workerID := range []string{"w-1", "w-2", "w-3", "w-4", "w-5"} {
		seedOffer(t, db, ids(i), "bk-1", workerID, event.OfferDeclined, respondedAt, false)
	}

	outcome, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeManualRequired, outcome.Kind)

	bd, err := svc.ResetManual(context.Background(), "org-1", "bk-1", "owner@example.com")
	require.NoError(t, err)
	require.Equal(t, StatusUnassigned, bd.Status)
	require.Empty(t, bd.ManualReason)

	var excluded int64
	require.NoError(t, db.Model(&event.OfferEvent{}).Where("booking_id = ? AND excluded = ?", "bk-1", true).Count(&excluded).Error)
	require.EqualValues(t, 5, excluded)

	var audits int64
	require.NoError(t, db.Model(&DispatchAudit{}).Where("booking_id = ? AND action = ?", "bk-1", AuditManualReset).Count(&audits).Error)
	require.EqualValues(t, 1, audits)

	// the attempt budget restarted from zero
	next, err := svc.Dispatch(context.Background(), "org-1", "bk-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeOffered, next.Kind)
	require.Equal(t, "w-6", next.Offer.WorkerID)
}

func TestResetManualRequiresManualState(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{})

	require.NoError(t, db.Create(&BookingDispatch{
		ID: "bd-1", OrgID: "org-1", BookingID: "bk-1", Status: StatusUnassigned,
	}).Error)

	_, err := svc.ResetManual(context.Background(), "org-1", "bk-1", "owner@example.com")
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusConflict, be.Status())

	_, err = svc.ResetManual(context.Background(), "org-1", "bk-1", "")
	require.Error(t, err)
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusBadRequest, be.Status())
}

func TestListManualDispatchBookings(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{})

	now := time.Now()
	require.NoError(t, db.Create(&BookingDispatch{
		ID: "bd-1", OrgID: "org-1", BookingID: "bk-1", Status: StatusManualRequired, ManualAt: &now,
	}).Error)
	require.NoError(t, db.Create(&BookingDispatch{
		ID: "bd-2", OrgID: "org-1", BookingID: "bk-2", Status: StatusUnassigned,
	}).Error)
	require.NoError(t, db.Create(&BookingDispatch{
		ID: "bd-3", OrgID: "org-2", BookingID: "bk-3", Status: StatusManualRequired, ManualAt: &now,
	}).Error)

	queue, err := svc.ListManualDispatchBookings(context.Background(), "org-1", pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, queue.Bookings, 1)
	require.Equal(t, "bk-1", queue.Bookings[0].BookingID)
	require.False(t, queue.Page.HasMore)
}

func TestListManualDispatchBookingsPaginates(t *testing.T) {
	svc, _, db := newTestService(t, &stubCandidateSource{})

	now := time.Now()
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, db.Create(&BookingDispatch{
			ID: "bd-" + id, OrgID: "org-1", BookingID: "bk-" + id,
			Status: StatusManualRequired, ManualAt: &now,
		}).Error)
	}

	first, err := svc.ListManualDispatchBookings(context.Background(), "org-1", pagination.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Bookings, 2)
	require.True(t, first.Page.HasMore)
	require.NotEmpty(t, first.Page.NextCursor)

	second, err := svc.ListManualDispatchBookings(context.Background(), "org-1", pagination.Pagination{Limit: 2, Cursor: first.Page.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Bookings, 1)
	require.False(t, second.Page.HasMore)
	require.Equal(t, "bk-3", second.Bookings[0].BookingID)
}
