package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"sitterops-core/pkg/errutil"
	"sitterops-core/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &VisitEvent{}, &OfferEvent{}, &MessageLatencyEvent{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node}), db
}

func visitRequest(workerID string, start time.Time) RecordVisitRequest {
	return RecordVisitRequest{
		OrgID:          "org-1",
		WorkerID:       workerID,
		BookingID:      "bk-1",
		ScheduledStart: start,
		ScheduledEnd:   start.Add(time.Hour),
		Status:         VisitCompleted,
	}
}

func TestRecordVisit(t *testing.T) {
	svc, _ := newTestService(t)

	visit, err := svc.RecordVisit(context.Background(), visitRequest("w-1", time.Now()))
	require.NoError(t, err)
	require.NotEmpty(t, visit.ID)
	require.Equal(t, VisitCompleted, visit.Status)
	require.False(t, visit.Excluded)
}

func TestRecordVisitValidation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.RecordVisit(context.Background(), RecordVisitRequest{OrgID: "org-1"})
	require.Error(t, err)

	req := visitRequest("w-1", time.Now())
	req.Status = VisitStatus("imaginary")
	_, err = svc.RecordVisit(context.Background(), req)
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusBadRequest, be.Status())
}

func TestRecordMessageLatencyComputesSeconds(t *testing.T) {
	svc, _ := newTestService(t)

	inbound := time.Now().Add(-30 * time.Minute)
	reply := inbound.Add(12 * time.Minute)

	ev, err := svc.RecordMessageLatency(context.Background(), RecordMessageLatencyRequest{
		OrgID:        "org-1",
		WorkerID:     "w-1",
		InboundAt:    inbound,
		FirstReplyAt: &reply,
	})
	require.NoError(t, err)
	require.EqualValues(t, 12*60, ev.LatencySeconds)

	// unanswered thread: no latency yet
	ev, err = svc.RecordMessageLatency(context.Background(), RecordMessageLatencyRequest{
		OrgID:     "org-1",
		WorkerID:  "w-1",
		InboundAt: inbound,
	})
	require.NoError(t, err)
	require.Nil(t, ev.FirstReplyAt)
	require.Zero(t, ev.LatencySeconds)
}

func TestExcludeVisit(t *testing.T) {
	svc, db := newTestService(t)

	visit, err := svc.RecordVisit(context.Background(), visitRequest("w-1", time.Now()))
	require.NoError(t, err)

	require.Error(t, svc.ExcludeVisit(context.Background(), visit.ID, ""))
	require.NoError(t, svc.ExcludeVisit(context.Background(), visit.ID, "approved time off"))

	var got VisitEvent
	require.NoError(t, db.Where("id = ?", visit.ID).First(&got).Error)
	require.True(t, got.Excluded)
	require.Equal(t, "approved time off", got.ExcludedReason)

	err = svc.ExcludeVisit(context.Background(), "missing", "whatever")
	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusNotFound, be.Status())
}

func TestVisitsInWindowFiltersExcludedAndOutOfRange(t *testing.T) {
	svc, _ := newTestService(t)

	now := time.Now()
	inWindow, err := svc.RecordVisit(context.Background(), visitRequest("w-1", now.AddDate(0, 0, -3)))
	require.NoError(t, err)

	excluded, err := svc.RecordVisit(context.Background(), visitRequest("w-1", now.AddDate(0, 0, -4)))
	require.NoError(t, err)
	require.NoError(t, svc.ExcludeVisit(context.Background(), excluded.ID, "disputed"))

	_, err = svc.RecordVisit(context.Background(), visitRequest("w-1", now.AddDate(0, 0, -40)))
	require.NoError(t, err)

	_, err = svc.RecordVisit(context.Background(), visitRequest("w-2", now.AddDate(0, 0, -2)))
	require.NoError(t, err)

	visits, err := svc.VisitsInWindow(context.Background(), "org-1", "w-1", now.AddDate(0, 0, -30), now)
	require.NoError(t, err)
	require.Len(t, visits, 1)
	require.Equal(t, inWindow.ID, visits[0].ID)
}

func TestOffersInWindowSkipsExcluded(t *testing.T) {
	svc, db := newTestService(t)

	now := time.Now()
	require.NoError(t, db.Create(&OfferEvent{
		ID: "of-1", OrgID: "org-1", BookingID: "bk-1", WorkerID: "w-1",
		Status: OfferDeclined, OfferedAt: now.AddDate(0, 0, -1),
	}).Error)
	require.NoError(t, db.Create(&OfferEvent{
		ID: "of-2", OrgID: "org-1", BookingID: "bk-2", WorkerID: "w-1",
		Status: OfferDeclined, OfferedAt: now.AddDate(0, 0, -2), Excluded: true,
	}).Error)

	offers, err := svc.OffersInWindow(context.Background(), "org-1", "w-1", now.AddDate(0, 0, -30), now)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	require.Equal(t, "of-1", offers[0].ID)
}
