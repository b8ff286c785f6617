package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sitterops-core/pkg/config"
	"sitterops-core/services/event"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type stubSource struct {
	visits    []*event.VisitEvent
	offers    []*event.OfferEvent
	latencies []*event.MessageLatencyEvent
}

func (s *stubSource) VisitsInWindow(ctx context.Context, orgID, workerID string, from, to time.Time) ([]*event.VisitEvent, error) {
	return s.visits, nil
}

func (s *stubSource) OffersInWindow(ctx context.Context, orgID, workerID string, from, to time.Time) ([]*event.OfferEvent, error) {
	return s.offers, nil
}

func (s *stubSource) LatenciesInWindow(ctx context.Context, orgID, workerID string, from, to time.Time) ([]*event.MessageLatencyEvent, error) {
	return s.latencies, nil
}

func newTestEngine(source EventSource) *Engine {
	cfg := &config.Config{}
	cfg.Scoring.MinSampleVisits = 5
	cfg.Scoring.OnTimeThresholdMin = 10
	return NewEngine(EngineParams{Source: source, Config: cfg})
}

func completedVisits(n int) []*event.VisitEvent {
	visits := make([]*event.VisitEvent, 0, n)
	for i := 0; i < n; i++ {
		visits = append(visits, &event.VisitEvent{Status: event.VisitCompleted})
	}
	return visits
}

func TestComputeProvisionalBelowMinSample(t *testing.T) {
	engine := newTestEngine(&stubSource{visits: completedVisits(4)})

	result, err := engine.Compute(context.Background(), "org-1", "w-1", time.Now(), WindowShortDays)
	require.NoError(t, err)
	require.True(t, result.Provisional)
	require.Nil(t, result.Score)
	require.Equal(t, 4, result.VisitCount)
	require.Empty(t, result.Breakdown)
}

func TestComputeProvisionalEmptyWindow(t *testing.T) {
	engine := newTestEngine(&stubSource{})

	result, err := engine.Compute(context.Background(), "org-1", "w-1", time.Now(), WindowShortDays)
	require.NoError(t, err)
	require.True(t, result.Provisional)
	require.Nil(t, result.Score)
}

func TestComputePerfectRecordScoresFull(t *testing.T) {
	now := time.Now()
	reply := now.Add(-5 * time.Minute)
	engine := newTestEngine(&stubSource{
		visits: completedVisits(10),
		offers: []*event.OfferEvent{
			{Status: event.OfferAccepted},
			{Status: event.OfferAccepted},
		},
		latencies: []*event.MessageLatencyEvent{
			{InboundAt: now.Add(-10 * time.Minute), FirstReplyAt: &reply, LatencySeconds: 300},
		},
	})

	result, err := engine.Compute(context.Background(), "org-1", "w-1", now, WindowShortDays)
	require.NoError(t, err)
	require.False(t, result.Provisional)
	require.NotNil(t, result.Score)
	require.InDelta(t, 100, *result.Score, 0.001)
}

func TestComputeRenormalisesMissingFactors(t *testing.T) {
	// no offers and no messages: the visit factors carry the full weight,
	// so a clean visit record still scores 100
	engine := newTestEngine(&stubSource{visits: completedVisits(6)})

	result, err := engine.Compute(context.Background(), "org-1", "w-1", time.Now(), WindowShortDays)
	require.NoError(t, err)
	require.NotNil(t, result.Score)
	require.InDelta(t, 100, *result.Score, 0.001)
	require.Len(t, result.Breakdown, 6)
}

func TestComputeLatenessLowersOnTimeRate(t *testing.T) {
	visits := completedVisits(8)
	visits = append(visits,
		&event.VisitEvent{Status: event.VisitCompleted, LatenessMinutes: 45},
		&event.VisitEvent{Status: event.VisitCompleted, LatenessMinutes: 30},
	)

	engine := newTestEngine(&stubSource{visits: visits})

	result, err := engine.Compute(context.Background(), "org-1", "w-1", time.Now(), WindowShortDays)
	require.NoError(t, err)
	require.NotNil(t, result.Score)
	require.Less(t, *result.Score, float64(100))

	var onTime *Factor
	for i := range result.Breakdown {
		if result.Breakdown[i].Name == FactorOnTime {
			onTime = &result.Breakdown[i]
		}
	}
	require.NotNil(t, onTime)
	require.InDelta(t, 0.8, onTime.Value, 0.001)
}

func TestComputeNoShowAndComplaints(t *testing.T) {
	visits := completedVisits(8)
	visits = append(visits,
		&event.VisitEvent{Status: event.VisitNoShow},
		&event.VisitEvent{Status: event.VisitCompleted, VerifiedComplaint: true},
	)

	engine := newTestEngine(&stubSource{visits: visits})

	result, err := engine.Compute(context.Background(), "org-1", "w-1", time.Now(), WindowShortDays)
	require.NoError(t, err)
	require.NotNil(t, result.Score)

	factors := map[string]Factor{}
	for _, f := range result.Breakdown {
		factors[f.Name] = f
	}
	require.InDelta(t, 0.9, factors[FactorCompletion].Value, 0.001)
	require.InDelta(t, 0.9, factors[FactorComplaintFree].Value, 0.001)
}

func TestComputeSlowRepliesZeroTheFactor(t *testing.T) {
	reply := time.Now()
	latencies := make([]*event.MessageLatencyEvent, 0, 10)
	for i := 0; i < 10; i++ {
		latencies = append(latencies, &event.MessageLatencyEvent{
			FirstReplyAt:   &reply,
			LatencySeconds: 5 * 60 * 60,
		})
	}

	engine := newTestEngine(&stubSource{visits: completedVisits(6), latencies: latencies})

	result, err := engine.Compute(context.Background(), "org-1", "w-1", time.Now(), WindowShortDays)
	require.NoError(t, err)
	require.NotNil(t, result.Score)

	var reply90 *Factor
	for i := range result.Breakdown {
		if result.Breakdown[i].Name == FactorMessageReply {
			reply90 = &result.Breakdown[i]
		}
	}
	require.NotNil(t, reply90)
	require.Zero(t, reply90.Value)
	require.Less(t, *result.Score, float64(100))
}

func TestComputeOfferResponseRates(t *testing.T) {
	engine := newTestEngine(&stubSource{
		visits: completedVisits(6),
		offers: []*event.OfferEvent{
			{Status: event.OfferAccepted},
			{Status: event.OfferDeclined},
			{Status: event.OfferExpired},
			{Status: event.OfferExpired},
			{Status: event.OfferOffered}, // open, no signal yet
		},
	})

	result, err := engine.Compute(context.Background(), "org-1", "w-1", time.Now(), WindowShortDays)
	require.NoError(t, err)

	factors := map[string]Factor{}
	for _, f := range result.Breakdown {
		factors[f.Name] = f
	}
	require.Equal(t, 4, factors[FactorOfferResponse].Samples)
	require.InDelta(t, 0.5, factors[FactorOfferResponse].Value, 0.001)
	require.InDelta(t, 0.25, factors[FactorOfferAccept].Value, 0.001)
}

func TestComputeValidatesInput(t *testing.T) {
	engine := newTestEngine(&stubSource{})

	_, err := engine.Compute(context.Background(), "", "w-1", time.Now(), WindowShortDays)
	require.Error(t, err)

	_, err = engine.Compute(context.Background(), "org-1", "w-1", time.Now(), 0)
	require.Error(t, err)
}

func TestTierStepToward(t *testing.T) {
	require.Equal(t, TierSilver, TierBronze.StepToward(TierGold))
	require.Equal(t, TierSilver, TierGold.StepToward(TierBronze))
	require.Equal(t, TierGold, TierSilver.StepToward(TierGold))
	require.Equal(t, TierBronze, TierBronze.StepToward(TierBronze))
}
