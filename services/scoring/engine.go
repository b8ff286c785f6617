package scoring

import (
	"context"
	"sort"
	"time"

	"sitterops-core/pkg/config"
	"sitterops-core/pkg/errutil"
	"sitterops-core/services/event"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// EventSource is the slice of the event log the engine reads. Satisfied by
// event.Service; stubbed in tests.
type EventSource interface {
	VisitsInWindow(ctx context.Context, orgID, workerID string, from, to time.Time) ([]*event.VisitEvent, error)
	OffersInWindow(ctx context.Context, orgID, workerID string, from, to time.Time) ([]*event.OfferEvent, error)
	LatenciesInWindow(ctx context.Context, orgID, workerID string, from, to time.Time) ([]*event.MessageLatencyEvent, error)
}

// Factor weights. Visit-quality factors dominate; offer and message
// responsiveness make up the rest. Factors with no sample in the window
// are dropped and the remaining weights renormalised.
var defaultWeights = map[string]float64{
	FactorOnTime:        0.20,
	FactorCompletion:    0.15,
	FactorChecklist:     0.10,
	FactorMedia:         0.05,
	FactorComplaintFree: 0.10,
	FactorSafety:        0.10,
	FactorOfferResponse: 0.10,
	FactorOfferAccept:   0.05,
	FactorMessageReply:  0.15,
}

// Message reply speed: full credit at or under fastReply, zero credit at or
// over slowReply, linear in between. Applied to the p90 latency.
const (
	fastReplySeconds = 15 * 60
	slowReplySeconds = 4 * 60 * 60
)

type Engine struct {
	source          EventSource
	minSampleVisits int
	onTimeThreshold int
	weights         map[string]float64
}

type EngineParams struct {
	fx.In
	Source EventSource
	Config *config.Config
}

func NewEngine(p EngineParams) *Engine {
	return &Engine{
		source:          p.Source,
		minSampleVisits: p.Config.Scoring.MinSampleVisits,
		onTimeThreshold: p.Config.Scoring.OnTimeThresholdMin,
		weights:         defaultWeights,
	}
}

// Compute scores one worker over the trailing window ending at asOf. Pure
// read over history: no side effects, safe to call on demand or from the
// snapshot batch. A sample below the minimum yields a provisional result,
// never a penalised low score.
func (e *Engine) Compute(ctx context.Context, orgID, workerID string, asOf time.Time, windowDays int) (*Result, error) {
	if orgID == "" || workerID == "" {
		return nil, errutil.BadRequest("org_id and worker_id are required", nil)
	}
	if windowDays <= 0 {
		return nil, errutil.BadRequest("window_days must be positive", nil)
	}

	from := asOf.AddDate(0, 0, -windowDays)

	visits, err := e.source.VisitsInWindow(ctx, orgID, workerID, from, asOf)
	if err != nil {
		return nil, err
	}

	offers, err := e.source.OffersInWindow(ctx, orgID, workerID, from, asOf)
	if err != nil {
		return nil, err
	}

	latencies, err := e.source.LatenciesInWindow(ctx, orgID, workerID, from, asOf)
	if err != nil {
		return nil, err
	}

	result := &Result{
		WindowDays: windowDays,
		VisitCount: len(visits),
	}

	if len(visits) < e.minSampleVisits {
		result.Provisional = true
		zap.L().Debug("provisional scoring result",
			zap.String("org_id", orgID),
			zap.String("worker_id", workerID),
			zap.Int("visits", len(visits)),
			zap.Int("min_sample", e.minSampleVisits),
		)
		return result, nil
	}

	factors := e.visitFactors(visits)
	factors = append(factors, e.offerFactors(offers)...)
	factors = append(factors, e.messageFactors(latencies)...)

	var totalWeight, weightedSum float64
	for i := range factors {
		totalWeight += factors[i].Weight
	}
	if totalWeight == 0 {
		result.Provisional = true
		return result, nil
	}

	for i := range factors {
		// renormalise so dropped factors do not depress the score
		factors[i].Weighted = factors[i].Value * (factors[i].Weight / totalWeight) * 100
		weightedSum += factors[i].Weighted
	}

	result.Breakdown = factors
	result.Score = &weightedSum
	return result, nil
}

func (e *Engine) visitFactors(visits []*event.VisitEvent) []Factor {
	n := len(visits)
	if n == 0 {
		return nil
	}

	var onTime, completed, complaints, safety int
	var checklistMisses, mediaMisses int
	for _, v := range visits {
		switch v.Status {
		case event.VisitCompleted:
			completed++
			if v.LatenessMinutes <= e.onTimeThreshold {
				onTime++
			}
		case event.VisitLate:
			completed++
		}
		if v.VerifiedComplaint {
			complaints++
		}
		if v.SafetyFlag {
			safety++
		}
		checklistMisses += v.ChecklistMisses
		mediaMisses += v.MediaMisses
	}

	rate := func(x int) float64 { return float64(x) / float64(n) }

	checklist := 1 - float64(checklistMisses)/float64(n)
	if checklist < 0 {
		checklist = 0
	}
	media := 1 - float64(mediaMisses)/float64(n)
	if media < 0 {
		media = 0
	}

	return []Factor{
		{Name: FactorOnTime, Value: rate(onTime), Weight: e.weights[FactorOnTime], Samples: n},
		{Name: FactorCompletion, Value: rate(completed), Weight: e.weights[FactorCompletion], Samples: n},
		{Name: FactorChecklist, Value: checklist, Weight: e.weights[FactorChecklist], Samples: n},
		{Name: FactorMedia, Value: media, Weight: e.weights[FactorMedia], Samples: n},
		{Name: FactorComplaintFree, Value: 1 - rate(complaints), Weight: e.weights[FactorComplaintFree], Samples: n},
		{Name: FactorSafety, Value: 1 - rate(safety), Weight: e.weights[FactorSafety], Samples: n},
	}
}

func (e *Engine) offerFactors(offers []*event.OfferEvent) []Factor {
	var accepted, declined, expired int
	for _, o := range offers {
		switch o.Status {
		case event.OfferAccepted:
			accepted++
		case event.OfferDeclined:
			declined++
		case event.OfferExpired:
			expired++
		}
	}

	// open offers carry no signal yet
	n := accepted + declined + expired
	if n == 0 {
		return nil
	}

	responded := accepted + declined
	return []Factor{
		{Name: FactorOfferResponse, Value: float64(responded) / float64(n), Weight: e.weights[FactorOfferResponse], Samples: n},
		{Name: FactorOfferAccept, Value: float64(accepted) / float64(n), Weight: e.weights[FactorOfferAccept], Samples: n},
	}
}

func (e *Engine) messageFactors(latencies []*event.MessageLatencyEvent) []Factor {
	answered := make([]int64, 0, len(latencies))
	for _, l := range latencies {
		if l.FirstReplyAt != nil {
			answered = append(answered, l.LatencySeconds)
		}
	}

	if len(answered) == 0 {
		return nil
	}

	sort.Slice(answered, func(i, j int) bool { return answered[i] < answered[j] })
	p90 := answered[(len(answered)*90)/100]

	var value float64
	switch {
	case p90 <= fastReplySeconds:
		value = 1
	case p90 >= slowReplySeconds:
		value = 0
	default:
		value = 1 - float64(p90-fastReplySeconds)/float64(slowReplySeconds-fastReplySeconds)
	}

	return []Factor{
		{Name: FactorMessageReply, Value: value, Weight: e.weights[FactorMessageReply], Samples: len(answered)},
	}
}
