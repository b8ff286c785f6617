package dispatch

import (
	"context"
	"sort"
	"time"

	"sitterops-core/services/event"
	"sitterops-core/services/roster"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type rankedCandidate struct {
	roster.Candidate
	TierRank    int
	PriorOffers int
}

// inCooldown reports whether the worker declined or let expire an offer
// for this booking inside the lookback window. Cooldown is derived from
// the offer log on every ranking decision, never cached, and counts
// excluded rows too: exclusion removes an offer from the attempt budget,
// not from the worker's behavioral history.
func inCooldown(offers []*event.OfferEvent, workerID string, now time.Time, window time.Duration) bool {
	cutoff := now.Add(-window)
	for _, o := range offers {
		if o.WorkerID != workerID {
			continue
		}
		if o.Status != event.OfferDeclined && o.Status != event.OfferExpired {
			continue
		}
		at := o.OfferedAt
		if o.RespondedAt != nil {
			at = *o.RespondedAt
		}
		if at.After(cutoff) {
			return true
		}
	}
	return false
}

func priorOfferCount(offers []*event.OfferEvent, workerID string) int {
	n := 0
	for _, o := range offers {
		if o.WorkerID == workerID {
			n++
		}
	}
	return n
}

// rankCandidates filters the pool and orders it: higher tier first, then
// fewest prior offers for this booking, then earliest availability
// confirmation, then worker id for determinism. Tier lookups ride the
// caller's transaction: ranking runs while Dispatch holds the booking row
// lock, and a second pooled connection is not guaranteed to exist.
func (s *Service) rankCandidates(ctx context.Context, tx *gorm.DB, orgID string, pool []roster.Candidate, bookingOffers []*event.OfferEvent, now time.Time) []rankedCandidate {
	ranked := make([]rankedCandidate, 0, len(pool))

	for _, c := range pool {
		if inCooldown(bookingOffers, c.WorkerID, now, s.cooldownWindow) {
			continue
		}

		tier, err := s.tiers.CurrentTierTx(ctx, tx, orgID, c.WorkerID)
		if err != nil {
			zap.L().Warn("failed to resolve tier for candidate, ranking as bronze",
				zap.String("org_id", orgID),
				zap.String("worker_id", c.WorkerID),
				zap.Error(err),
			)
		}

		ranked = append(ranked, rankedCandidate{
			Candidate:   c,
			TierRank:    tier.Rank(),
			PriorOffers: priorOfferCount(bookingOffers, c.WorkerID),
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.TierRank != b.TierRank {
			return a.TierRank > b.TierRank
		}
		if a.PriorOffers != b.PriorOffers {
			return a.PriorOffers < b.PriorOffers
		}
		switch {
		case a.AvailabilityConfirmedAt != nil && b.AvailabilityConfirmedAt == nil:
			return true
		case a.AvailabilityConfirmedAt == nil && b.AvailabilityConfirmedAt != nil:
			return false
		case a.AvailabilityConfirmedAt != nil && b.AvailabilityConfirmedAt != nil &&
			!a.AvailabilityConfirmedAt.Equal(*b.AvailabilityConfirmedAt):
			return a.AvailabilityConfirmedAt.Before(*b.AvailabilityConfirmedAt)
		}
		return a.WorkerID < b.WorkerID
	})

	return ranked
}
