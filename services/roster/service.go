package roster

import (
	"context"

	"sitterops-core/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// CandidateSource abstracts the booking collaborator that owns proximity
// and availability. The default implementation reads the roster table;
// production deployments can swap in a richer source.
type CandidateSource interface {
	Candidates(ctx context.Context, orgID, bookingID string) ([]Candidate, error)
}

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	workers repository.Repository[Worker]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		node:    p.Node,
		workers: repository.ProvideStore[Worker](p.DB),
	}
}

// ActiveWorkerIDs enumerates the workers the snapshot batch scores.
func (s *Service) ActiveWorkerIDs(ctx context.Context, orgID string) ([]string, error) {
	workers, err := s.workers.Find(ctx, &Worker{OrgID: orgID, Active: true})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.WorkerID)
	}
	return ids, nil
}

// Candidates returns every active worker in the org as a dispatch candidate.
// Booking-specific proximity filtering belongs to the booking collaborator;
// this default keeps the engine self-contained.
func (s *Service) Candidates(ctx context.Context, orgID, bookingID string) ([]Candidate, error) {
	workers, err := s.workers.Find(ctx, &Worker{OrgID: orgID, Active: true})
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(workers))
	for _, w := range workers {
		candidates = append(candidates, Candidate{
			WorkerID:                w.WorkerID,
			AvailabilityConfirmedAt: w.AvailabilityConfirmedAt,
		})
	}
	return candidates, nil
}

// Upsert registers or refreshes a roster row; used by the CRM sync job.
func (s *Service) Upsert(ctx context.Context, orgID, workerID, displayName string, active bool) (*Worker, error) {
	existing, err := s.workers.FindOne(ctx, &Worker{OrgID: orgID, WorkerID: workerID})
	if err != nil {
		return nil, err
	}

	if existing == nil {
		w := &Worker{
			ID:          s.node.Generate().String(),
			OrgID:       orgID,
			WorkerID:    workerID,
			DisplayName: displayName,
			Active:      active,
		}
		if err := s.workers.Create(ctx, w); err != nil {
			return nil, err
		}
		return w, nil
	}

	if err := s.workers.Update(ctx, existing.ID, map[string]any{
		"display_name": displayName,
		"active":       active,
	}); err != nil {
		return nil, err
	}

	existing.DisplayName = displayName
	existing.Active = active
	return existing, nil
}

// OrgIDs lists every org with at least one roster row. The schedulers fan
// out per-org jobs from this.
func (s *Service) OrgIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&Worker{}).Distinct("org_id").Pluck("org_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
