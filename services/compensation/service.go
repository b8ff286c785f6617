package compensation

import (
	"context"

	"sitterops-core/pkg/errutil"
	"sitterops-core/pkg/repository"
	"sitterops-core/services/scoring"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	rows repository.Repository[SitterCompensation]
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
		rows: repository.ProvideStore[SitterCompensation](p.DB),
	}
}

// ResolveCommissionRate is a stateless lookup of the current rate. Falls
// back to the bronze default when no row exists; never mutates tier or
// score data.
func (s *Service) ResolveCommissionRate(ctx context.Context, orgID, workerID string) (float64, error) {
	if orgID == "" || workerID == "" {
		return 0, errutil.BadRequest("org_id and worker_id are required", nil)
	}

	row, err := s.rows.FindOne(ctx, &SitterCompensation{OrgID: orgID, WorkerID: workerID})
	if err != nil {
		return 0, err
	}

	if row == nil {
		return DefaultRate(scoring.TierBronze), nil
	}

	return row.CommissionRate, nil
}

// CurrentTier reads the tier recorded on the compensation row, bronze when
// absent. Dispatch ranking reads tier here so priority and payout always
// agree at read time.
func (s *Service) CurrentTier(ctx context.Context, orgID, workerID string) (scoring.Tier, error) {
	return s.currentTier(ctx, s.rows, orgID, workerID)
}

// CurrentTierTx is CurrentTier inside the caller's transaction. Dispatch
// ranks candidates while holding the booking row lock on a pooled
// connection, so the lookup must ride the same connection.
func (s *Service) CurrentTierTx(ctx context.Context, tx *gorm.DB, orgID, workerID string) (scoring.Tier, error) {
	return s.currentTier(ctx, s.rows.WithTrx(tx), orgID, workerID)
}

func (s *Service) currentTier(ctx context.Context, rows repository.Repository[SitterCompensation], orgID, workerID string) (scoring.Tier, error) {
	row, err := rows.FindOne(ctx, &SitterCompensation{OrgID: orgID, WorkerID: workerID})
	if err != nil {
		return scoring.TierBronze, err
	}

	if row == nil {
		return scoring.TierBronze, nil
	}

	return row.Tier, nil
}

// ApplyTierRate upserts the compensation row for a worker. Only the tier
// transition workflow and audited owner overrides call this.
func (s *Service) ApplyTierRate(ctx context.Context, orgID, workerID string, tier scoring.Tier, updatedBy string) (*SitterCompensation, error) {
	rate := DefaultRate(tier)

	row, err := s.rows.FindOne(ctx, &SitterCompensation{OrgID: orgID, WorkerID: workerID})
	if err != nil {
		return nil, err
	}

	if row == nil {
		row = &SitterCompensation{
			ID:             s.node.Generate().String(),
			OrgID:          orgID,
			WorkerID:       workerID,
			Tier:           tier,
			CommissionRate: rate,
			UpdatedBy:      updatedBy,
		}
		if err := s.rows.Create(ctx, row); err != nil {
			zap.L().Error("failed to create compensation row", zap.Error(err))
			return nil, err
		}
		return row, nil
	}

	if err := s.rows.Update(ctx, row.ID, map[string]any{
		"tier":            tier,
		"commission_rate": rate,
		"updated_by":      updatedBy,
	}); err != nil {
		zap.L().Error("failed to update compensation row", zap.Error(err))
		return nil, err
	}

	row.Tier = tier
	row.CommissionRate = rate
	row.UpdatedBy = updatedBy
	return row, nil
}
