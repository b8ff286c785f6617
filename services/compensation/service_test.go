package compensation

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sitterops-core/services/scoring"
	"sitterops-core/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &SitterCompensation{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node})
}

func TestResolveCommissionRateDefaultsToBronze(t *testing.T) {
	svc := newTestService(t)

	rate, err := svc.ResolveCommissionRate(context.Background(), "org-1", "w-unknown")
	require.NoError(t, err)
	require.Equal(t, DefaultRate(scoring.TierBronze), rate)

	_, err = svc.ResolveCommissionRate(context.Background(), "", "w-1")
	require.Error(t, err)
}

func TestApplyTierRateUpserts(t *testing.T) {
	svc := newTestService(t)

	row, err := svc.ApplyTierRate(context.Background(), "org-1", "w-1", scoring.TierSilver, "system")
	require.NoError(t, err)
	require.Equal(t, scoring.TierSilver, row.Tier)
	require.Equal(t, DefaultRate(scoring.TierSilver), row.CommissionRate)

	rate, err := svc.ResolveCommissionRate(context.Background(), "org-1", "w-1")
	require.NoError(t, err)
	require.Equal(t, DefaultRate(scoring.TierSilver), rate)

	row, err = svc.ApplyTierRate(context.Background(), "org-1", "w-1", scoring.TierGold, "owner@example.com")
	require.NoError(t, err)
	require.Equal(t, scoring.TierGold, row.Tier)
	require.Equal(t, "owner@example.com", row.UpdatedBy)

	tier, err := svc.CurrentTier(context.Background(), "org-1", "w-1")
	require.NoError(t, err)
	require.Equal(t, scoring.TierGold, tier)
}

func TestCurrentTierDefaultsToBronze(t *testing.T) {
	svc := newTestService(t)

	tier, err := svc.CurrentTier(context.Background(), "org-1", "w-unknown")
	require.NoError(t, err)
	require.Equal(t, scoring.TierBronze, tier)
}

func TestDefaultRates(t *testing.T) {
	require.Equal(t, 0.70, DefaultRate(scoring.TierBronze))
	require.Equal(t, 0.75, DefaultRate(scoring.TierSilver))
	require.Equal(t, 0.80, DefaultRate(scoring.TierGold))
	// unknown tiers fall back to the bronze rate
	require.Equal(t, 0.70, DefaultRate(scoring.Tier("platinum")))
}
