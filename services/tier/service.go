package tier

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"sitterops-core/pkg/config"
	"sitterops-core/pkg/db/option"
	"sitterops-core/pkg/errutil"
	"sitterops-core/pkg/repository"
	"sitterops-core/pkg/sequence"
	"sitterops-core/services/compensation"
	"sitterops-core/services/roster"
	"sitterops-core/services/scoring"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const asOfLayout = "2006-01-02"

// batchConcurrency bounds the per-worker fan-out inside one org's batch.
const batchConcurrency = 8

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	engine *scoring.Engine
	roster *roster.Service
	comp   *compensation.Service
	seq    sequence.Generator

	snapshots   repository.Repository[TierSnapshot]
	transitions repository.Repository[TierTransition]

	silverThreshold float64
	goldThreshold   float64
	atRiskMargin    float64
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config

	Engine *scoring.Engine
	Roster *roster.Service
	Comp   *compensation.Service
	Seq    sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		engine: p.Engine,
		roster: p.Roster,
		comp:   p.Comp,
		seq:    p.Seq,

		snapshots:   repository.ProvideStore[TierSnapshot](p.DB),
		transitions: repository.ProvideStore[TierTransition](p.DB),

		silverThreshold: p.Config.Tier.SilverThreshold,
		goldThreshold:   p.Config.Tier.GoldThreshold,
		atRiskMargin:    p.Config.Tier.AtRiskMargin,
	}
}

// RunDailySnapshot scores every active worker of the org for the given
// as-of date and persists one immutable snapshot each. A worker that
// already has a snapshot for the date is skipped, so the run is safe to
// repeat and safe to backfill. One worker failing does not stop the rest.
func (s *Service) RunDailySnapshot(ctx context.Context, orgID string, asOf time.Time) (*BatchReport, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	if orgID == "" {
		return nil, errutil.BadRequest("org_id is required", nil)
	}

	dateKey := asOf.Format(asOfLayout)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("org_id", orgID),
		zap.String("as_of", dateKey),
	)

	workers, err := s.roster.ActiveWorkerIDs(ctx, orgID)
	if err != nil {
		return nil, err
	}

	report := &BatchReport{OrgID: orgID, AsOf: dateKey, Total: len(workers)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for _, workerID := range workers {
		workerID := workerID
		g.Go(func() error {
			created, err := s.snapshotWorker(gctx, orgID, workerID, asOf, dateKey)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.Failures = append(report.Failures, WorkerFailure{WorkerID: workerID, Error: err.Error()})
				zapLog.Error("snapshot failed for worker", zap.String("worker_id", workerID), zap.Error(err))
			case created:
				report.Succeeded++
			default:
				report.Skipped++
			}
			return nil
		})
	}

	_ = g.Wait()

	zapLog.Info("daily snapshot finished",
		zap.Int("total", report.Total),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)

	return report, nil
}

func (s *Service) snapshotWorker(ctx context.Context, orgID, workerID string, asOf time.Time, dateKey string) (bool, error) {
	existing, err := s.snapshots.FindOne(ctx, &TierSnapshot{OrgID: orgID, WorkerID: workerID, AsOf: dateKey})
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	short, err := s.engine.Compute(ctx, orgID, workerID, asOf, scoring.WindowShortDays)
	if err != nil {
		return false, err
	}

	long, err := s.engine.Compute(ctx, orgID, workerID, asOf, scoring.WindowLongDays)
	if err != nil {
		return false, err
	}

	currentTier, err := s.comp.CurrentTier(ctx, orgID, workerID)
	if err != nil {
		return false, err
	}

	snap := &TierSnapshot{
		ID:          s.node.Generate().String(),
		OrgID:       orgID,
		WorkerID:    workerID,
		AsOf:        dateKey,
		Tier:        currentTier,
		ScoreShort:  short.Score,
		ScoreLong:   long.Score,
		Provisional: short.Provisional,
		VisitCount:  short.VisitCount,
	}

	if len(short.Breakdown) > 0 {
		if snap.BreakdownShort, err = json.Marshal(short.Breakdown); err != nil {
			return false, err
		}
	}
	if len(long.Breakdown) > 0 {
		if snap.BreakdownLong, err = json.Marshal(long.Breakdown); err != nil {
			return false, err
		}
	}

	if at, note := s.atRisk(currentTier, short.Score); at {
		snap.AtRisk = true
		snap.AtRiskNote = note
	}

	return true, s.snapshots.Create(ctx, snap)
}

// atRisk flags a worker whose score sits within the configured margin of
// the demotion boundary for their current tier. Advisory only: it changes
// nothing about the tier itself.
func (s *Service) atRisk(current scoring.Tier, score *float64) (bool, string) {
	if score == nil {
		return false, ""
	}

	var boundary float64
	switch current {
	case scoring.TierGold:
		boundary = s.goldThreshold
	case scoring.TierSilver:
		boundary = s.silverThreshold
	default:
		return false, ""
	}

	if *score >= boundary && *score < boundary+s.atRiskMargin {
		return true, "score within demotion margin"
	}
	return false, ""
}

// bandFor maps a score onto the static tier bands.
func (s *Service) bandFor(score float64) scoring.Tier {
	switch {
	case score >= s.goldThreshold:
		return scoring.TierGold
	case score >= s.silverThreshold:
		return scoring.TierSilver
	default:
		return scoring.TierBronze
	}
}

// RunWeeklyEvaluation walks every active worker of the org and decides
// promote, demote, at-risk or hold against the latest snapshot at or
// before asOf. A move is clamped to one level per evaluation. Workers
// whose latest snapshot is provisional hold. Every decision other than
// hold writes an audited entry referencing the snapshot, which also makes
// re-running for the same snapshots a no-op.
func (s *Service) RunWeeklyEvaluation(ctx context.Context, orgID string, asOf time.Time) (*BatchReport, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	if orgID == "" {
		return nil, errutil.BadRequest("org_id is required", nil)
	}

	dateKey := asOf.Format(asOfLayout)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("org_id", orgID),
		zap.String("as_of", dateKey),
	)

	workers, err := s.roster.ActiveWorkerIDs(ctx, orgID)
	if err != nil {
		return nil, err
	}

	report := &BatchReport{OrgID: orgID, AsOf: dateKey, Total: len(workers)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for _, workerID := range workers {
		workerID := workerID
		g.Go(func() error {
			moved, err := s.evaluateWorker(gctx, orgID, workerID, dateKey)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.Failures = append(report.Failures, WorkerFailure{WorkerID: workerID, Error: err.Error()})
				zapLog.Error("evaluation failed for worker", zap.String("worker_id", workerID), zap.Error(err))
			case moved:
				report.Succeeded++
			default:
				report.Skipped++
			}
			return nil
		})
	}

	_ = g.Wait()

	zapLog.Info("weekly evaluation finished",
		zap.Int("total", report.Total),
		zap.Int("transitions", report.Succeeded),
		zap.Int("held", report.Skipped),
		zap.Int("failed", report.Failed),
	)

	return report, nil
}

func (s *Service) evaluateWorker(ctx context.Context, orgID, workerID, dateKey string) (bool, error) {
	snaps, err := s.snapshots.Find(ctx, &TierSnapshot{OrgID: orgID, WorkerID: workerID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "as_of",
			OrderBy: "desc",
			Allow:   map[string]bool{"as_of": true},
		}),
	)
	if err != nil {
		return false, err
	}

	var snap *TierSnapshot
	for _, sn := range snaps {
		if sn.AsOf <= dateKey {
			snap = sn
			break
		}
	}

	// nothing to evaluate against, or the sample is too small to trust
	if snap == nil || snap.Provisional || snap.ScoreShort == nil {
		return false, nil
	}

	prior, err := s.transitions.FindOne(ctx, &TierTransition{SnapshotID: snap.ID})
	if err != nil {
		return false, err
	}
	if prior != nil {
		return false, nil
	}

	current, err := s.comp.CurrentTier(ctx, orgID, workerID)
	if err != nil {
		return false, err
	}

	target := s.bandFor(*snap.ScoreShort)
	next := current.StepToward(target)
	if next == current {
		return s.flagAtRisk(ctx, orgID, workerID, current, snap, previousScored(snaps, snap))
	}

	reason := ReasonScoreAboveBand
	if next.Rank() < current.Rank() {
		reason = ReasonScoreBelowBand
	}

	if err := s.recordTransition(ctx, snap, current, next, reason, "system"); err != nil {
		return false, err
	}

	if _, err := s.comp.ApplyTierRate(ctx, orgID, workerID, next, "system"); err != nil {
		return false, err
	}

	zap.L().Info("tier transition",
		zap.String("org_id", orgID),
		zap.String("worker_id", workerID),
		zap.String("from", string(current)),
		zap.String("to", string(next)),
		zap.String("reason", reason),
		zap.Float64("score", *snap.ScoreShort),
	)

	return true, nil
}

// previousScored walks the desc-sorted snapshot list for the newest scored
// snapshot older than snap. Used for the downward-trend check.
func previousScored(snaps []*TierSnapshot, snap *TierSnapshot) *TierSnapshot {
	for _, sn := range snaps {
		if sn.AsOf < snap.AsOf && sn.ScoreShort != nil {
			return sn
		}
	}
	return nil
}

// flagAtRisk is the fourth evaluation decision. A hold whose score sits in
// the demotion margin and is not recovering gets an audited at-risk entry;
// the tier itself does not move. Like any other non-hold decision the entry
// references the snapshot, which keeps re-runs idempotent.
func (s *Service) flagAtRisk(ctx context.Context, orgID, workerID string, current scoring.Tier, snap, prev *TierSnapshot) (bool, error) {
	at, _ := s.atRisk(current, snap.ScoreShort)
	if !at {
		return false, nil
	}

	// a score climbing away from the boundary is recovering, not at risk
	if prev != nil && *snap.ScoreShort > *prev.ScoreShort {
		return false, nil
	}

	if err := s.recordTransition(ctx, snap, current, current, ReasonAtRisk, "system"); err != nil {
		return false, err
	}

	zap.L().Warn("worker flagged at risk of demotion",
		zap.String("org_id", orgID),
		zap.String("worker_id", workerID),
		zap.String("tier", string(current)),
		zap.Float64("score", *snap.ScoreShort),
	)

	return true, nil
}

func (s *Service) recordTransition(ctx context.Context, snap *TierSnapshot, from, to scoring.Tier, reason, actor string) error {
	tr := &TierTransition{
		ID:         s.node.Generate().String(),
		OrgID:      snap.OrgID,
		WorkerID:   snap.WorkerID,
		SnapshotID: snap.ID,
		FromTier:   from,
		ToTier:     to,
		Reason:     reason,
		Actor:      actor,
	}

	if s.seq != nil {
		if code, err := s.seq.NextTransitionCode(ctx, snap.OrgID); err == nil {
			tr.Code = code
		}
	}

	return s.transitions.Create(ctx, tr)
}

// OverrideTier applies an owner-decided tier directly, bypassing the band
// logic but not the audit trail or the compensation binding. The override
// references the latest snapshot when one exists.
func (s *Service) OverrideTier(ctx context.Context, orgID, workerID string, target scoring.Tier, actor string) (*TierTransition, error) {
	if actor == "" || actor == "system" {
		return nil, errutil.BadRequest("an override needs a human actor", nil)
	}
	if target.Rank() == 0 && target != scoring.TierBronze {
		return nil, errutil.BadRequest("unknown tier", nil)
	}

	current, err := s.comp.CurrentTier(ctx, orgID, workerID)
	if err != nil {
		return nil, err
	}
	if current == target {
		return nil, errutil.Conflict("worker already at requested tier", nil)
	}

	snaps, err := s.snapshots.Find(ctx, &TierSnapshot{OrgID: orgID, WorkerID: workerID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "as_of",
			OrderBy: "desc",
			Allow:   map[string]bool{"as_of": true},
		}),
	)
	if err != nil {
		return nil, err
	}

	tr := &TierTransition{
		ID:       s.node.Generate().String(),
		OrgID:    orgID,
		WorkerID: workerID,
		FromTier: current,
		ToTier:   target,
		Reason:   ReasonOwnerOverride,
		Actor:    actor,
	}
	if len(snaps) > 0 {
		tr.SnapshotID = snaps[0].ID
	}
	if s.seq != nil {
		if code, err := s.seq.NextTransitionCode(ctx, orgID); err == nil {
			tr.Code = code
		}
	}

	if err := s.transitions.Create(ctx, tr); err != nil {
		return nil, err
	}

	if _, err := s.comp.ApplyTierRate(ctx, orgID, workerID, target, actor); err != nil {
		return nil, err
	}

	return tr, nil
}

// History returns the transition log for a worker, newest first.
func (s *Service) History(ctx context.Context, orgID, workerID string) ([]*TierTransition, error) {
	return s.transitions.Find(ctx, &TierTransition{OrgID: orgID, WorkerID: workerID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
	)
}
