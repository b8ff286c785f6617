package tier

import (
	"context"
	"time"

	"sitterops-core/pkg/config"
	"sitterops-core/pkg/task"
	"sitterops-core/services/roster"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler enqueues one snapshot task per org every night, and one
// evaluation task per org on the configured weekday. The heavy lifting
// happens in the asynq workers so a slow org cannot delay the rest.
type Scheduler struct {
	roster   *roster.Service
	enqueuer task.Enqueuer

	snapshotHour  int
	evaluationDay time.Weekday
}

type SchedulerParams struct {
	fx.In
	Roster   *roster.Service
	Enqueuer task.Enqueuer
	Config   *config.Config
}

func NewScheduler(p SchedulerParams) *Scheduler {
	return &Scheduler{
		roster:        p.Roster,
		enqueuer:      p.Enqueuer,
		snapshotHour:  p.Config.Tier.SnapshotHour,
		evaluationDay: time.Weekday(p.Config.Tier.EvaluationDay),
	}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	var cancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, c := context.WithCancel(context.Background())
			cancel = c
			go s.run(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started tier batch scheduler",
		zap.Int("snapshot_hour", s.snapshotHour),
		zap.String("evaluation_day", s.evaluationDay.String()),
	)

	for {
		now := time.Now()
		next := nextRunTime(now, s.snapshotHour, 0)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)
		select {
		case <-time.After(sleepDuration):
			s.runNightly(ctx, next)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) runNightly(ctx context.Context, asOf time.Time) {
	start := time.Now()
	zap.L().Info("[Scheduler] enqueueing daily snapshot jobs")

	orgs, err := s.roster.OrgIDs(ctx)
	if err != nil {
		zap.L().Error("[Scheduler] failed to list orgs", zap.Error(err))
		return
	}

	evaluationNight := asOf.Weekday() == s.evaluationDay

	for _, orgID := range orgs {
		t, err := NewDailySnapshotTask(orgID, asOf)
		if err != nil {
			zap.L().Error("[Scheduler] failed to build snapshot task", zap.String("org_id", orgID), zap.Error(err))
			continue
		}
		if _, err := s.enqueuer.Enqueue(ctx, t, asynq.Queue("default")); err != nil {
			zap.L().Error("[Scheduler] failed to enqueue snapshot task", zap.String("org_id", orgID), zap.Error(err))
			continue
		}

		if !evaluationNight {
			continue
		}

		// the evaluation reads the snapshot the same night writes, so it
		// trails the snapshot job in the low queue
		et, err := NewWeeklyEvaluationTask(orgID, asOf)
		if err != nil {
			zap.L().Error("[Scheduler] failed to build evaluation task", zap.String("org_id", orgID), zap.Error(err))
			continue
		}
		if _, err := s.enqueuer.Enqueue(ctx, et, asynq.Queue("low"), asynq.ProcessIn(30*time.Minute)); err != nil {
			zap.L().Error("[Scheduler] failed to enqueue evaluation task", zap.String("org_id", orgID), zap.Error(err))
		}
	}

	zap.L().Info("[Scheduler] finished enqueueing batch jobs",
		zap.Int("orgs", len(orgs)),
		zap.Bool("evaluation_night", evaluationNight),
		zap.Duration("duration", time.Since(start)),
	)
}

func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
