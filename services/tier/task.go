package tier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeDailySnapshot    = "tier:snapshot:daily"
	TypeWeeklyEvaluation = "tier:evaluation:weekly"
)

type BatchPayload struct {
	OrgID string `json:"org_id"`
	AsOf  string `json:"as_of"`
}

func NewDailySnapshotTask(orgID string, asOf time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(BatchPayload{OrgID: orgID, AsOf: asOf.Format(asOfLayout)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDailySnapshot, payload), nil
}

func NewWeeklyEvaluationTask(orgID string, asOf time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(BatchPayload{OrgID: orgID, AsOf: asOf.Format(asOfLayout)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeWeeklyEvaluation, payload), nil
}

func HandleDailySnapshot(svc *Service) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		orgID, asOf, err := decodeBatchPayload(t)
		if err != nil {
			return err
		}

		report, err := svc.RunDailySnapshot(ctx, orgID, asOf)
		if err != nil {
			return err
		}

		// per-worker failures are in the report and the logs; the task
		// itself only retries on whole-batch errors
		if report.Failed > 0 {
			zap.L().Warn("daily snapshot completed with failures",
				zap.String("org_id", orgID),
				zap.Int("failed", report.Failed),
			)
		}
		return nil
	}
}

func HandleWeeklyEvaluation(svc *Service) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		orgID, asOf, err := decodeBatchPayload(t)
		if err != nil {
			return err
		}

		_, err = svc.RunWeeklyEvaluation(ctx, orgID, asOf)
		return err
	}
}

func decodeBatchPayload(t *asynq.Task) (string, time.Time, error) {
	var payload BatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return "", time.Time{}, err
	}

	asOf, err := time.Parse(asOfLayout, payload.AsOf)
	if err != nil {
		return "", time.Time{}, err
	}

	return payload.OrgID, asOf, nil
}
