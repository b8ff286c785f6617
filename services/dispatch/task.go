package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"sitterops-core/pkg/errutil"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const TypeOfferExpiry = "dispatch:offer:expire"

type OfferExpiryPayload struct {
	OfferID string `json:"offer_id"`
}

func NewOfferExpiryTask(offerID string) (*asynq.Task, error) {
	payload, err := json.Marshal(OfferExpiryPayload{OfferID: offerID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeOfferExpiry, payload), nil
}

// HandleOfferExpiry fires when an offer's response window elapses. The
// transition itself is conditional on the offer still being open, so a
// re-delivered or stale timer is harmless.
func HandleOfferExpiry(svc *Service) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload OfferExpiryPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return err
		}

		if payload.OfferID == "" {
			zap.L().Warn("expiry task without offer_id, dropping")
			return nil
		}

		result, err := svc.Expire(ctx, payload.OfferID)
		if err != nil {
			var be errutil.BaseError
			if errors.As(err, &be) && be.Code == errutil.StatusNotFound {
				// the offer was never committed; retrying will not help
				zap.L().Warn("expiry task for unknown offer, dropping", zap.String("offer_id", payload.OfferID))
				return nil
			}
			zap.L().Error("failed to expire offer", zap.String("offer_id", payload.OfferID), zap.Error(err))
			return err
		}

		if !result.Applied {
			zap.L().Debug("expiry no-op, offer already terminal",
				zap.String("offer_id", payload.OfferID),
				zap.String("status", string(result.Offer.Status)),
			)
		}

		return nil
	}
}
