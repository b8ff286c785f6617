package tier

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("tier.service",
	fx.Provide(NewService),
)

// WorkerModule adds the nightly scheduler and the asynq batch handlers.
// Only the worker binary pulls this in.
var WorkerModule = fx.Module("tier.worker",
	fx.Provide(NewScheduler),
	fx.Invoke(
		StartScheduler,
		registerHandlers,
	),
)

func registerHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(TypeDailySnapshot, HandleDailySnapshot(svc))
	mux.HandleFunc(TypeWeeklyEvaluation, HandleWeeklyEvaluation(svc))
}
