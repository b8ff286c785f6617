package dispatch

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("dispatch.service",
	fx.Provide(NewService),
)

// WorkerModule wires the expiry handler into the asynq mux. Only the
// worker binary pulls this in.
var WorkerModule = fx.Module("dispatch.worker",
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(TypeOfferExpiry, HandleOfferExpiry(svc))
}
