package scoring

import (
	"go.uber.org/fx"

	"sitterops-core/services/event"
)

var Module = fx.Module("scoring.engine",
	fx.Provide(
		NewEngine,
		func(s *event.Service) EventSource { return s },
	),
)
