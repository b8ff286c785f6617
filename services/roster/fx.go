package roster

import (
	"go.uber.org/fx"
)

var Module = fx.Module("roster.service",
	fx.Provide(
		NewService,
		func(s *Service) CandidateSource { return s },
	),
)
