package compensation

import (
	"go.uber.org/fx"
)

var Module = fx.Module("compensation.service",
	fx.Provide(NewService),
)
