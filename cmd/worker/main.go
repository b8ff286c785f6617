package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"sitterops-core/pkg/config"
	"sitterops-core/pkg/db"
	"sitterops-core/pkg/logger"
	"sitterops-core/pkg/redis"
	"sitterops-core/pkg/sequence"
	"sitterops-core/pkg/task"
	"sitterops-core/services/compensation"
	"sitterops-core/services/dispatch"
	"sitterops-core/services/event"
	"sitterops-core/services/roster"
	"sitterops-core/services/scoring"
	"sitterops-core/services/tier"
)

// The worker binary runs the asynq consumers: offer expiry timers and the
// nightly tier batches. It shares the service graph with the API binary
// but exposes no HTTP surface.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		sequence.Module,
		fx.Provide(provideSnowflakeNode),
		event.Module,
		roster.Module,
		scoring.Module,
		compensation.Module,
		dispatch.Module,
		dispatch.WorkerModule,
		tier.Module,
		tier.WorkerModule,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(2)
}
