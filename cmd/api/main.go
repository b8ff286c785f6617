package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"sitterops-core/internal/httpapi"
	"sitterops-core/pkg/config"
	"sitterops-core/pkg/db"
	"sitterops-core/pkg/health"
	"sitterops-core/pkg/logger"
	"sitterops-core/pkg/otelcol"
	"sitterops-core/pkg/profiling"
	"sitterops-core/pkg/redis"
	"sitterops-core/pkg/sequence"
	"sitterops-core/pkg/server"
	"sitterops-core/pkg/task"
	"sitterops-core/services/compensation"
	"sitterops-core/services/dispatch"
	"sitterops-core/services/event"
	"sitterops-core/services/roster"
	"sitterops-core/services/scoring"
	"sitterops-core/services/tier"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		health.Module,
		otelcol.Module,
		profiling.Module,
		fx.Provide(
			server.ProvideEngine,
			provideSnowflakeNode,
		),
		fx.Invoke(db.Otel),
		fx.Invoke(db.Metric),
		event.Module,
		roster.Module,
		scoring.Module,
		compensation.Module,
		dispatch.Module,
		tier.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
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
	return snowflake.NewNode(1)
}
