package otelcol

import (
	"context"

	"sitterops-core/pkg/config"
	"sitterops-core/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module installs a real tracer provider backed by the OTLP collector.
// Binaries that skip it keep the default noop global.
var Module = fx.Module("otelcol",
	fx.Provide(exporters.ProvideGrpc),
	fx.Invoke(RegisterTracerProvider),
)

func providerResource(cfg *config.Config) *resource.Resource {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.AppName),
			attribute.String("service.version", cfg.AppVersion),
			attribute.String("deployment.environment", cfg.AppEnv),
		),
	)
	if err != nil {
		return resource.Default()
	}
	return r
}

func ProvideTrace(cfg *config.Config, exporter trace.SpanExporter, opts ...trace.TracerProviderOption) *trace.TracerProvider {
	if len(opts) == 0 {
		opts = []trace.TracerProviderOption{
			trace.WithResource(providerResource(cfg)),
		}
	}

	opts = append(opts, trace.WithBatcher(exporter))

	return trace.NewTracerProvider(opts...)
}

func RegisterTracerProvider(lc fx.Lifecycle, cfg *config.Config, exporter trace.SpanExporter) {
	tp := ProvideTrace(cfg, exporter)
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
}

func ProvideMetric(cfg *config.Config, reader metric.Reader, opts ...metric.Option) *metric.MeterProvider {
	if len(opts) == 0 {
		opts = []metric.Option{
			metric.WithResource(providerResource(cfg)),
		}
	}

	opts = append(opts, metric.WithReader(reader))

	return metric.NewMeterProvider(opts...)
}
