// Package telemetry configures OpenTelemetry tracing. With no collector
// endpoint configured everything is a no-op.
package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"pasofino/internal/config"
	"pasofino/internal/constants"
	"pasofino/internal/logger"
)

type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Setup installs a batching OTLP/gRPC tracer provider and returns its
// shutdown. Exporter errors are logged and tracing stays off.
func Setup(ctx context.Context, cfg config.TelemetryConfig, log logger.Logger) Shutdown {
	log = logger.OrDefault(log)
	if cfg.Endpoint == "" {
		log.Debugf("Tracing disabled (OTEL_EXPORTER_OTLP_ENDPOINT not set)")
		return noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		log.WithError(err).Warnf("⚠️  OTLP exporter unavailable, tracing disabled")
		return noop
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(constants.AppName),
		semconv.ServiceVersion(constants.Version),
	))
	if err != nil {
		log.WithError(err).Warnf("⚠️  OTel resource incomplete")
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	log.Infof("📡 Tracing to %s", cfg.Endpoint)

	return provider.Shutdown
}

// Handler traces every request through h under operation.
func Handler(h http.Handler, operation string) http.Handler {
	return otelhttp.NewHandler(h, operation)
}
