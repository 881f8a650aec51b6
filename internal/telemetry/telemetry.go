// Package telemetry configures OpenTelemetry tracing.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/dbsmedya/posmirror/internal/config"
	"github.com/dbsmedya/posmirror/internal/logger"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// Setup installs a global tracer provider exporting over OTLP/gRPC. Without
// an endpoint tracing stays disabled and the returned func does nothing.
// Exporter failures are logged, never fatal.
func Setup(ctx context.Context, cfg config.TelemetryConfig, log *logger.Logger) ShutdownFunc {
	if log == nil {
		log = logger.NewDefault()
	}
	if cfg.OTLPEndpoint == "" {
		return noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		log.Warnf("Tracing disabled, OTLP exporter failed: %v", err)
		return noop
	}

	name := cfg.ServiceName
	if name == "" {
		name = "posmirror"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		log.Warnf("OpenTelemetry resource error: %v", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	log.Infof("Tracing enabled, exporting to %s", cfg.OTLPEndpoint)

	return provider.Shutdown
}
