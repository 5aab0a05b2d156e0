package o11y

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on span attributes and log context values.
const (
	AttrWorkflowID = "workflow_id"
	AttrServiceID  = "service_id"
	AttrJobID      = "job_id"
)

const tracerName = "github.com/coreplatform/workflow-orchestrator"

// SetupTracing configures the global otel TracerProvider. When
// OTEL_EXPORTER_OTLP_TRACES_ENDPOINT is set, spans are exported via
// OTLP/HTTP; otherwise tracing stays a no-op, same opt-in-via-env-var
// idiom the rest of the ambient stack follows.
func SetupTracing(ctx context.Context) error {
	if os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT") == "" {
		return nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return err
	}

	res, err := resource.New(ctx, resource.WithFromEnv())
	if err != nil {
		return err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return nil
}

// StartSpan starts a span named op under the package tracer. Callers
// defer span.End(); when tracing isn't configured this is a
// near-zero-cost no-op span from otel's default provider.
func StartSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, op)
}
