package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is used for every span this proxy starts.
const tracerName = "github.com/mcpmux/mcpmux"

// InitTracer wires an stdouttrace exporter (spans written to w, normally
// the process's own stderr or a discard writer when tracing isn't wanted)
// into a fresh TracerProvider and installs it as the global provider. The
// returned shutdown func must be called before process exit to flush any
// buffered spans; callers that don't want tracing at all can pass io.Discard.
func InitTracer(ctx context.Context, serviceName string, w io.Writer) (shutdown func(context.Context) error, err error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", ProxyVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("merge resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the proxy's tracer, bound to whatever TracerProvider is
// currently installed (InitTracer's, or the otel no-op default if tracing
// was never initialized).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// ProxyVersion is stamped onto the trace resource as service.version.
// Kept independent of router.ProxyVersion so this package has no import
// dependency on router.
const ProxyVersion = "0.1.0"
