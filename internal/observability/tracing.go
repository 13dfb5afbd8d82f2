package observability

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation name used by every component.
const TracerName = "github.com/HebbZhu/multi-agent-living-system"

// DefaultServiceName is reported on every exported span.
const DefaultServiceName = "mals"

// TracingConfig selects the span exporter.
type TracingConfig struct {
	ServiceName string
	Exporter    string    // "none" or "stdout"
	Writer      io.Writer // stdout exporter destination, os.Stderr when nil
}

// ShutdownFunc flushes and stops a tracer provider.
type ShutdownFunc func(ctx context.Context) error

// NewTracerProvider builds a tracer provider for cfg. The provider is returned
// rather than installed globally so independent runs stay isolated.
func NewTracerProvider(cfg TracingConfig) (trace.TracerProvider, ShutdownFunc, error) {
	switch cfg.Exporter {
	case "", "none":
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil

	case "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}

		name := cfg.ServiceName
		if name == "" {
			name = DefaultServiceName
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
		)
		return tp, tp.Shutdown, nil

	default:
		return nil, nil, fmt.Errorf("unknown trace exporter: %s", cfg.Exporter)
	}
}

// Tracer returns the kernel tracer from tp, falling back to a no-op tracer.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return tp.Tracer(TracerName)
}
