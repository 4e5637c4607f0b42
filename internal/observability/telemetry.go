// Package observability owns the OpenTelemetry wiring: tracer setup, HTTP
// middleware, and trace-context plumbing into async jobs and log lines.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/quizforge/quizforge/internal/config"
)

var provider *sdktrace.TracerProvider

// Enabled reports whether Init installed a real provider. With tracing off
// every span call goes through the global no-op provider.
func Enabled() bool {
	return provider != nil
}

// Tracer resolves through the otel global, so it is safe to call during
// startup before Init and returns the real tracer afterwards.
func Tracer() trace.Tracer {
	return otel.Tracer("quizforge")
}

// Init installs the tracer provider and W3C propagators. A disabled config
// is not an error; the process just keeps the no-op globals.
func Init(ctx context.Context, cfg config.TracingConfig) error {
	if !cfg.Enabled {
		return nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "quizforge"
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
	))
	if err != nil {
		return fmt.Errorf("build trace resource: %w", err)
	}

	// Honor an upstream sampling decision; sample our own roots at the
	// configured ratio.
	root := sdktrace.AlwaysSample()
	if cfg.SampleRate >= 0 && cfg.SampleRate < 1 {
		root = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(root)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	provider = tp
	return nil
}

// Shutdown flushes buffered spans; called once on daemon exit.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return provider.Shutdown(ctx)
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp", "otlp-http":
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	case "none":
		// Spans stay sampled for log correlation but never leave the process.
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }

func (discardExporter) Shutdown(context.Context) error { return nil }
