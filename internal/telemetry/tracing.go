// Package telemetry provides OpenTelemetry tracing setup.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/JakeFAU/trust-crawler/internal/config"
)

// StoreProviderKey tags every span with the graph store backend.
const StoreProviderKey = attribute.Key("trustcrawler.store.provider")

// Options describes the process the tracer provider reports for.
type Options struct {
	Tracing       config.TracingConfig
	StoreProvider string
	// Processors receive finished spans. None are attached in production;
	// spans still propagate through published discovery events.
	Processors []sdktrace.SpanProcessor
}

// InitTracerProvider installs a global trace provider and the W3C
// trace-context propagator. Root spans are sampled at Tracing.SampleRatio and
// children follow their parent. The caller shuts the provider down on exit.
func InitTracerProvider(ctx context.Context, opts Options) (*sdktrace.TracerProvider, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(opts.Tracing.ServiceName),
		StoreProviderKey.String(opts.StoreProvider),
	}
	if opts.Tracing.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(opts.Tracing.ServiceVersion))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	ratio := opts.Tracing.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}
	for _, p := range opts.Processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(p))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}
