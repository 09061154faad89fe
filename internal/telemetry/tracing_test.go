package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/trust-crawler/internal/config"
)

func TestInitTracerProviderPropagatesTraceContext(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracerProvider(ctx, Options{
		Tracing: config.TracingConfig{ServiceName: "trustcrawler-test", SampleRatio: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	spanCtx, span := otel.Tracer("test").Start(ctx, "publish")
	defer span.End()
	require.True(t, span.SpanContext().IsValid())

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(spanCtx, carrier)
	require.Contains(t, carrier, "traceparent")
	require.Contains(t, carrier["traceparent"], span.SpanContext().TraceID().String())
}

func TestInitTracerProviderDescribesService(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(ctx, Options{
		Tracing: config.TracingConfig{
			ServiceName:    "trustcrawler-test",
			ServiceVersion: "v1.2.3",
			SampleRatio:    1,
		},
		StoreProvider: config.StoreSQLite,
		Processors:    []sdktrace.SpanProcessor{recorder},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	_, span := tp.Tracer("test").Start(ctx, "ingest.Apply")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	attrs := make(map[attribute.Key]string)
	for _, kv := range ended[0].Resource().Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	require.Equal(t, "trustcrawler-test", attrs["service.name"])
	require.Equal(t, "v1.2.3", attrs["service.version"])
	require.Equal(t, config.StoreSQLite, attrs[StoreProviderKey])
}

func TestInitTracerProviderHonorsSampleRatio(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(ctx, Options{
		Tracing:    config.TracingConfig{ServiceName: "trustcrawler-test", SampleRatio: 1e-12},
		Processors: []sdktrace.SpanProcessor{recorder},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	for i := 0; i < 20; i++ {
		_, span := tp.Tracer("test").Start(ctx, "tick")
		span.End()
	}
	require.Empty(t, recorder.Ended())
}
