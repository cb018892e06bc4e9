package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"SubscriptionScanner/internal/config"
	"SubscriptionScanner/internal/logging"
)

func TestNewTracerProviderInstallsGlobal(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	tp, err := newTracerProvider(context.Background(), config.TracingConfig{Exporter: config.TracingNone}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	recorder := tracetest.NewSpanRecorder()
	tp.RegisterSpanProcessor(recorder)

	_, span := otel.Tracer(tracerName).Start(context.Background(), "subscription.process")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "subscription.process", ended[0].Name())

	var service string
	for _, kv := range ended[0].Resource().Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	assert.Equal(t, defaultServiceName, service)
}

func TestNewTracerProviderOTLP(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	tp, err := newTracerProvider(context.Background(), config.TracingConfig{
		Exporter: "OTLP",
		Endpoint: "127.0.0.1:4317",
		Insecure: true,
	}, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = tp.Shutdown(ctx)
}

func TestNewTracerProviderRejectsUnknownExporter(t *testing.T) {
	_, err := newTracerProvider(context.Background(), config.TracingConfig{Exporter: "zipkin"}, logging.Discard())
	require.ErrorContains(t, err, "zipkin")
}
