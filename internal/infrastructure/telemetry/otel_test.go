package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func attrs(kvs []attribute.KeyValue) map[attribute.Key]string {
	out := make(map[attribute.Key]string, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestStartPrincipalSpan(t *testing.T) {
	rec := recordSpans(t)
	id := uuid.New()

	_, end := StartPrincipalSpan(context.Background(), SpanConsentWithdraw, id, AttrPurpose.String("marketing"))
	end(nil)
	_, end = StartPrincipalSpan(context.Background(), SpanErasurePurge, id)
	end(errors.New("verification failed"))

	spans := rec.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "consent.withdraw", spans[0].Name())
	got := attrs(spans[0].Attributes())
	assert.Equal(t, id.String(), got[AttrPrincipalID])
	assert.Equal(t, "marketing", got[AttrPurpose])
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	assert.Equal(t, "erasure.purge", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "verification failed", spans[1].Status().Description)
	require.Len(t, spans[1].Events(), 1)
}

func TestConfigFrom(t *testing.T) {
	tc := config.Defaults().Telemetry
	tc.Enabled = true
	cfg := ConfigFrom(tc, ServiceName+"-worker", "1.2.3", "staging")

	assert.Equal(t, "dpdp-compliance-engine-worker", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.True(t, cfg.Enabled)
	assert.Positive(t, cfg.MetricInterval)
}

func TestInitializeOpenTelemetry(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	t.Run("disabled keeps globals", func(t *testing.T) {
		p, err := InitializeOpenTelemetry(context.Background(), &Config{Enabled: false})
		require.NoError(t, err)
		assert.Nil(t, p.Resource)
		assert.NoError(t, p.Shutdown(context.Background()))
	})

	t.Run("without endpoint nothing is exported", func(t *testing.T) {
		tc := config.Defaults().Telemetry
		tc.Enabled = true
		tc.OTLPEndpoint = ""
		p, err := InitializeOpenTelemetry(context.Background(), ConfigFrom(tc, ServiceName, "1.2.3", "staging"))
		require.NoError(t, err)

		got := attrs(p.Resource.Attributes())
		assert.Equal(t, ServiceName, got["service.name"])
		assert.Equal(t, "1.2.3", got["service.version"])
		assert.Equal(t, "dpdp", got["service.namespace"])
		assert.Equal(t, "staging", got["deployment.environment"])
		assert.Equal(t, "DPDP Act 2023", got["compliance.framework"])
		assert.Equal(t, "IN", got["compliance.jurisdiction"])

		_, span := StartSpan(context.Background(), SpanGrievanceSLA)
		assert.True(t, span.SpanContext().IsValid())
		span.End()

		assert.NoError(t, p.Shutdown(context.Background()))
	})
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.25).Description(), sampler(0.25).Description())
}
