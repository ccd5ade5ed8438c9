package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
)

// ServiceName identifies the engine in logs, traces and metrics.
const ServiceName = "dpdp-compliance-engine"

// Span names of the compliance operations traced end to end.
const (
	SpanConsentGrant    = "consent.grant"
	SpanConsentWithdraw = "consent.withdraw"
	SpanGrievanceSubmit = "grievance.submit"
	SpanGrievanceSLA    = "grievance.sla_check"
	SpanErasureRequest  = "erasure.request"
	SpanErasureCancel   = "erasure.cancel"
	SpanErasurePurge    = "erasure.purge"
	SpanErasurePurgeRun = "erasure.purge_run"
)

const attrPrefix = "dpdp."

// Attribute keys set on compliance spans. Only identifiers are recorded,
// never personal data.
var (
	AttrPrincipalID = attribute.Key(attrPrefix + "principal.id")
	AttrPurpose     = attribute.Key(attrPrefix + "consent.purpose")
	AttrGrievanceID = attribute.Key(attrPrefix + "grievance.id")
	AttrCategory    = attribute.Key(attrPrefix + "grievance.category")
	AttrAffected    = attribute.Key(attrPrefix + "affected")
)

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Enabled        bool
	// Endpoint is the OTLP gRPC collector address. Empty keeps spans in
	// process: trace ids still reach the logs but nothing is exported.
	Endpoint       string
	Insecure       bool
	SamplingRate   float64
	ExportTimeout  time.Duration
	BatchTimeout   time.Duration
	MetricInterval time.Duration
}

// ConfigFrom builds the provider configuration for one engine process.
func ConfigFrom(c config.TelemetryConfig, serviceName, version, environment string) *Config {
	return &Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    environment,
		Enabled:        c.Enabled,
		Endpoint:       c.OTLPEndpoint,
		Insecure:       c.Insecure,
		SamplingRate:   c.SamplingRate,
		ExportTimeout:  10 * time.Second,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 30 * time.Second,
	}
}

// Provider owns the SDK providers installed as the otel globals.
type Provider struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Resource       *resource.Resource
	shutdown       []func(context.Context) error
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// InitializeOpenTelemetry installs tracer and meter providers for the engine.
// When disabled the otel globals stay no-op.
func InitializeOpenTelemetry(ctx context.Context, cfg *Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			TracerProvider: otel.GetTracerProvider(),
			MeterProvider:  otel.GetMeterProvider(),
		}, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SamplingRate))),
	}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.Endpoint != "" {
		spans, err := otlptrace.New(ctx, otlptracegrpc.NewClient(traceClientOptions(cfg)...))
		if err != nil {
			return nil, fmt.Errorf("creating span exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(cfg.BatchTimeout)))

		metrics, err := otlpmetricgrpc.New(ctx, metricClientOptions(cfg)...)
		if err != nil {
			_ = spans.Shutdown(ctx)
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(cfg.MetricInterval))))
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Resource:       res,
		shutdown:       []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// newResource describes the process. OTEL_RESOURCE_ATTRIBUTES may add to it.
func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.ServiceNamespace("dpdp"),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("compliance.framework", "DPDP Act 2023"),
			attribute.String("compliance.jurisdiction", "IN"),
		),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}
	return res, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func traceClientOptions(cfg *Config) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

func metricClientOptions(cfg *Config) []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTimeout(cfg.ExportTimeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return opts
}

// RecordError marks the span failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// StartSpan starts a span on the engine's tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(ServiceName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartPrincipalSpan starts a span for an operation on one principal's data.
// The returned func ends the span, recording err.
func StartPrincipalSpan(ctx context.Context, name string, principalID uuid.UUID, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs, AttrPrincipalID.String(principalID.String()))
	ctx, span := StartSpan(ctx, name, attrs...)
	return ctx, func(err error) {
		RecordError(span, err)
		span.End()
	}
}
