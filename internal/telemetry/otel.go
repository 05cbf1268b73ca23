// Package telemetry provides OpenTelemetry instrumentation for the retrieval
// gateway: traces over OTLP/gRPC and metrics through the Prometheus exporter.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

// Config holds telemetry configuration. Insecure disables TLS on the OTLP
// trace exporter for local collectors.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Insecure       bool
}

// Provider manages OpenTelemetry providers
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	// Retrieval pipeline metrics
	queryCounter     metric.Int64Counter
	decisionCounter  metric.Int64Counter
	auditCounter     metric.Int64Counter
	redactionCounter metric.Int64Counter
	policyDuration   metric.Float64Histogram
}

// NewProvider creates a new telemetry provider and installs it globally.
func NewProvider(cfg Config) (*Provider, error) {
	ctx := context.Background()

	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	tracerProvider, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	meterProvider, err := newMeterProvider(res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(meterProvider)

	p := &Provider{
		config:         cfg,
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
	}

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return p, nil
}

// newResource tags all telemetry with the gateway's service identity.
func newResource(cfg Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// newTracerProvider builds the OTLP/gRPC trace pipeline. TLS is the default;
// Insecure is for collectors on localhost.
func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

// newMeterProvider wires the Prometheus exporter as the metric reader.
func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	), nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.queryCounter, err = p.meter.Int64Counter(
		"retrieval_queries_total",
		metric.WithDescription("Total retrieval queries processed"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return err
	}

	p.decisionCounter, err = p.meter.Int64Counter(
		"policy_decisions_total",
		metric.WithDescription("Total per-fragment policy decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	p.auditCounter, err = p.meter.Int64Counter(
		"audit_records_total",
		metric.WithDescription("Total audit ledger records committed"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	p.redactionCounter, err = p.meter.Int64Counter(
		"redactions_total",
		metric.WithDescription("Total pattern redactions applied"),
		metric.WithUnit("{redaction}"),
	)
	if err != nil {
		return err
	}

	p.policyDuration, err = p.meter.Float64Histogram(
		"policy_eval_duration_seconds",
		metric.WithDescription("Policy evaluation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Tracer returns the tracer instance
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter instance
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// Shutdown gracefully shuts down telemetry providers.
// Both tracer and meter are shut down regardless of individual failures.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// RecordQuery counts one retrieval query with its outcome.
func (p *Provider) RecordQuery(ctx context.Context, tenant string, insufficient bool) {
	p.queryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.Bool("insufficient_evidence", insufficient),
	))
}

// RecordDecision counts one per-fragment policy decision.
func (p *Provider) RecordDecision(ctx context.Context, kind string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	p.decisionCounter.Add(ctx, 1, attrs)
	p.policyDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordAudit counts one committed ledger record.
func (p *Provider) RecordAudit(ctx context.Context, action string) {
	p.auditCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordRedaction counts pattern hits for one redaction pass.
func (p *Provider) RecordRedaction(ctx context.Context, patterns []string) {
	for _, id := range patterns {
		p.redactionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("pattern", id)))
	}
}

// StartSpan starts a new span
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}
