// Package telemetry wires OpenTelemetry tracing and metrics for Kayan Connect.
//
// Every recording method is safe on a nil *Provider, so components accept an
// optional provider and never branch on it.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the telemetry configuration.
type Config struct {
	// ServiceName is the name of the service (e.g., "kayan-connect").
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Environment is the deployment environment (e.g., "production").
	Environment string

	// OTLPEndpoint is the OTLP/HTTP exporter endpoint for traces.
	// Leave empty to disable trace export.
	OTLPEndpoint string

	// SamplingRate is the trace sampling rate (0.0-1.0).
	SamplingRate float64

	// Enabled determines if telemetry is active.
	Enabled bool
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "kayan-connect",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		SamplingRate:   1.0,
		Enabled:        true,
	}
}

// Provider manages OpenTelemetry tracer and meter providers.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	loginCounter      metric.Int64Counter
	transitionCounter metric.Int64Counter
	lookupCounter     metric.Int64Counter
	droppedCounter    metric.Int64Counter
	authDuration      metric.Float64Histogram
}

// NewProvider creates a new telemetry provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg}, nil
	}

	p := &Provider{config: cfg}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	if err := p.setupTracing(res); err != nil {
		return nil, err
	}
	if err := p.setupMetrics(res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Provider) setupTracing(res *resource.Resource) error {
	var sampler sdktrace.Sampler
	if p.config.SamplingRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if p.config.SamplingRate <= 0 {
		sampler = sdktrace.NeverSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(p.config.SamplingRate)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
	}

	if p.config.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(p.config.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	p.tracer = p.tracerProvider.Tracer(p.config.ServiceName)

	return nil
}

func (p *Provider) setupMetrics(res *resource.Resource) error {
	exporter, err := prometheus.New()
	if err != nil {
		return err
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(p.config.ServiceName)

	return nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.loginCounter, err = p.meter.Int64Counter(
		"kayan.login.total",
		metric.WithDescription("Completed federated logins by channel and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	p.transitionCounter, err = p.meter.Int64Counter(
		"kayan.qrcode.transitions",
		metric.WithDescription("QR login session state transitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	p.lookupCounter, err = p.meter.Int64Counter(
		"kayan.registry.lookups",
		metric.WithDescription("Client registry lookups by cache result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	p.droppedCounter, err = p.meter.Int64Counter(
		"kayan.qrcode.events.dropped",
		metric.WithDescription("Scan events dropped before processing"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	p.authDuration, err = p.meter.Float64Histogram(
		"kayan.auth.duration",
		metric.WithDescription("Time from callback or scan to issued tokens"),
		metric.WithUnit("s"),
	)
	return err
}

// Shutdown gracefully shuts down the telemetry providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Tracer returns the tracer instance.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("kayan-connect")
	}
	return p.tracer
}

// ---- Metric Recording Methods ----

// RecordLogin records a completed or failed login. channel is "qrcode" or "oauth2".
func (p *Provider) RecordLogin(ctx context.Context, channel, registrationID string, success bool) {
	if p == nil || p.loginCounter == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	p.loginCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("channel", channel),
			attribute.String("registration", registrationID),
		),
	)
}

// RecordTransition records a QR session entering state.
func (p *Provider) RecordTransition(ctx context.Context, state string) {
	if p == nil || p.transitionCounter == nil {
		return
	}
	p.transitionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordRegistryLookup records a registry lookup; result is "hit", "miss" or "error".
func (p *Provider) RecordRegistryLookup(ctx context.Context, result string) {
	if p == nil || p.lookupCounter == nil {
		return
	}
	p.lookupCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordDroppedEvent records a scan event that was never processed.
func (p *Provider) RecordDroppedEvent(ctx context.Context, reason string) {
	if p == nil || p.droppedCounter == nil {
		return
	}
	p.droppedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAuthDuration records how long a login took to complete.
func (p *Provider) RecordAuthDuration(ctx context.Context, channel string, duration time.Duration) {
	if p == nil || p.authDuration == nil {
		return
	}
	p.authDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("channel", channel)),
	)
}
