// Package observability wires OpenTelemetry tracing and metrics for
// gatekeeper. Setup builds one Provider per process; the Provider owns the
// admission and credit instruments and decorates the configured store so
// that every counter and token marker operation is traced and timed.
package observability

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"
	"gatekeeper/internal/version"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	admissionScope = "gatekeeper/admission"
	storageScope   = "gatekeeper/storage"
)

// Provider holds the telemetry pipeline of one gatekeeper process.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	promExporter   *prometheus.Exporter
	resource       *resource.Resource
	decisions      *DecisionMetrics
}

// SetupOption adjusts Setup.
type SetupOption func(*setupOptions)

type setupOptions struct {
	readers []sdkmetric.Reader
}

// WithMetricReader attaches an extra reader next to the Prometheus exporter.
// It has no effect when metrics are disabled.
func WithMetricReader(r sdkmetric.Reader) SetupOption {
	return func(o *setupOptions) { o.readers = append(o.readers, r) }
}

// Setup builds tracing and metrics from configuration, installs them as the
// global providers and registers the admission instruments. The returned
// Provider must be shut down on exit so that buffered spans are flushed.
func Setup(cfg *models.Config, ver version.Info, opts ...SetupOption) (*Provider, error) {
	var o setupOptions
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.Observability.ServiceName),
			semconv.ServiceVersion(ver.Version),
			attribute.String("service.instance.id", ver.InstanceID),
			attribute.String("host.name", ver.Hostname),
			attribute.String("git.commit", ver.GitCommit),
			attribute.String("deployment.environment", getEnvironment()),
		),
		resource.WithAttributes(deploymentAttributes(cfg)...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{resource: res}

	if cfg.Observability.Tracing.Enabled {
		tp, err := setupTracing(res, cfg.Observability.Tracing)
		if err != nil {
			return nil, fmt.Errorf("failed to setup tracing: %w", err)
		}
		p.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if cfg.Metrics.Enabled {
		promExporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		p.promExporter = promExporter

		mpOpts := []sdkmetric.Option{
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExporter),
		}
		for _, r := range o.readers {
			mpOpts = append(mpOpts, sdkmetric.WithReader(r))
		}
		p.meterProvider = sdkmetric.NewMeterProvider(mpOpts...)
		otel.SetMeterProvider(p.meterProvider)

		p.decisions, err = NewDecisionMetrics(p.meterProvider.Meter(admissionScope))
		if err != nil {
			return nil, fmt.Errorf("failed to register admission metrics: %w", err)
		}
	}

	return p, nil
}

// deploymentAttributes describes the admission policy a process enforces so
// that dashboards can tell replicas with different limits apart.
func deploymentAttributes(cfg *models.Config) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("gatekeeper.store.type", cfg.Store.Type),
		attribute.Int("gatekeeper.quota.ip_limit", cfg.Quota.IPLimit),
		attribute.Int("gatekeeper.quota.user_limit", cfg.Quota.UserLimit),
		attribute.String("gatekeeper.quota.window", cfg.Quota.Window.String()),
		attribute.Bool("gatekeeper.burst.enabled", cfg.Burst.Enabled),
		attribute.Bool("gatekeeper.fingerprint.enabled", cfg.Fingerprint.Enabled),
		attribute.Bool("gatekeeper.credit.enabled", cfg.Credit.Enabled),
		attribute.Bool("gatekeeper.synthesis.enabled", cfg.Synthesis.Enabled),
	}
}

// Resource returns the resource attached to every span and metric.
func (p *Provider) Resource() *resource.Resource {
	return p.resource
}

// PrometheusExporter returns the Prometheus exporter for serving metrics.
func (p *Provider) PrometheusExporter() *prometheus.Exporter {
	return p.promExporter
}

// Decisions returns the admission and credit recorder, or nil when metrics
// are disabled.
func (p *Provider) Decisions() *DecisionMetrics {
	return p.decisions
}

// InstrumentStore decorates store with spans and operation metrics from this
// provider. With tracing and metrics both disabled store is returned as is.
func (p *Provider) InstrumentStore(store storage.Store) (storage.Store, error) {
	if p.tracerProvider == nil && p.meterProvider == nil {
		return store, nil
	}
	return newInstrumentedStore(store, p.tracer(storageScope), p.meter(storageScope))
}

func (p *Provider) tracer(name string) trace.Tracer {
	if p.tracerProvider != nil {
		return p.tracerProvider.Tracer(name)
	}
	return otel.Tracer(name)
}

func (p *Provider) meter(name string) metric.Meter {
	if p.meterProvider != nil {
		return p.meterProvider.Meter(name)
	}
	return otel.Meter(name)
}

// Shutdown flushes and stops the tracer and meter providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("observability shutdown: %w", errors.Join(errs...))
	}
	return nil
}

func setupTracing(res *resource.Resource, cfg models.TracingConfig) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		exporter, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", cfg.Exporter, err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	), nil
}

// sampler keeps parent decisions so a trace started by the upstream caller is
// either fully recorded or not at all.
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// getEnvironment returns the deployment environment, falling back to
// "development".
func getEnvironment() string {
	for _, name := range []string{"GATEKEEPER_ENV", "ENVIRONMENT", "DEPLOYMENT_ENV"} {
		if env := os.Getenv(name); env != "" {
			return env
		}
	}
	return "development"
}
