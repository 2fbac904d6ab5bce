package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/trace"
)

const instrumentation = "github.com/ormasoftchile/sceneflow"

// Options configures Setup.
type Options struct {
	ServiceName string
	// Endpoint is an OTLP/HTTP traces URL. Empty uses the OTEL_EXPORTER_OTLP_*
	// environment.
	Endpoint string
	// Exporter overrides the OTLP exporter.
	Exporter sdktrace.SpanExporter
	// Readers receive the metrics; without one metrics are dropped.
	Readers []sdkmetric.Reader
}

// Provider owns the SDK providers and the two trace handlers.
type Provider struct {
	Traces  *sdktrace.TracerProvider
	Meters  *sdkmetric.MeterProvider
	Tracing *Tracing
	Metrics *Metrics
}

// Setup builds the providers and registers them globally.
func Setup(ctx context.Context, opts Options) (*Provider, error) {
	name := opts.ServiceName
	if name == "" {
		name = "sceneflow"
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))

	exp := opts.Exporter
	if exp == nil {
		var httpOpts []otlptracehttp.Option
		if opts.Endpoint != "" {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpointURL(opts.Endpoint))
		}
		var err error
		if exp, err = otlptracehttp.New(ctx, httpOpts...); err != nil {
			return nil, err
		}
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))

	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range opts.Readers {
		mopts = append(mopts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mopts...)

	metrics, err := NewMetrics(mp.Meter(instrumentation))
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	return &Provider{
		Traces:  tp,
		Meters:  mp,
		Tracing: NewTracing(tp.Tracer(instrumentation)),
		Metrics: metrics,
	}, nil
}

// Attach registers both handlers on tw.
func (p *Provider) Attach(tw *trace.Writer) {
	tw.Observe(p.Observer())
}

// Observer returns one observer feeding both handlers.
func (p *Provider) Observer() trace.Observer {
	return func(e trace.Event) {
		p.Tracing.Observe(e)
		p.Metrics.Observe(e)
	}
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.Traces.Shutdown(ctx), p.Meters.Shutdown(ctx))
}
