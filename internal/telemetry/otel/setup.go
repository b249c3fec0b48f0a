// Package otel wires the gateway's session telemetry to OpenTelemetry: OTLP providers,
// a log-record event emitter, and session metrics.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// DefaultMetricInterval is how often session metrics are exported.
const DefaultMetricInterval = 10 * time.Second

// Options configures NewProviders.
type Options struct {
	// Endpoint is the collector address (host:port or URL). Empty disables export.
	Endpoint string
	// Insecure forces plaintext even for https endpoints.
	Insecure       bool
	ServiceName    string
	ServiceVersion string
	// Environment is recorded as deployment.environment.name when set.
	Environment    string
	MetricInterval time.Duration
}

// Providers holds the OpenTelemetry providers and a shutdown function.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	Shutdown       func(context.Context) error
}

// NewProviders builds trace, metric, and log providers exporting via OTLP/gRPC to opts.Endpoint.
// An empty endpoint yields unexported providers and a no-op Shutdown.
func NewProviders(ctx context.Context, opts Options) (*Providers, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return &Providers{
			TracerProvider: sdktrace.NewTracerProvider(),
			MeterProvider:  metric.NewMeterProvider(),
			LoggerProvider: sdklog.NewLoggerProvider(),
			Shutdown:       func(context.Context) error { return nil },
		}, nil
	}
	target, insecure, err := otlpTarget(strings.TrimSpace(opts.Endpoint), opts.Insecure)
	if err != nil {
		return nil, err
	}
	res, err := newResource(opts)
	if err != nil {
		return nil, err
	}
	if opts.MetricInterval <= 0 {
		opts.MetricInterval = DefaultMetricInterval
	}

	p := &Providers{}
	var stops []func(context.Context) error
	abort := func(err error) (*Providers, error) {
		for i := len(stops) - 1; i >= 0; i-- {
			_ = stops[i](ctx)
		}
		return nil, err
	}

	if p.TracerProvider, err = newTracerProvider(ctx, target, insecure, res); err != nil {
		return abort(fmt.Errorf("otlp traces: %w", err))
	}
	stops = append(stops, p.TracerProvider.Shutdown)
	if p.MeterProvider, err = newMeterProvider(ctx, target, insecure, res, opts.MetricInterval); err != nil {
		return abort(fmt.Errorf("otlp metrics: %w", err))
	}
	stops = append(stops, p.MeterProvider.Shutdown)
	if p.LoggerProvider, err = newLoggerProvider(ctx, target, insecure, res); err != nil {
		return abort(fmt.Errorf("otlp logs: %w", err))
	}
	stops = append(stops, p.LoggerProvider.Shutdown)

	// reverse order: logs, metrics, traces
	p.Shutdown = func(ctx context.Context) error {
		var errs []error
		for i := len(stops) - 1; i >= 0; i-- {
			if err := stops[i](ctx); err != nil {
				log.WithError(err).Warn("telemetry: provider shutdown")
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	log.WithFields(log.Fields{"endpoint": target, "insecure": insecure}).Info("telemetry: exporting via OTLP")
	return p, nil
}

func newResource(opts Options) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(opts.ServiceName)}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(opts.ServiceVersion))
	}
	if opts.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment.name", opts.Environment))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

func newTracerProvider(ctx context.Context, target string, insecure bool, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	o := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(target)}
	if insecure {
		o = append(o, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, o...)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res)), nil
}

func newMeterProvider(ctx context.Context, target string, insecure bool, res *resource.Resource, every time.Duration) (*metric.MeterProvider, error) {
	o := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(target)}
	if insecure {
		o = append(o, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, o...)
	if err != nil {
		return nil, err
	}
	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(every))),
	), nil
}

func newLoggerProvider(ctx context.Context, target string, insecure bool, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	o := []otlploggrpc.Option{otlploggrpc.WithEndpoint(target)}
	if insecure {
		o = append(o, otlploggrpc.WithInsecure())
	}
	exp, err := otlploggrpc.New(ctx, o...)
	if err != nil {
		return nil, err
	}
	return sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)), sdklog.WithResource(res)), nil
}

// otlpTarget reduces endpoint to the host:port the gRPC exporters dial. Paths and queries are dropped.
// Non-https schemes are plaintext; insecureOverride forces plaintext for https too.
func otlpTarget(endpoint string, insecureOverride bool) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return u.Host, insecureOverride || u.Scheme != "https", nil
}

// SetGlobal installs the TracerProvider and MeterProvider globally so otelgrpc picks them up.
// The LoggerProvider is not global; hand it to NewEventEmitter.
func (p *Providers) SetGlobal() {
	if p.TracerProvider != nil {
		otel.SetTracerProvider(p.TracerProvider)
	}
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
}
