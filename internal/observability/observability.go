package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	coordinatorTracer trace.Tracer

	assignmentsTotal     metric.Int64Counter
	pullsTotal           metric.Int64Counter
	finalizeTotal        metric.Int64Counter
	sweepDuration        metric.Float64Histogram
	notifierDeliveries   metric.Int64Counter
	notifierQueueDropped metric.Int64Counter
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "crawl-coordinator"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			// Log error but don't fail app startup - observability is optional
			fmt.Printf("WARN: Failed to create OTLP trace exporter (traces disabled): %v\n", err)
			fmt.Printf("WARN: Endpoint: %s\n", cfg.OTLPEndpoint)
			// Continue without tracing - app should still function
		} else {
			spanExporter = exp
			fmt.Printf("INFO: OTLP trace exporter initialised successfully for endpoint: %s\n", cfg.OTLPEndpoint)
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx) // best-effort cleanup
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		coordinatorTracer = tracerProvider.Tracer(instrumentationName)
		_ = initCoordinatorInstruments(meterProvider)
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		// Skip tracing for health checks to reduce noise
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

const instrumentationName = "crawl-coordinator/coordinator"

func initCoordinatorInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter(instrumentationName)

	var err error
	assignmentsTotal, err = meter.Int64Counter(
		"coordinator.assignments.total",
		metric.WithDescription("Sites bound to a worker or queued at intake and reconciliation"),
	)
	if err != nil {
		return err
	}

	pullsTotal, err = meter.Int64Counter(
		"coordinator.pulls.total",
		metric.WithDescription("Worker task pulls by result"),
	)
	if err != nil {
		return err
	}

	finalizeTotal, err = meter.Int64Counter(
		"coordinator.finalize.total",
		metric.WithDescription("Completion reports by result"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err = meter.Float64Histogram(
		"coordinator.reconciler.sweep.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken by a reconciler sweep"),
	)
	if err != nil {
		return err
	}

	notifierDeliveries, err = meter.Int64Counter(
		"coordinator.notifier.deliveries.total",
		metric.WithDescription("Outbound notification deliveries by channel and result"),
	)
	if err != nil {
		return err
	}

	notifierQueueDropped, err = meter.Int64Counter(
		"coordinator.notifier.dropped.total",
		metric.WithDescription("Notifications dropped because the delivery queue was full"),
	)
	return err
}

// StartSpan starts a coordinator span. Falls back to the global tracer before Init.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	t := coordinatorTracer
	if t == nil {
		t = otel.Tracer(instrumentationName)
	}
	return t.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordAssignment counts an assignment decision ("assigned" or "queued")
func RecordAssignment(ctx context.Context, result string) {
	if assignmentsTotal != nil {
		assignmentsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// RecordPull counts a worker pull ("task", "empty" or "error")
func RecordPull(ctx context.Context, taskType, result string) {
	if pullsTotal != nil {
		pullsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task_type", taskType),
			attribute.String("result", result),
		))
	}
}

// RecordFinalize counts a completion report ("applied", "conflict", "invariant" or "error")
func RecordFinalize(ctx context.Context, result string) {
	if finalizeTotal != nil {
		finalizeTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// RecordSweep records reconciler sweep duration
func RecordSweep(ctx context.Context, duration time.Duration, result string) {
	if sweepDuration != nil {
		sweepDuration.Record(ctx, float64(duration.Milliseconds()),
			metric.WithAttributes(attribute.String("result", result)))
	}
}

// RecordDelivery counts an outbound notification attempt outcome
func RecordDelivery(ctx context.Context, channel, result string) {
	if notifierDeliveries != nil {
		notifierDeliveries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("result", result),
		))
	}
}

// RecordDropped counts a notification that never entered the delivery queue
func RecordDropped(ctx context.Context, channel string) {
	if notifierQueueDropped != nil {
		notifierQueueDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	}
}

// WrapTransport instruments an outbound HTTP transport. Spans are only exported
// once Init has installed a tracer provider.
func WrapTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}
