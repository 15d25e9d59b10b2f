package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "idp-engine"

	// DefaultServiceVersion is used when Config.ServiceVersion is empty
	DefaultServiceVersion = "unknown"

	instrumentationPrefix = "github.com/giantswarm/idp-engine/"
)

// Config holds instrumentation configuration
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Enabled switches from no-op providers to the SDK providers.
	Enabled bool

	// Registry receives the Prometheus collectors. A private registry is
	// created when nil.
	Registry *prometheus.Registry

	// SpanExporter receives finished spans. Tracing stays no-op when nil.
	SpanExporter sdktrace.SpanExporter

	// Resource overrides the default service resource.
	Resource *resource.Resource
}

// Instrumentation owns the meter and tracer providers
type Instrumentation struct {
	config   Config
	registry *prometheus.Registry

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// flushFuncs and shutdownFuncs are only appended to during New
	flushFuncs    []func(context.Context) error
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	inst := &Instrumentation{config: config}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return inst, nil
}

// NewNoop returns disabled instrumentation. It cannot fail.
func NewNoop() *Instrumentation {
	inst, err := New(Config{})
	if err != nil {
		panic(fmt.Sprintf("noop instrumentation: %v", err))
	}
	return inst
}

func (i *Instrumentation) initializeProviders() error {
	res := i.config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(i.config.ServiceName),
				semconv.ServiceVersion(i.config.ServiceVersion),
			),
		)
		if err != nil {
			return fmt.Errorf("failed to create resource: %w", err)
		}
	}

	i.registry = i.config.Registry
	if i.registry == nil {
		i.registry = prometheus.NewRegistry()
	}
	exporter, err := otelprom.New(otelprom.WithRegisterer(i.registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	i.meterProvider = mp
	i.flushFuncs = append(i.flushFuncs, mp.ForceFlush)
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)

	if i.config.SpanExporter == nil {
		i.tracerProvider = tracenoop.NewTracerProvider()
		return nil
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(i.config.SpanExporter),
		sdktrace.WithResource(res),
	)
	i.tracerProvider = tp
	i.flushFuncs = append(i.flushFuncs, tp.ForceFlush)
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
	return nil
}

// ForceFlush exports buffered spans and metrics without stopping the
// providers. It is a no-op when disabled.
func (i *Instrumentation) ForceFlush(ctx context.Context) error {
	var errs []error
	for _, fn := range i.flushFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown flushes and stops the providers. Safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var errs []error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Meter returns the meter for a layer, e.g. "server" or "storage".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationPrefix + scope)
}

// Tracer returns the tracer for a layer.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationPrefix + scope)
}

// Metrics returns the metric instruments.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// MetricsHandler serves the Prometheus registry. It returns 404 when
// instrumentation is disabled.
func (i *Instrumentation) MetricsHandler() http.Handler {
	if i.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{})
}

// StorageSizeCallback returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers observable gauges for store sizes.
// Nil callbacks are skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(sessions, refreshTokens, referenceTokens StorageSizeCallback) error {
	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			if sessions != nil {
				observer.ObserveInt64(i.metrics.StorageSessions, sessions())
			}
			if refreshTokens != nil {
				observer.ObserveInt64(i.metrics.StorageRefreshTokens, refreshTokens())
			}
			if referenceTokens != nil {
				observer.ObserveInt64(i.metrics.StorageReferenceTokens, referenceTokens())
			}
			return nil
		},
		i.metrics.StorageSessions,
		i.metrics.StorageRefreshTokens,
		i.metrics.StorageReferenceTokens,
	)
	return err
}
