// Package instrumentation provides OpenTelemetry metrics and tracing for the
// integration subsystem. Instrumentation is optional and nil-safe: when
// disabled, no-op providers are used and recording has zero overhead.
package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when no service name is configured.
	DefaultServiceName = "connect"

	// DefaultServiceVersion is used when no service version is configured.
	DefaultServiceVersion = "unknown"
)

// scopePrefix namespaces meter and tracer scopes.
const scopePrefix = "github.com/relaymind/connect/"

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName is the name of the service embedding the library.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Enabled controls whether instrumentation is active. When false, no-op
	// providers are used.
	Enabled bool

	// Resource allows custom resource attributes. If nil, a default resource
	// is built from the service name and version.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:         config,
		resource:       res,
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// SetMeterProvider installs a real meter provider. Call before wiring the
// instrumentation into components; metric instruments are rebuilt.
func (i *Instrumentation) SetMeterProvider(mp metric.MeterProvider) error {
	if mp == nil {
		return fmt.Errorf("meter provider is nil")
	}
	i.meterProvider = mp

	m, err := newMetrics(i)
	if err != nil {
		return fmt.Errorf("failed to rebuild metrics: %w", err)
	}
	i.metrics = m
	return nil
}

// SetTracerProvider installs a real tracer provider.
func (i *Instrumentation) SetTracerProvider(tp trace.TracerProvider) {
	if tp != nil {
		i.tracerProvider = tp
	}
}

// OnShutdown registers a function to run during Shutdown.
func (i *Instrumentation) OnShutdown(fn func(context.Context) error) {
	i.shutdownFuncs = append(i.shutdownFuncs, fn)
}

// Shutdown gracefully shuts down all registered instrumentation components.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})
	return shutdownErr
}

// Meter returns a named meter for the given scope. Scopes are layer names
// like "manager", "storage", "provider", "refresh".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// MeterProvider returns the underlying meter provider.
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// TracerProvider returns the underlying tracer provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// StorageSizeCallback returns the current size of a storage component.
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers gauge callbacks for storage sizes.
// Storage implementations expose counts; the application wires them here.
func (i *Instrumentation) RegisterStorageSizeCallbacks(integrationsCount, attemptsCount StorageSizeCallback) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("storage")
	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if integrationsCount != nil {
				observer.ObserveInt64(i.metrics.StorageIntegrationsCount, integrationsCount())
			}
			if attemptsCount != nil {
				observer.ObserveInt64(i.metrics.StorageAttemptsCount, attemptsCount())
			}
			return nil
		},
		i.metrics.StorageIntegrationsCount,
		i.metrics.StorageAttemptsCount,
	)
	return err
}
