package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the integration subsystem.
type Metrics struct {
	// Handshake metrics
	HandshakeStarted   metric.Int64Counter
	HandshakeCompleted metric.Int64Counter

	// Token lifecycle metrics
	TokenRefreshed metric.Int64Counter
	TokenRevoked   metric.Int64Counter

	// Provider metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter

	// Storage metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageIntegrationsCount metric.Int64ObservableGauge
	StorageAttemptsCount     metric.Int64ObservableGauge

	// Audit metrics
	AuditEventsTotal metric.Int64Counter
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	managerMeter := inst.Meter("manager")
	providerMeter := inst.Meter("provider")
	storageMeter := inst.Meter("storage")
	securityMeter := inst.Meter("security")

	var err error
	m.HandshakeStarted, err = managerMeter.Int64Counter(
		"connect.handshake.started",
		metric.WithDescription("Number of OAuth handshakes initiated"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake.started counter: %w", err)
	}

	m.HandshakeCompleted, err = managerMeter.Int64Counter(
		"connect.handshake.completed",
		metric.WithDescription("Number of OAuth handshakes completed"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake.completed counter: %w", err)
	}

	m.TokenRefreshed, err = managerMeter.Int64Counter(
		"connect.token.refreshed",
		metric.WithDescription("Number of token refreshes"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokenRevoked, err = managerMeter.Int64Counter(
		"connect.token.revoked",
		metric.WithDescription("Number of integration revocations"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.ProviderAPICallsTotal, err = providerMeter.Int64Counter(
		"provider.api.calls.total",
		metric.WithDescription("Total number of provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"provider.api.duration",
		metric.WithDescription("Provider API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"provider.api.errors.total",
		metric.WithDescription("Total number of provider API errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.errors.total counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageIntegrationsCount, err = storageMeter.Int64ObservableGauge(
		"storage.integrations.count",
		metric.WithDescription("Number of stored integrations"),
		metric.WithUnit("{integration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.integrations.count gauge: %w", err)
	}

	m.StorageAttemptsCount, err = storageMeter.Int64ObservableGauge(
		"storage.attempts.count",
		metric.WithDescription("Number of in-flight authorization attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.attempts.count gauge: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"connect.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns. All are nil-safe so
// callers can hold a nil *Metrics when instrumentation is not wired.

// RecordHandshakeStarted records an initiated handshake.
func (m *Metrics) RecordHandshakeStarted(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.HandshakeStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordHandshakeCompleted records a completed handshake.
func (m *Metrics) RecordHandshakeCompleted(ctx context.Context, provider string, success bool) {
	if m == nil {
		return
	}
	m.HandshakeCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("success", success),
	))
}

// RecordTokenRefresh records a refresh outcome.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

// RecordTokenRevocation records an integration revocation.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordProviderAPICall records a provider API call.
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, durationMs float64, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	}
	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))
	if err != nil {
		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordStorageOperation records a storage operation.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event emission.
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
