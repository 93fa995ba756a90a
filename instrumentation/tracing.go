package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// Never set these to credential values. Access tokens, refresh tokens, and
// authorization codes must not appear in traces; record metadata like
// presence flags, providers, and outcomes instead.
const (
	AttrUserID        = "connect.user_id"
	AttrProvider      = "connect.provider"
	AttrIntegrationID = "connect.integration_id"
	AttrScopes        = "connect.scopes"
	AttrOutcome       = "connect.outcome"

	AttrProviderOperation = "provider.operation"
	AttrProviderErrorKind = "provider.error_kind"

	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
)

// RecordError records an error on a span with an error status. Nil-safe.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSuccess marks a span as successful. Nil-safe.
func SetSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// String builds a string attribute.
func String(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}
