package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/callflow/pkg/faults"
)

const (
	ErrorKindKey      = "callflow.error.kind"
	ErrorRetryableKey = "callflow.error.retryable"
)

// SetError marks the span failed and tags it with the failure kind, so traces
// can be filtered by e.g. circuit_open or no_route_found.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	kind := faults.KindOf(err)

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(
		attribute.String(ErrorKindKey, string(kind)),
		attribute.Bool(ErrorRetryableKey, faults.IsRetryable(err)),
	)
	span.AddEvent("callflow.failure", trace.WithAttributes(attrs...))
}
