package otelhelper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dukex/callflow/pkg/faults"
)

func recordSpan(t *testing.T, err error) sdktrace.ReadOnlySpan {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := provider.Tracer("test").Start(context.Background(), "op")
	SetError(span, err, attribute.Int(AttemptKey, 2))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)

	return spans[0]
}

func attr(span sdktrace.ReadOnlySpan, key string) attribute.Value {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value
		}
	}

	return attribute.Value{}
}

func TestSetError(t *testing.T) {
	span := recordSpan(t, faults.New(faults.KindCircuitOpen, "voice.transfer", "breaker open"))

	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "circuit_open", attr(span, ErrorKindKey).AsString())
	assert.False(t, attr(span, ErrorRetryableKey).AsBool())

	var names []string
	for _, e := range span.Events() {
		names = append(names, e.Name)
	}

	assert.Contains(t, names, "callflow.failure")
}

func TestSetError_PlainError(t *testing.T) {
	span := recordSpan(t, errors.New("boom"))

	assert.Equal(t, "internal", attr(span, ErrorKindKey).AsString())
}
