// Package otelhelper provides distributed tracing for call handling and outbound dependencies.
package otelhelper

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Common attribute keys.
	CallIDKey      = "callflow.call.id"
	CallStateKey   = "callflow.call.state"
	EventTypeKey   = "callflow.event.type"
	HospitalIDKey  = "callflow.hospital.id"
	WorkflowIDKey  = "callflow.workflow.id"
	WorkflowVerKey = "callflow.workflow.version"
	NodeIDKey      = "callflow.node.id"
	NodeTypeKey    = "callflow.node.type"
	DependencyKey  = "callflow.dependency"
	AttemptKey     = "callflow.attempt"
	RouteTargetKey = "callflow.route.target"
	ServiceIDKey   = "callflow.service.id"
)

// NewTracer installs a global OTLP HTTP tracer provider sampling
// sampleRatio of root spans. The returned shutdown flushes pending spans and
// must be called before exit.
//
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NewTracer(ctx context.Context, serviceName string, sampleRatio float64) (trace.Tracer, func(context.Context) error, error) {
	provider, err := newTracerProvider(ctx, serviceName, sampleRatio)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}

	return provider.Tracer(serviceName), provider.Shutdown, nil
}

// nolint:ireturn,spancheck // Returning interface is intentional for OpenTelemetry tracing
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func DefaultTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

func newTracerProvider(ctx context.Context, serviceName string, sampleRatio float64) (*sdktrace.TracerProvider, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}
