// Package tracing wires the OpenTelemetry trace SDK to a stdout exporter
// and registers it as the process-wide global TracerProvider — the same
// NewTracerProvider + WithBatcher + SetTracerProvider sequence used to
// register an OTLP provider, generalized to a destination that needs no
// external collector. Every package's otel.Tracer(...) call resolves
// against whatever provider is registered here.
package tracing

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Provider bundles the registered TracerProvider for graceful shutdown.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// New builds a stdout-backed TracerProvider for serviceName, batching
// span export to w, and registers it globally so the engine's spans
// (one per task run and one per step attempt) are actually collected
// and emitted.
func New(serviceName string, w io.Writer) (*Provider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp}, nil
}

// Shutdown flushes buffered spans and releases the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
