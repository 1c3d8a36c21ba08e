package telemetry

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewTracerProviderWithExporter lets tests in other packages build a tracer
// provider backed by an in-memory exporter.
func NewTracerProviderWithExporter(exporter sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, ShutdownFunc, error) {
	return newTracerProviderWithExporter(exporter, cfg)
}
