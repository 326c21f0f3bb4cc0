package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// NoopLogger discards everything logged through it.
	NoopLogger struct{}

	// NoopMetrics discards every recorded metric.
	NoopMetrics struct{}

	// NoopTracer produces spans that record nothing.
	NoopTracer struct{}

	noopSpan struct{}
)

// NewNoopLogger returns a Logger that discards all output, used as the
// default when no telemetry backend is configured.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics returns a Metrics recorder that discards all output.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// NewNoopTracer returns a Tracer that produces inert spans.
func NewNoopTracer() Tracer { return NoopTracer{} }

func (NoopLogger) Debug(ctx context.Context, msg string, keyvals ...any) {}
func (NoopLogger) Info(ctx context.Context, msg string, keyvals ...any)  {}
func (NoopLogger) Warn(ctx context.Context, msg string, keyvals ...any)  {}
func (NoopLogger) Error(ctx context.Context, msg string, keyvals ...any) {}

func (NoopMetrics) IncCounter(name string, value float64, tags ...string)            {}
func (NoopMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {}
func (NoopMetrics) RecordGauge(name string, value float64, tags ...string)           {}

func (NoopTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (NoopTracer) Span(ctx context.Context) Span { return noopSpan{} }

func (noopSpan) End(opts ...trace.SpanEndOption)               {}
func (noopSpan) AddEvent(name string, attrs ...any)            {}
func (noopSpan) SetStatus(code codes.Code, description string) {}
func (noopSpan) RecordError(err error, opts ...trace.EventOption) {}
