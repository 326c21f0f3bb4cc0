// Package telemetry defines the narrow logging/metrics/tracing interfaces
// used across this module's ambient stack, grounded on
// runtime/agents/telemetry/telemetry.go's Logger/Metrics/Tracer/Span shape
// — kept intentionally small so call sites and tests can supply lightweight
// stubs instead of depending on goa.design/clue or OpenTelemetry directly.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for runtime
// instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// CallTelemetry captures observability metadata collected during a single
// provider call (Generate or one drained Stream). Common fields provide
// type safety for standard metrics; Extra holds provider-specific data.
type CallTelemetry struct {
	Provider     string
	Model        string
	DurationMs   int64
	InputTokens  int
	OutputTokens int
	CacheHit     bool
	Extra        map[string]any
}
