// Package telemetry defines the logging, metrics, and tracing contracts used
// throughout the runtime, plus no-op and OpenTelemetry/Clue-backed
// implementations. Interfaces are kept intentionally small so tests can
// provide lightweight stubs; Tracer and Span use OTEL's trace and codes types.
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

// Metrics exposes counter, timer, and gauge helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code stays agnostic of the
// underlying tracing provider.
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

// EvaluateTelemetry captures observability metadata collected during one
// sandbox Evaluate call, reported by RecordEvaluate as a log line and metrics.
type EvaluateTelemetry struct {
	// DurationMs is the wall-clock time spent inside Evaluate, in milliseconds.
	DurationMs int64
	// ReplayPass is the replay pass number of this Evaluate call for its
	// code block. sandbox.Evaluate does not track passes and leaves it 0.
	ReplayPass int
	// PendingToolCalls is the number of new pending entries recorded by this
	// pass, when the outcome was Partial.
	PendingToolCalls int
}

// Telemetry bundles the three observability contracts behind a single value
// so callers like the sandbox and orchestrator only need to thread one
// argument through their public operations.
type Telemetry struct {
	Logger
	Metrics
	Tracer
}

// NewNoop builds a Telemetry value that discards everything, suitable for
// tests and for callers that have not wired a provider.
func NewNoop() Telemetry {
	return Telemetry{Logger: NewNoopLogger(), Metrics: NewNoopMetrics(), Tracer: NewNoopTracer()}
}

// RecordEvaluate folds one sandbox Evaluate call's observability data into a
// log line and a pair of metrics. It never fails: telemetry is best-effort.
func (t Telemetry) RecordEvaluate(ctx context.Context, ev EvaluateTelemetry) {
	t.Info(ctx, "sandbox.evaluate",
		"duration_ms", ev.DurationMs,
		"replay_pass", ev.ReplayPass,
		"pending_tool_calls", ev.PendingToolCalls,
	)
	t.RecordTimer("sandbox.evaluate.duration", time.Duration(ev.DurationMs)*time.Millisecond)
	t.RecordGauge("sandbox.evaluate.pending_tool_calls", float64(ev.PendingToolCalls))
}
