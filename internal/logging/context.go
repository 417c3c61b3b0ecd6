package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

type (
	runCtxKey     struct{}
	phaseCtxKey   struct{}
	taskCtxKey    struct{}
	requestCtxKey struct{}
	loggerCtxKey  struct{}
)

// Field keys for correlation data.
const (
	runIDKey     = "run.id"
	phaseKey     = "phase"
	taskIDKey    = "task.id"
	requestIDKey = "request.id"
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String(runIDKey, id))
	}
	if p := PhaseFromContext(ctx); p != "" {
		fields = append(fields, zap.String(phaseKey, string(p)))
	}
	if id := TaskIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String(taskIDKey, id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String(requestIDKey, id))
	}
	return fields
}

// WithRunID adds the run ID to ctx.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext returns the run ID in ctx, if any.
func RunIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(runCtxKey{}).(string)
	return s
}

// WithPhase adds the current phase to ctx.
func WithPhase(ctx context.Context, phase agent.Phase) context.Context {
	return context.WithValue(ctx, phaseCtxKey{}, phase)
}

// PhaseFromContext returns the phase in ctx, if any.
func PhaseFromContext(ctx context.Context) agent.Phase {
	p, _ := ctx.Value(phaseCtxKey{}).(agent.Phase)
	return p
}

// WithTaskID adds the task ID to ctx.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// TaskIDFromContext returns the task ID in ctx, if any.
func TaskIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(taskCtxKey{}).(string)
	return s
}

// WithRequestID adds an HTTP request ID to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request ID in ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
