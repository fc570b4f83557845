// Package obs carries the logging and tracing conventions used across this
// module: a child span per long-running operation, an info-level log per
// event, and a recorded error on both when an operation fails.
//
// Unlike a service, a library cannot own a global TracerProvider or Logger,
// so every entry point here takes explicit instruments rather than reaching
// for package-level state.
package obs

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Span starts a child span named op under tracer and returns the derived
// context alongside a reporter bound to both the span and logger.
func Span(ctx context.Context, tracer trace.Tracer, logger *zap.Logger, op string, attrs ...attribute.KeyValue) (context.Context, *Reporter, trace.Span) {
	childCtx, span := tracer.Start(ctx, op, trace.WithAttributes(attrs...))
	if logger == nil {
		logger = zap.NewNop()
	}
	return childCtx, &Reporter{span: span, logger: logger.With(zap.String("op", op))}, span
}

// Reporter pairs structured logging with span events, bound to one
// span+logger instead of ambient globals.
type Reporter struct {
	span   trace.Span
	logger *zap.Logger
}

// Event records a benign progress event on both the span and the logger.
func (r *Reporter) Event(msg string, fields ...zap.Field) {
	r.span.AddEvent(msg)
	r.logger.Info(msg, fields...)
}

// Error records a non-fatal error: visible on the span, but the span status
// is left OK because the caller may still recover (e.g. a bounded retry).
func (r *Reporter) Error(err error, fields ...zap.Field) {
	r.span.RecordError(err)
	r.logger.Warn(err.Error(), fields...)
}

// CriticalError records err as the reason the operation failed and sets the
// span status accordingly.
func (r *Reporter) CriticalError(err error, fields ...zap.Field) {
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, err.Error())
	r.logger.Error(err.Error(), fields...)
}
