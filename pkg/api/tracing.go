package api

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for fluxq tracing.
const tracerName = "github.com/petrijr/fluxq"

// TracingObserver records one OpenTelemetry span per task attempt, from
// OnTaskStarted until the task finishes, fails, or is scheduled for retry.
type TracingObserver struct {
	NoopObserver

	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewTracingObserver returns a TracingObserver using the global
// TracerProvider. When none is configured the spans are no-ops.
func NewTracingObserver() *TracingObserver {
	return NewTracingObserverWithTracer(otel.Tracer(tracerName))
}

// NewTracingObserverWithTracer returns a TracingObserver using tracer.
func NewTracingObserverWithTracer(tracer trace.Tracer) *TracingObserver {
	return &TracingObserver{
		tracer: tracer,
		spans:  make(map[string]trace.Span),
	}
}

func (o *TracingObserver) OnTaskStarted(ctx context.Context, taskID, lockID string) {
	_, span := o.tracer.Start(ctx, "fluxq.task.process",
		trace.WithAttributes(
			attribute.String("fluxq.task.id", taskID),
			attribute.String("fluxq.lock.id", lockID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	o.mu.Lock()
	if prev, ok := o.spans[taskID]; ok {
		prev.End()
	}
	o.spans[taskID] = span
	o.mu.Unlock()
}

func (o *TracingObserver) OnTaskFinished(ctx context.Context, taskID string, result any, d time.Duration) {
	if span := o.take(taskID); span != nil {
		span.SetAttributes(attribute.Int64("fluxq.task.elapsed_ms", d.Milliseconds()))
		span.SetStatus(codes.Ok, "")
		span.End()
	}
}

func (o *TracingObserver) OnTaskRetry(ctx context.Context, taskID string, attempt int, err error) {
	if span := o.take(taskID); span != nil {
		span.SetAttributes(attribute.Int("fluxq.task.attempt", attempt))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
	}
}

func (o *TracingObserver) OnTaskFailed(ctx context.Context, taskID string, err error) {
	if span := o.take(taskID); span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
	}
}

func (o *TracingObserver) take(taskID string) trace.Span {
	o.mu.Lock()
	defer o.mu.Unlock()

	span, ok := o.spans[taskID]
	if !ok {
		return nil
	}
	delete(o.spans, taskID)
	return span
}
