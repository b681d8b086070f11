package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var global struct {
	once sync.Once
	mu   sync.RWMutex
	tp   *sdktrace.TracerProvider
	err  error
}

// InitOpenTelemetry installs the process-wide tracer provider behind the
// publish, inbound, and replay spans. Repeat calls return the first outcome.
func InitOpenTelemetry(serviceName string) error {
	global.once.Do(func() {
		res, err := resource.New(
			context.Background(),
			resource.WithAttributes(semconv.ServiceName(serviceName)),
		)
		if err != nil {
			global.err = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithResource(res),
		)

		global.mu.Lock()
		global.tp = tp
		global.mu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return global.err
}

// ShutdownOpenTelemetry flushes pending spans and tears the provider down.
// A no-op when InitOpenTelemetry never ran.
func ShutdownOpenTelemetry(ctx context.Context) error {
	global.mu.RLock()
	tp := global.tp
	global.mu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan opens a span and mirrors its trace ID into the context, so log
// lines emitted under it carry the same trace_id as the span.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}
