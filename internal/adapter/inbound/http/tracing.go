package http

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// tracerName scopes spans created by the HTTP adapter.
const tracerName = "keywarden/http"

// TracingMiddleware opens a server span per request, continuing any
// trace context carried in the incoming headers. With no tracer
// provider installed the spans are no-ops, so the middleware is safe
// to mount unconditionally.
func TracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer(tracerName)
	propagator := otel.GetTextMapPropagator()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.host", r.Host),
				attribute.String("client.ip", extractRealIP(r)),
			),
		)
		defer span.End()

		if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
			span.SetAttributes(attribute.String("request.id", requestID))
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
