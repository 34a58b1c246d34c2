package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracing starts a server span per request. Once chi has routed the
// request the span is renamed to "METHOD pattern". A nil provider uses
// the global one.
func Tracing(tp trace.TracerProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		named := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)

			route := routePattern(r)
			if route == "unmatched" {
				return
			}
			span := trace.SpanFromContext(r.Context())
			span.SetName(r.Method + " " + route)
			span.SetAttributes(attribute.String("http.route", route))
		})

		opts := []otelhttp.Option{
			otelhttp.WithSpanNameFormatter(spanName),
		}
		if tp != nil {
			opts = append(opts, otelhttp.WithTracerProvider(tp))
		}
		return otelhttp.NewHandler(named, "http.server", opts...)
	}
}

// spanName is evaluated before routing and again afterwards, so it must
// prefer the route pattern over the raw path once one is known.
func spanName(_ string, r *http.Request) string {
	if route := routePattern(r); route != "unmatched" {
		return r.Method + " " + route
	}
	return r.Method + " " + r.URL.Path
}
