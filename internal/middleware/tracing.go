package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "file-custody"

// TracingMiddleware starts a server span per request. Register it with
// router.Use so the matched route template names the span; outside a router
// the raw path is used.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer(tracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routeTemplate(r)

			ctx, span := tracer.Start(r.Context(), getSpanName(r.Method, route),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPRoute(route),
					semconv.HTTPTarget(r.URL.Path),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)
			defer span.End()

			if id := mux.Vars(r)["id"]; id != "" {
				span.SetAttributes(attribute.String("file.id", id))
			}

			if r.URL.RawQuery != "" {
				// Tokens are single-use credentials; they never leave the process.
				query := redactQuery(r.URL.RawQuery)
				if redactSensitive {
					query = redacted
				}
				span.SetAttributes(attribute.String("http.query", query))
			}

			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r.WithContext(ctx))

			status := rw.statusCode
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(semconv.HTTPStatusCode(status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

// routeTemplate returns the matched mux path template, or the request path.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// getSpanName names file operations after what they do and everything else
// after the method and route.
func getSpanName(method, route string) string {
	switch {
	case method == http.MethodPost && route == "/api/files/upload":
		return "files.upload"
	case method == http.MethodPost && route == "/api/files/upload-encrypted":
		return "files.upload_encrypted"
	case method == http.MethodPost && route == "/api/files/scan":
		return "files.scan"
	case method == http.MethodGet && route == "/api/files":
		return "files.list"
	case method == http.MethodGet && route == "/api/files/{id}":
		return "files.get"
	case method == http.MethodDelete && route == "/api/files/{id}":
		return "files.delete"
	case method == http.MethodPost && route == "/api/files/{id}/download-link":
		return "files.download_link"
	case method == http.MethodGet && route == "/api/files/download/{id}":
		return "files.download"
	case method == http.MethodGet && route == "/api/files/encrypted/{id}":
		return "files.download_encrypted"
	case method == http.MethodPost && route == "/api/admin/keys/rotate":
		return "keys.rotate"
	}
	if route == "" {
		return "HTTP " + method
	}
	return "HTTP " + method + " " + route
}

// getRemoteAddr prefers X-Real-IP, then the first X-Forwarded-For address.
func getRemoteAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

var (
	safeSpanHeaders = []string{
		"content-type",
		"content-length",
		"accept",
		"accept-encoding",
		"x-request-id",
	}
	sensitiveSpanHeaders = []string{
		"authorization",
		"cookie",
		"x-forwarded-for",
		"x-real-ip",
	}
)

func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeSpanHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}

	for _, header := range sensitiveSpanHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		// Credentials are masked regardless of the redaction setting.
		if redactSensitive || header == "authorization" || header == "cookie" {
			value = redacted
		}
		span.SetAttributes(attribute.String("http.request.header."+header, value))
	}
}

type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *tracingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
