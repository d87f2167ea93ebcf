package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(t.Context())
	})
	return recorder
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := make(map[attribute.Key]string)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestTracingMiddleware_RouteSpanName(t *testing.T) {
	recorder := withSpanRecorder(t)

	router := mux.NewRouter()
	router.Use(TracingMiddleware(false))
	router.HandleFunc("/api/files/download/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	req := httptest.NewRequest("GET", "/api/files/download/file-123?token=tok-secret", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "files.download", spans[0].Name())

	attrs := spanAttrs(spans[0])
	assert.Equal(t, "file-123", attrs["file.id"])
	assert.Equal(t, "/api/files/download/{id}", attrs["http.route"])
	assert.NotContains(t, attrs["http.query"], "tok-secret")
}

func TestTracingMiddleware_Redaction(t *testing.T) {
	recorder := withSpanRecorder(t)

	var seenAuth string
	handler := TracingMiddleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/files?page=2", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bearer secret-token", seenAuth, "middleware must not alter the request")

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := spanAttrs(spans[0])
	assert.Equal(t, redacted, attrs["http.request.header.authorization"])
	assert.Equal(t, redacted, attrs["http.request.header.x-forwarded-for"])
	assert.Equal(t, redacted, attrs["http.query"])
	assert.Equal(t, "application/json", attrs["http.request.header.content-type"])
}

func TestTracingMiddleware_AuthorizationAlwaysMasked(t *testing.T) {
	recorder := withSpanRecorder(t)

	handler := TracingMiddleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest("GET", "/api/files", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("X-Real-IP", "198.51.100.4")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := spanAttrs(spans[0])
	assert.Equal(t, redacted, attrs["http.request.header.authorization"])
	assert.Equal(t, "198.51.100.4", attrs["http.request.header.x-real-ip"])
	assert.Equal(t, "198.51.100.4", attrs["http.remote_addr"])
}

func TestTracingMiddleware_ServerErrorStatus(t *testing.T) {
	recorder := withSpanRecorder(t)

	handler := TracingMiddleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/files/upload", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "files.upload", spans[0].Name())
}

func TestGetSpanName(t *testing.T) {
	tests := []struct {
		method, route, want string
	}{
		{"GET", "/api/files", "files.list"},
		{"GET", "/api/files/{id}", "files.get"},
		{"DELETE", "/api/files/{id}", "files.delete"},
		{"POST", "/api/files/{id}/download-link", "files.download_link"},
		{"GET", "/api/files/encrypted/{id}", "files.download_encrypted"},
		{"POST", "/api/files/upload-encrypted", "files.upload_encrypted"},
		{"POST", "/api/files/scan", "files.scan"},
		{"POST", "/api/admin/keys/rotate", "keys.rotate"},
		{"GET", "/health", "HTTP GET /health"},
		{"GET", "", "HTTP GET"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, getSpanName(tt.method, tt.route), "%s %s", tt.method, tt.route)
	}
}

func TestGetRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.10:443"
	assert.Equal(t, "192.0.2.10:443", getRemoteAddr(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", getRemoteAddr(req))

	req.Header.Set("X-Real-IP", "198.51.100.1")
	assert.Equal(t, "198.51.100.1", getRemoteAddr(req))
}
