package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestBytes     *prometheus.CounterVec
	blobOperationsTotal  *prometheus.CounterVec
	blobOperationErrors  *prometheus.CounterVec
	encryptionOperations *prometheus.CounterVec
	encryptionDuration   *prometheus.HistogramVec
	encryptionErrors     *prometheus.CounterVec
	encryptionBytes      *prometheus.CounterVec
	ingestFiles          *prometheus.CounterVec
	scanResults          *prometheus.CounterVec
	tokenEvents          *prometheus.CounterVec
	storeFallbacks       *prometheus.CounterVec
	keyRotations         *prometheus.CounterVec
	activeKeyVersion     prometheus.Gauge
	activeConnections    prometheus.Gauge
	goroutines           prometheus.Gauge
	memoryAllocBytes     prometheus.Gauge
	memorySysBytes       prometheus.Gauge
}

// NewMetrics creates a new metrics instance registered on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP responses",
			},
			[]string{"method", "path"},
		),
		blobOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blob_operations_total",
				Help: "Total number of ciphertext storage operations",
			},
			[]string{"operation", "backend"},
		),
		blobOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blob_operation_errors_total",
				Help: "Total number of ciphertext storage errors",
			},
			[]string{"operation", "backend", "error_type"},
		),
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_operations_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"operation"},
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "encryption_duration_seconds",
				Help:    "Encryption/decryption operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		encryptionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_bytes_total",
				Help: "Total bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		ingestFiles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_files_total",
				Help: "Uploaded files by outcome",
			},
			[]string{"outcome", "reason"},
		),
		scanResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_results_total",
				Help: "Malware scan verdicts",
			},
			[]string{"verdict"},
		),
		tokenEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "download_token_events_total",
				Help: "Download token lifecycle events",
			},
			[]string{"event"},
		),
		storeFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metadata_store_fallbacks_total",
				Help: "Number of times the metadata store switched to the in-memory backend",
			},
			[]string{"operation"},
		),
		keyRotations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "master_key_rotations_total",
				Help: "Master key rotation attempts by result",
			},
			[]string{"result"},
		),
		activeKeyVersion: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "master_key_active_version",
				Help: "Version of the active master key",
			},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordBlobOperation records a ciphertext storage operation.
func (m *Metrics) RecordBlobOperation(operation, backend string) {
	if m == nil {
		return
	}
	m.blobOperationsTotal.WithLabelValues(operation, backend).Inc()
}

// RecordBlobError records a ciphertext storage error.
func (m *Metrics) RecordBlobError(operation, backend, errorType string) {
	if m == nil {
		return
	}
	m.blobOperationErrors.WithLabelValues(operation, backend, errorType).Inc()
}

// RecordEncryptionOperation records an encryption operation metric.
func (m *Metrics) RecordEncryptionOperation(operation string, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.encryptionOperations.WithLabelValues(operation).Inc()
	m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.encryptionBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordEncryptionError records an encryption operation error.
func (m *Metrics) RecordEncryptionError(operation, errorType string) {
	if m == nil {
		return
	}
	m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordIngest records the outcome of one uploaded file.
func (m *Metrics) RecordIngest(outcome, reason string) {
	if m == nil {
		return
	}
	m.ingestFiles.WithLabelValues(outcome, reason).Inc()
}

// RecordScan records a scanner verdict.
func (m *Metrics) RecordScan(clean bool) {
	if m == nil {
		return
	}
	verdict := "clean"
	if !clean {
		verdict = "unclean"
	}
	m.scanResults.WithLabelValues(verdict).Inc()
}

// RecordTokenEvent records a download token event (issued, consumed, rejected, cleaned).
func (m *Metrics) RecordTokenEvent(event string, n int) {
	if m == nil {
		return
	}
	m.tokenEvents.WithLabelValues(event).Add(float64(n))
}

// RecordStoreFallback records a switch to the in-memory metadata store.
func (m *Metrics) RecordStoreFallback(operation string) {
	if m == nil {
		return
	}
	m.storeFallbacks.WithLabelValues(operation).Inc()
}

// RecordKeyRotation records a rotation attempt and the resulting active version.
func (m *Metrics) RecordKeyRotation(success bool, activeVersion int) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.keyRotations.WithLabelValues(result).Inc()
	m.activeKeyVersion.Set(float64(activeVersion))
}

// SetActiveKeyVersion sets the active master key version gauge.
func (m *Metrics) SetActiveKeyVersion(version int) {
	if m == nil {
		return
	}
	m.activeKeyVersion.Set(float64(version))
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector periodically updates system metrics until stop is closed.
func (m *Metrics) StartSystemMetricsCollector(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
