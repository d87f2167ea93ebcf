// Package loadtest drives upload and download cycles against a running
// custody service and tracks latency regressions against a saved baseline.
package loadtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
)

// Config holds load test settings.
type Config struct {
	BaseURL     string
	BearerToken string
	NumWorkers  int
	Duration    time.Duration
	// QPS is the cycle rate per worker.
	QPS      int
	FileSize int64
	// DownloadRatio is the share of cycles that also download the file,
	// between 0 and 1.
	DownloadRatio       float64
	BaselineFile        string
	RegressionThreshold float64
	HTTPClient          *http.Client
}

// Metrics holds the results of one run.
type Metrics struct {
	Timestamp          time.Time     `json:"timestamp"`
	TestName           string        `json:"test_name"`
	Duration           time.Duration `json:"duration"`
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	P50Latency         time.Duration `json:"p50_latency"`
	P95Latency         time.Duration `json:"p95_latency"`
	P99Latency         time.Duration `json:"p99_latency"`
	AvgLatency         time.Duration `json:"avg_latency"`
	MinLatency         time.Duration `json:"min_latency"`
	MaxLatency         time.Duration `json:"max_latency"`
	Throughput         float64       `json:"throughput_req_per_sec"`
	TotalBytesSent     int64         `json:"total_bytes_sent"`
	TotalBytesReceived int64         `json:"total_bytes_received"`
	ErrorRate          float64       `json:"error_rate"`
	Uploads            int64         `json:"uploads"`
	Downloads          int64         `json:"downloads"`
	// IntegrityFailures counts downloads whose bytes differ from the upload.
	IntegrityFailures int64 `json:"integrity_failures"`
}

// RegressionResult compares a run against its baseline.
type RegressionResult struct {
	TestName              string
	BaselineMetrics       *Metrics
	CurrentMetrics        *Metrics
	LatencyRegression     float64
	ThroughputRegression  float64
	ErrorRateRegression   float64
	SignificantRegression bool
	Details               []string
}

type recorder struct {
	mu        sync.Mutex
	latencies []time.Duration
	metrics   *Metrics
}

func (r *recorder) observe(latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies = append(r.latencies, latency)
	if latency < r.metrics.MinLatency {
		r.metrics.MinLatency = latency
	}
	if latency > r.metrics.MaxLatency {
		r.metrics.MaxLatency = latency
	}
}

// Run executes upload cycles until cfg.Duration elapses or ctx is done.
func Run(ctx context.Context, cfg Config, logger *logrus.Logger) (*Metrics, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.QPS <= 0 {
		cfg.QPS = 1
	}
	if cfg.FileSize <= 0 {
		cfg.FileSize = 1 << 10
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	logger.WithFields(logrus.Fields{
		"workers":   cfg.NumWorkers,
		"qps":       cfg.QPS,
		"duration":  cfg.Duration,
		"file_size": cfg.FileSize,
	}).Info("Starting custody load test")

	rec := &recorder{metrics: &Metrics{
		Timestamp:  time.Now().UTC(),
		TestName:   "upload_download",
		MinLatency: time.Hour,
	}}
	results := rec.metrics

	interval := time.Second / time.Duration(cfg.QPS)
	if interval <= 0 {
		interval = time.Millisecond
	}
	downloadEvery := 0
	if cfg.DownloadRatio > 0 {
		downloadEvery = int(math.Round(1 / math.Min(cfg.DownloadRatio, 1)))
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < cfg.NumWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w := &worker{cfg: cfg, client: client, rec: rec, logger: logger.WithField("worker", workerID)}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			cycle := 0
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					cycle++
					w.cycle(runCtx, downloadEvery > 0 && cycle%downloadEvery == 0)
				}
			}
		}(i)
	}
	wg.Wait()

	results.Duration = time.Since(start)
	if len(rec.latencies) > 0 {
		results.AvgLatency = averageLatency(rec.latencies)
		results.P50Latency = percentileLatency(rec.latencies, 0.5)
		results.P95Latency = percentileLatency(rec.latencies, 0.95)
		results.P99Latency = percentileLatency(rec.latencies, 0.99)
	} else {
		results.MinLatency = 0
	}
	if results.Duration > 0 {
		results.Throughput = float64(results.TotalRequests) / results.Duration.Seconds()
	}
	if results.TotalRequests > 0 {
		results.ErrorRate = float64(results.FailedRequests) / float64(results.TotalRequests)
	}
	return results, nil
}

type worker struct {
	cfg    Config
	client *http.Client
	rec    *recorder
	logger *logrus.Entry
}

// cycle uploads one random file and, when download is set, fetches it back
// through a fresh download link and compares the bytes.
func (w *worker) cycle(ctx context.Context, download bool) {
	payload := make([]byte, w.cfg.FileSize)
	_, _ = rand.Read(payload)

	fileID, ok := w.upload(ctx, payload)
	if !ok || !download {
		return
	}

	var link struct {
		DownloadURL string `json:"downloadUrl"`
	}
	if !w.call(ctx, http.MethodPost, "/api/files/"+fileID+"/download-link", nil, "", http.StatusCreated, &link) {
		return
	}

	var got bytes.Buffer
	if !w.call(ctx, http.MethodGet, link.DownloadURL, nil, "", http.StatusOK, &got) {
		return
	}
	atomic.AddInt64(&w.rec.metrics.Downloads, 1)
	if !bytes.Equal(got.Bytes(), payload) {
		atomic.AddInt64(&w.rec.metrics.IntegrityFailures, 1)
		w.logger.WithField("file_id", fileID).Error("Downloaded content differs from upload")
	}
}

func (w *worker) upload(ctx context.Context, payload []byte) (string, bool) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files[]", fmt.Sprintf("load-%d.txt", time.Now().UnixNano()))
	if err != nil {
		return "", false
	}
	_, _ = part.Write(payload)
	_ = mw.Close()

	var resp struct {
		Uploaded []struct {
			ID string `json:"id"`
		} `json:"uploaded"`
	}
	if !w.call(ctx, http.MethodPost, "/api/files/upload", &body, mw.FormDataContentType(), http.StatusCreated, &resp) {
		return "", false
	}
	if len(resp.Uploaded) != 1 {
		return "", false
	}
	atomic.AddInt64(&w.rec.metrics.Uploads, 1)
	return resp.Uploaded[0].ID, true
}

// call performs one request and records it. out is either an io.Writer
// receiving the raw body or a value the JSON body is decoded into.
func (w *worker) call(ctx context.Context, method, path string, body *bytes.Buffer, contentType string, want int, out any) bool {
	url := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		url = strings.TrimRight(w.cfg.BaseURL, "/") + path
	}

	var reader io.Reader
	if body != nil {
		atomic.AddInt64(&w.rec.metrics.TotalBytesSent, int64(body.Len()))
		reader = body
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		atomic.AddInt64(&w.rec.metrics.FailedRequests, 1)
		return false
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if w.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.BearerToken)
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if ctx.Err() != nil {
		// Requests cut off by the end of the run are not failures.
		if resp != nil {
			resp.Body.Close()
		}
		return false
	}
	atomic.AddInt64(&w.rec.metrics.TotalRequests, 1)
	if err != nil {
		atomic.AddInt64(&w.rec.metrics.FailedRequests, 1)
		w.logger.WithError(err).Debug("Request failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		atomic.AddInt64(&w.rec.metrics.FailedRequests, 1)
		w.logger.WithFields(logrus.Fields{"path": path, "status": resp.StatusCode}).Debug("Unexpected status")
		_, _ = io.Copy(io.Discard, resp.Body)
		return false
	}

	var n int64
	switch dst := out.(type) {
	case io.Writer:
		n, err = io.Copy(dst, resp.Body)
	default:
		var raw []byte
		raw, err = io.ReadAll(resp.Body)
		n = int64(len(raw))
		if err == nil {
			err = json.Unmarshal(raw, out)
		}
	}
	latency := time.Since(start)
	atomic.AddInt64(&w.rec.metrics.TotalBytesReceived, n)
	if err != nil {
		atomic.AddInt64(&w.rec.metrics.FailedRequests, 1)
		return false
	}

	atomic.AddInt64(&w.rec.metrics.SuccessfulRequests, 1)
	w.rec.observe(latency)
	return true
}

func averageLatency(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range latencies {
		total += lat
	}
	return total / time.Duration(len(latencies))
}

func percentileLatency(latencies []time.Duration, percentile float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)
	return sorted[int(float64(len(sorted)-1)*percentile)]
}

// SaveBaseline writes metrics as the new baseline.
func SaveBaseline(metrics *Metrics, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

func loadBaseline(filename string) (*Metrics, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var metrics Metrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

// AnalyzeRegression compares current against the baseline file. threshold
// is a percentage. The returned error wraps fs.ErrNotExist when no
// baseline exists yet.
func AnalyzeRegression(current *Metrics, baselineFile string, threshold float64) (*RegressionResult, error) {
	baseline, err := loadBaseline(baselineFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline metrics: %w", err)
	}

	result := &RegressionResult{
		TestName:        current.TestName,
		BaselineMetrics: baseline,
		CurrentMetrics:  current,
		Details:         []string{},
	}

	// Only slowdowns count; a faster run is not a regression.
	if baseline.AvgLatency > 0 {
		change := float64(current.AvgLatency-baseline.AvgLatency) / float64(baseline.AvgLatency) * 100
		result.LatencyRegression = change
		if change > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Latency regression: %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	if baseline.Throughput > 0 {
		change := (current.Throughput - baseline.Throughput) / baseline.Throughput * 100
		result.ThroughputRegression = change
		if -change > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Throughput regression: %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	change := current.ErrorRate - baseline.ErrorRate
	result.ErrorRateRegression = change * 100
	if change > threshold/100 {
		result.SignificantRegression = true
		result.Details = append(result.Details, fmt.Sprintf("Error rate increased by %.2f percentage points", change*100))
	}

	if current.IntegrityFailures > 0 {
		result.SignificantRegression = true
		result.Details = append(result.Details, fmt.Sprintf("%d downloads returned different content", current.IntegrityFailures))
	}

	return result, nil
}

// PrintResults writes a human-readable summary of metrics to w.
func PrintResults(w io.Writer, results *Metrics) {
	fmt.Fprintf(w, "\n=== %s Results ===\n", results.TestName)
	fmt.Fprintf(w, "Timestamp: %s\n", results.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %v\n", results.Duration)
	fmt.Fprintf(w, "Total Requests: %d\n", results.TotalRequests)
	fmt.Fprintf(w, "Successful: %d\n", results.SuccessfulRequests)
	fmt.Fprintf(w, "Failed: %d\n", results.FailedRequests)
	fmt.Fprintf(w, "Error Rate: %.2f%%\n", results.ErrorRate*100)
	fmt.Fprintf(w, "Throughput: %.2f req/s\n", results.Throughput)
	fmt.Fprintf(w, "Latency (avg): %v\n", results.AvgLatency)
	fmt.Fprintf(w, "Latency (p50): %v\n", results.P50Latency)
	fmt.Fprintf(w, "Latency (p95): %v\n", results.P95Latency)
	fmt.Fprintf(w, "Latency (p99): %v\n", results.P99Latency)
	fmt.Fprintf(w, "Min Latency: %v\n", results.MinLatency)
	fmt.Fprintf(w, "Max Latency: %v\n", results.MaxLatency)
	fmt.Fprintf(w, "Uploads: %d\n", results.Uploads)
	fmt.Fprintf(w, "Downloads: %d\n", results.Downloads)
	fmt.Fprintf(w, "Integrity Failures: %d\n", results.IntegrityFailures)
	fmt.Fprintf(w, "Total Bytes Sent: %d\n", results.TotalBytesSent)
	fmt.Fprintf(w, "Total Bytes Received: %d\n", results.TotalBytesReceived)
	fmt.Fprintf(w, "==============================\n\n")
}

// PrintRegression writes regression analysis results to w.
func PrintRegression(w io.Writer, result *RegressionResult) {
	fmt.Fprintf(w, "\n=== Regression Analysis for %s ===\n", result.TestName)
	fmt.Fprintf(w, "Significant Regression: %t\n", result.SignificantRegression)
	fmt.Fprintf(w, "Latency Regression: %.2f%%\n", result.LatencyRegression)
	fmt.Fprintf(w, "Throughput Regression: %.2f%%\n", result.ThroughputRegression)
	fmt.Fprintf(w, "Error Rate Regression: %.2f percentage points\n", result.ErrorRateRegression)
	if len(result.Details) > 0 {
		fmt.Fprintf(w, "\nDetails:\n")
		for _, detail := range result.Details {
			fmt.Fprintf(w, "- %s\n", detail)
		}
	}
	fmt.Fprintf(w, "=====================================\n\n")
}

// prometheusQueries are evaluated at the end of a run.
var prometheusQueries = map[string]string{
	"http_request_duration_p95": `histogram_quantile(0.95, sum by (le) (rate(http_request_duration_seconds_bucket[5m])))`,
	"encryption_duration_p95":   `histogram_quantile(0.95, sum by (le) (rate(encryption_duration_seconds_bucket[5m])))`,
	"ingest_rejections":         `sum(increase(ingest_files_total{outcome="rejected"}[5m]))`,
	"download_tokens_consumed":  `sum(increase(download_token_events_total{event="consumed"}[5m]))`,
	"metadata_store_fallbacks":  `sum(increase(metadata_store_fallbacks_total[5m]))`,
	"memory_alloc_bytes":        `avg_over_time(memory_alloc_bytes[5m])`,
	"goroutines":                `avg_over_time(goroutines_total[5m])`,
}

// QueryPrometheus reads service-side metrics for the run window.
func QueryPrometheus(ctx context.Context, prometheusURL string, at time.Time, logger *logrus.Logger) (map[string]float64, error) {
	client, err := promapi.NewClient(promapi.Config{Address: prometheusURL})
	if err != nil {
		return nil, err
	}
	v1api := v1.NewAPI(client)

	results := make(map[string]float64, len(prometheusQueries))
	for name, query := range prometheusQueries {
		value, warnings, err := v1api.Query(ctx, query, at)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", name, err)
		}
		if len(warnings) > 0 && logger != nil {
			logger.WithFields(logrus.Fields{"query": name, "warnings": warnings}).Warn("Prometheus query returned warnings")
		}
		if vector, ok := value.(model.Vector); ok && len(vector) > 0 {
			results[name] = float64(vector[0].Value)
		}
	}
	return results, nil
}
