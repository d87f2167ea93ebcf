package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/file-custody/internal/loadtest"
)

func main() {
	var (
		baseURL        = flag.String("url", "http://localhost:8080", "File custody service URL")
		token          = flag.String("token", os.Getenv("CUSTODY_TOKEN"), "Bearer token for the load test user")
		duration       = flag.Duration("duration", 30*time.Second, "Test duration")
		workers        = flag.Int("workers", 5, "Number of worker goroutines")
		qps            = flag.Int("qps", 5, "Upload cycles per second per worker")
		fileSize       = flag.Int64("file-size", 1<<20, "Size of each uploaded file in bytes")
		downloadRatio  = flag.Float64("download-ratio", 0.5, "Share of uploads that are downloaded back")
		baselineDir    = flag.String("baseline-dir", "testdata/baselines", "Directory for baseline files")
		threshold      = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		prometheusURL  = flag.String("prometheus-url", "", "Prometheus URL for service-side metrics")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
		updateBaseline = flag.Bool("update-baseline", false, "Update the baseline instead of checking for regressions")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	if *token == "" {
		logger.Fatal("A bearer token is required (set CUSTODY_TOKEN or -token)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := loadtest.Config{
		BaseURL:             *baseURL,
		BearerToken:         *token,
		NumWorkers:          *workers,
		Duration:            *duration,
		QPS:                 *qps,
		FileSize:            *fileSize,
		DownloadRatio:       *downloadRatio,
		BaselineFile:        filepath.Join(*baselineDir, "upload_download_baseline.json"),
		RegressionThreshold: *threshold,
	}

	fmt.Println("=== File Custody Load Test ===")
	fmt.Printf("Service URL: %s\n", cfg.BaseURL)
	fmt.Printf("Duration: %v\n", cfg.Duration)
	fmt.Printf("Workers: %d\n", cfg.NumWorkers)
	fmt.Printf("Cycles per Worker per Second: %d\n", cfg.QPS)
	fmt.Printf("Regression Threshold: %.1f%%\n", cfg.RegressionThreshold)

	if err := run(ctx, cfg, *prometheusURL, *updateBaseline, logger); err != nil {
		logger.WithError(err).Error("Load test failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg loadtest.Config, prometheusURL string, updateBaseline bool, logger *logrus.Logger) error {
	results, err := loadtest.Run(ctx, cfg, logger)
	if err != nil {
		return err
	}
	loadtest.PrintResults(os.Stdout, results)

	if prometheusURL != "" {
		promMetrics, err := loadtest.QueryPrometheus(ctx, prometheusURL, time.Now(), logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to query Prometheus metrics")
		} else {
			fmt.Println("--- Prometheus Metrics ---")
			for name, value := range promMetrics {
				fmt.Printf("%s: %v\n", name, value)
			}
			fmt.Println()
		}
	}

	if updateBaseline {
		if err := loadtest.SaveBaseline(results, cfg.BaselineFile); err != nil {
			return fmt.Errorf("failed to save baseline: %w", err)
		}
		fmt.Println("Baseline updated")
		return nil
	}

	regression, err := loadtest.AnalyzeRegression(results, cfg.BaselineFile, cfg.RegressionThreshold)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Println("No baseline found; run with -update-baseline to create one")
		return nil
	}
	if err != nil {
		return fmt.Errorf("regression analysis failed: %w", err)
	}
	loadtest.PrintRegression(os.Stdout, regression)

	if regression.SignificantRegression {
		return errors.New("significant regression detected")
	}
	fmt.Println("Load test passed")
	return nil
}
