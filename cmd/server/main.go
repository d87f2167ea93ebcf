package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/file-custody/internal/access"
	"github.com/kenneth/file-custody/internal/api"
	"github.com/kenneth/file-custody/internal/audit"
	"github.com/kenneth/file-custody/internal/blob"
	"github.com/kenneth/file-custody/internal/config"
	"github.com/kenneth/file-custody/internal/crypto"
	"github.com/kenneth/file-custody/internal/ingest"
	"github.com/kenneth/file-custody/internal/metrics"
	"github.com/kenneth/file-custody/internal/middleware"
	"github.com/kenneth/file-custody/internal/scanner"
	"github.com/kenneth/file-custody/internal/store"
	"github.com/kenneth/file-custody/internal/tokens"
	"github.com/kenneth/file-custody/internal/tracing"
	"github.com/kenneth/file-custody/internal/workpool"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WithError(err).Warn("Failed to load .env file")
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	setLogLevel(logger, cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting file custody service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	if cfg.Tracing.ServiceVersion == "" || cfg.Tracing.ServiceVersion == "dev" {
		cfg.Tracing.ServiceVersion = version
	}
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}

	// Initialize metrics
	m := metrics.NewMetrics()
	collectorStop := make(chan struct{})
	m.StartSystemMetricsCollector(collectorStop)

	// Metadata store
	mgr, err := store.Open(ctx, cfg.Database.DSN, logger, m)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open metadata store")
	}
	logger.WithFields(logrus.Fields{
		"backend": mgr.Backend(),
		"durable": mgr.Durable(),
	}).Info("Metadata store ready")

	// Encryption engine and key custody
	engine, err := crypto.NewEngine(cfg.Encryption.Algorithm, cfg.Encryption.KDFIterations)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create encryption engine")
	}
	masterKey, err := cfg.MasterKeyMaterial()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load master key")
	}
	custody, err := crypto.NewKeyCustody(engine, masterKey, cfg.Encryption.KeyVersion, mgr, logger)
	clear(masterKey)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize key custody")
	}
	m.SetActiveKeyVersion(custody.KeyVersion())
	logger.WithFields(logrus.Fields{
		"algorithm":   cfg.Encryption.Algorithm,
		"key_version": custody.KeyVersion(),
	}).Info("Key custody initialized")

	// Blob storage
	blobs, quarantine, err := openBlobStores(ctx, cfg.Storage, m)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize blob storage")
	}
	logger.WithField("backend", blobs.Name()).Info("Blob storage ready")

	// Scanner
	var scan scanner.Scanner = scanner.NewSignatureScanner()
	if cfg.Scanner.CacheEnabled {
		scan = scanner.NewCachingScanner(scan, cfg.Scanner.CacheMaxItems, cfg.Scanner.CacheTTL, logger)
		logger.WithFields(logrus.Fields{
			"max_items": cfg.Scanner.CacheMaxItems,
			"ttl":       cfg.Scanner.CacheTTL,
		}).Info("Scan result cache enabled")
	}

	// Audit log
	var writer audit.EventWriter
	if cfg.Audit.Enabled {
		writer = audit.NewLogrusWriter(logger)
	}
	auditLogger := audit.NewLoggerWithErrorLog(cfg.Audit.MaxEvents, writer, logger)

	// Workers and ingest pipeline
	pool := workpool.New(workpool.Config{
		Threshold:   cfg.Encryption.WorkerThreshold,
		Concurrency: cfg.Encryption.WorkerConcurrency,
	})
	pipeline, err := ingest.NewPipeline(ingest.Deps{
		Store:      mgr,
		Blobs:      blobs,
		Quarantine: quarantine,
		Scanner:    scan,
		Engine:     engine,
		Custody:    custody,
		Pool:       pool,
		Audit:      auditLogger,
		Logger:     logger,
		Metrics:    m,
	}, policyFromConfig(cfg), cfg.Ingest.TempDir)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create ingest pipeline")
	}

	tokenService := tokens.NewService(mgr, cfg.Tokens.TTL, logger, m)
	tokenService.Start(cfg.Tokens.CleanupInterval)
	defer tokenService.Stop()

	sweeper := ingest.NewSweeper(cfg.Ingest.TempDir, cfg.Ingest.StaleTempTTL, logger)
	sweeper.Start(cfg.Ingest.SweepInterval)
	defer sweeper.Stop()

	// Hot reload
	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Config hot reload disabled")
	} else {
		reloader.SetOnReloadCallback(func(old, next *config.Config) error {
			setLogLevel(logger, next.LogLevel)
			pipeline.SetPolicy(policyFromConfig(next))
			return nil
		})
		reloader.Start()
		defer reloader.Stop()
	}

	// API handler
	handler, err := api.NewHandler(api.Deps{
		Store:    mgr,
		Health:   mgr,
		Blobs:    blobs,
		Pipeline: pipeline,
		Scanner:  scan,
		Engine:   engine,
		Custody:  custody,
		Pool:     pool,
		Tokens:   tokenService,
		Access:   access.NewChecker(cfg.Auth.AdminRoles, auditLogger),
		Audit:    auditLogger,
		Logger:   logger,
		Metrics:  m,
	}, api.Options{
		PublicURL:               cfg.Server.PublicURL,
		TempDir:                 cfg.Ingest.TempDir,
		ClientEncryptionEnabled: cfg.ClientEncryption.Enabled,
		KeyRecoveryEnabled:      cfg.ClientEncryption.KeyRecoveryEnabled,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create API handler")
	}

	// Setup router
	router := mux.NewRouter()
	router.Use(middleware.TracingMiddleware(cfg.Tracing.RedactSensitive))
	router.Use(middleware.MetricsMiddleware(m))
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	authn := middleware.NewAuthenticator(cfg.Auth.JWTSecret, logger)
	handler.RegisterRoutes(router, authn.Middleware())

	// Apply middleware
	var httpHandler http.Handler = router
	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	httpHandler = middleware.RecoveryMiddleware(logger)(httpHandler)

	// Create HTTP server
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		logger.WithError(err).Error("Server failed")
	}

	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}

	close(collectorStop)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
	if err := mgr.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close metadata store")
	}
}

func setLogLevel(logger *logrus.Logger, name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func policyFromConfig(cfg *config.Config) ingest.Policy {
	return ingest.Policy{
		MaxFileSize:       cfg.Ingest.MaxFileSize,
		AllowedExtensions: cfg.Ingest.AllowedExtensions,
		MaxFiles:          cfg.Ingest.MaxFiles,
	}
}

// openBlobStores returns the ciphertext store and the quarantine store.
func openBlobStores(ctx context.Context, cfg config.StorageConfig, m *metrics.Metrics) (blob.Store, blob.Store, error) {
	if cfg.Backend == "s3" {
		files, err := blob.NewS3Store(ctx, cfg, cfg.Bucket, m)
		if err != nil {
			return nil, nil, err
		}
		quarantine, err := blob.NewS3Store(ctx, cfg, cfg.QuarantineBucket, m)
		if err != nil {
			return nil, nil, err
		}
		return files, quarantine, nil
	}

	files, err := blob.NewFileStore(cfg.Dir, m)
	if err != nil {
		return nil, nil, err
	}
	quarantine, err := blob.NewFileStore(cfg.QuarantineDir, m)
	if err != nil {
		return nil, nil, err
	}
	return files, quarantine, nil
}
