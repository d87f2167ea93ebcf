package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr       string                 `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel         string                 `yaml:"log_level" env:"LOG_LEVEL"`
	Logging          LoggingConfig          `yaml:"logging"`
	Database         DatabaseConfig         `yaml:"database"`
	Storage          StorageConfig          `yaml:"storage"`
	Encryption       EncryptionConfig       `yaml:"encryption"`
	Ingest           IngestConfig           `yaml:"ingest"`
	Tokens           TokensConfig           `yaml:"tokens"`
	Auth             AuthConfig             `yaml:"auth"`
	ClientEncryption ClientEncryptionConfig `yaml:"client_encryption"`
	Scanner          ScannerConfig          `yaml:"scanner"`
	Audit            AuditConfig            `yaml:"audit"`
	TLS              TLSConfig              `yaml:"tls"`
	Server           ServerConfig           `yaml:"server"`
	RateLimit        RateLimitConfig        `yaml:"rate_limit"`
	Tracing          TracingConfig          `yaml:"tracing"`
}

// LoggingConfig holds access log configuration.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// DatabaseConfig holds metadata store configuration. The driver is picked
// from the DSN: postgres:// and postgresql:// use pgx, anything else is a
// SQLite path. An empty DSN runs on the in-memory store only.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"DATABASE_DSN"`
}

// StorageConfig holds ciphertext and quarantine blob storage configuration.
type StorageConfig struct {
	Backend          string `yaml:"backend" env:"STORAGE_BACKEND"` // local, s3
	Dir              string `yaml:"dir" env:"STORAGE_DIR"`
	QuarantineDir    string `yaml:"quarantine_dir" env:"STORAGE_QUARANTINE_DIR"`
	Bucket           string `yaml:"bucket" env:"STORAGE_BUCKET"`
	QuarantineBucket string `yaml:"quarantine_bucket" env:"STORAGE_QUARANTINE_BUCKET"`
	Endpoint         string `yaml:"endpoint" env:"STORAGE_ENDPOINT"`
	Region           string `yaml:"region" env:"STORAGE_REGION"`
	AccessKey        string `yaml:"access_key" env:"STORAGE_ACCESS_KEY"`
	SecretKey        string `yaml:"secret_key" env:"STORAGE_SECRET_KEY"`
	UsePathStyle     bool   `yaml:"use_path_style" env:"STORAGE_USE_PATH_STYLE"`
}

// EncryptionConfig holds encryption-related configuration.
type EncryptionConfig struct {
	MasterKey         string `yaml:"master_key" env:"ENCRYPTION_MASTER_KEY"`
	KeyFile           string `yaml:"key_file" env:"ENCRYPTION_KEY_FILE"`
	KeyVersion        int    `yaml:"key_version" env:"ENCRYPTION_KEY_VERSION"`
	Algorithm         string `yaml:"algorithm" env:"ENCRYPTION_ALGORITHM"`
	KDFIterations     int    `yaml:"kdf_iterations" env:"ENCRYPTION_KDF_ITERATIONS"`
	WorkerThreshold   int64  `yaml:"worker_threshold" env:"ENCRYPTION_WORKER_THRESHOLD"`     // Payloads at or above this size run on the worker pool
	WorkerConcurrency int    `yaml:"worker_concurrency" env:"ENCRYPTION_WORKER_CONCURRENCY"` // 0 means GOMAXPROCS
}

// IngestConfig holds upload validation and temp file settings.
type IngestConfig struct {
	MaxFileSize       int64         `yaml:"max_file_size" env:"INGEST_MAX_FILE_SIZE"`
	AllowedExtensions []string      `yaml:"allowed_extensions" env:"INGEST_ALLOWED_EXTENSIONS"`
	MaxFiles          int           `yaml:"max_files" env:"INGEST_MAX_FILES"`
	TempDir           string        `yaml:"temp_dir" env:"INGEST_TEMP_DIR"`
	StaleTempTTL      time.Duration `yaml:"stale_temp_ttl" env:"INGEST_STALE_TEMP_TTL"`
	SweepInterval     time.Duration `yaml:"sweep_interval" env:"INGEST_SWEEP_INTERVAL"`
}

// TokensConfig holds download token settings.
type TokensConfig struct {
	TTL             time.Duration `yaml:"ttl" env:"TOKENS_TTL"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"TOKENS_CLEANUP_INTERVAL"`
}

// AuthConfig holds identity verification settings. Tokens are issued elsewhere.
type AuthConfig struct {
	JWTSecret  string   `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	AdminRoles []string `yaml:"admin_roles" env:"AUTH_ADMIN_ROLES"`
}

// ClientEncryptionConfig controls the client-encrypted upload path.
type ClientEncryptionConfig struct {
	Enabled bool `yaml:"enabled" env:"CLIENT_ENCRYPTION_ENABLED"`
	// KeyRecoveryEnabled lets the owner fetch the unwrapped client key from
	// the server. When false the server never unwraps client keys.
	KeyRecoveryEnabled bool `yaml:"key_recovery_enabled" env:"CLIENT_ENCRYPTION_KEY_RECOVERY_ENABLED"`
}

// ScannerConfig holds malware scanner settings.
type ScannerConfig struct {
	CacheEnabled  bool          `yaml:"cache_enabled" env:"SCANNER_CACHE_ENABLED"`
	CacheMaxItems int           `yaml:"cache_max_items" env:"SCANNER_CACHE_MAX_ITEMS"`
	CacheTTL      time.Duration `yaml:"cache_ttl" env:"SCANNER_CACHE_TTL"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	PublicURL         string        `yaml:"public_url" env:"SERVER_PUBLIC_URL"` // Prefix for generated download URLs
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, otlp
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// defaultConfig returns the configuration before any file or env override.
func defaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "cookie"},
		},
		Storage: StorageConfig{
			Backend:       "local",
			Dir:           "data/files",
			QuarantineDir: "data/quarantine",
			Region:        "us-east-1",
		},
		Encryption: EncryptionConfig{
			KeyVersion:      1,
			Algorithm:       "AES256-GCM",
			KDFIterations:   100000,
			WorkerThreshold: 1 << 20, // 1MB
		},
		Ingest: IngestConfig{
			MaxFileSize: 50 << 20, // 50MB
			AllowedExtensions: []string{
				".txt", ".pdf", ".png", ".jpg", ".jpeg", ".gif",
				".doc", ".docx", ".xls", ".xlsx", ".csv", ".zip", ".enc",
			},
			MaxFiles:      10,
			TempDir:       filepath.Join(os.TempDir(), "file-custody"),
			StaleTempTTL:  time.Hour,
			SweepInterval: 15 * time.Minute,
		},
		Tokens: TokensConfig{
			TTL:             time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		Auth: AuthConfig{
			AdminRoles: []string{"admin"},
		},
		ClientEncryption: ClientEncryptionConfig{
			Enabled:            true,
			KeyRecoveryEnabled: true,
		},
		Scanner: ScannerConfig{
			CacheEnabled:  true,
			CacheMaxItems: 1000,
			CacheTTL:      time.Hour,
		},
		Server: ServerConfig{
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:   true,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "file-custody",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// MasterKeyMaterial returns the master key, reading key_file when set.
func (c *Config) MasterKeyMaterial() ([]byte, error) {
	if c.Encryption.KeyFile != "" {
		data, err := os.ReadFile(c.Encryption.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read encryption.key_file: %w", err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return nil, fmt.Errorf("encryption.key_file %s is empty", c.Encryption.KeyFile)
		}
		return []byte(key), nil
	}
	return []byte(c.Encryption.MasterKey), nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

func envList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("LOGGING_ACCESS_LOG_FORMAT"); v != "" {
		config.Logging.AccessLogFormat = v
	}
	if v := os.Getenv("LOGGING_REDACT_HEADERS"); v != "" {
		config.Logging.RedactHeaders = envList(v)
	}

	if v := os.Getenv("DATABASE_DSN"); v != "" {
		config.Database.DSN = v
	}

	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = v
	}
	if v := os.Getenv("STORAGE_DIR"); v != "" {
		config.Storage.Dir = v
	}
	if v := os.Getenv("STORAGE_QUARANTINE_DIR"); v != "" {
		config.Storage.QuarantineDir = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		config.Storage.Bucket = v
	}
	if v := os.Getenv("STORAGE_QUARANTINE_BUCKET"); v != "" {
		config.Storage.QuarantineBucket = v
	}
	if v := os.Getenv("STORAGE_ENDPOINT"); v != "" {
		config.Storage.Endpoint = v
	}
	if v := os.Getenv("STORAGE_REGION"); v != "" {
		config.Storage.Region = v
	}
	if v := os.Getenv("STORAGE_ACCESS_KEY"); v != "" {
		config.Storage.AccessKey = v
	}
	if v := os.Getenv("STORAGE_SECRET_KEY"); v != "" {
		config.Storage.SecretKey = v
	}
	if v := os.Getenv("STORAGE_USE_PATH_STYLE"); v != "" {
		config.Storage.UsePathStyle = envBool(v)
	}

	if v := os.Getenv("ENCRYPTION_MASTER_KEY"); v != "" {
		config.Encryption.MasterKey = v
	}
	if v := os.Getenv("ENCRYPTION_KEY_FILE"); v != "" {
		config.Encryption.KeyFile = v
	}
	if v := os.Getenv("ENCRYPTION_KEY_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Encryption.KeyVersion = n
		}
	}
	if v := os.Getenv("ENCRYPTION_ALGORITHM"); v != "" {
		config.Encryption.Algorithm = v
	}
	if v := os.Getenv("ENCRYPTION_KDF_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Encryption.KDFIterations = n
		}
	}
	if v := os.Getenv("ENCRYPTION_WORKER_THRESHOLD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Encryption.WorkerThreshold = n
		}
	}
	if v := os.Getenv("ENCRYPTION_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Encryption.WorkerConcurrency = n
		}
	}

	if v := os.Getenv("INGEST_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Ingest.MaxFileSize = n
		}
	}
	if v := os.Getenv("INGEST_ALLOWED_EXTENSIONS"); v != "" {
		config.Ingest.AllowedExtensions = envList(v)
	}
	if v := os.Getenv("INGEST_MAX_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Ingest.MaxFiles = n
		}
	}
	if v := os.Getenv("INGEST_TEMP_DIR"); v != "" {
		config.Ingest.TempDir = v
	}
	if v := os.Getenv("INGEST_STALE_TEMP_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Ingest.StaleTempTTL = d
		}
	}
	if v := os.Getenv("INGEST_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Ingest.SweepInterval = d
		}
	}

	if v := os.Getenv("TOKENS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Tokens.TTL = d
		}
	}
	if v := os.Getenv("TOKENS_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Tokens.CleanupInterval = d
		}
	}

	if v := os.Getenv("AUTH_JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}
	if v := os.Getenv("AUTH_ADMIN_ROLES"); v != "" {
		config.Auth.AdminRoles = envList(v)
	}

	if v := os.Getenv("CLIENT_ENCRYPTION_ENABLED"); v != "" {
		config.ClientEncryption.Enabled = envBool(v)
	}
	if v := os.Getenv("CLIENT_ENCRYPTION_KEY_RECOVERY_ENABLED"); v != "" {
		config.ClientEncryption.KeyRecoveryEnabled = envBool(v)
	}

	if v := os.Getenv("SCANNER_CACHE_ENABLED"); v != "" {
		config.Scanner.CacheEnabled = envBool(v)
	}
	if v := os.Getenv("SCANNER_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Scanner.CacheMaxItems = n
		}
	}
	if v := os.Getenv("SCANNER_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Scanner.CacheTTL = d
		}
	}

	if v := os.Getenv("TLS_ENABLED"); v != "" {
		config.TLS.Enabled = envBool(v)
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}

	if v := os.Getenv("SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.WriteTimeout = d
		}
	}
	if v := os.Getenv("SERVER_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.IdleTimeout = d
		}
	}
	if v := os.Getenv("SERVER_READ_HEADER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadHeaderTimeout = d
		}
	}
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Server.MaxHeaderBytes = n
		}
	}
	if v := os.Getenv("SERVER_PUBLIC_URL"); v != "" {
		config.Server.PublicURL = v
	}

	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		config.RateLimit.Enabled = envBool(v)
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.RateLimit.Limit = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.RateLimit.Window = d
		}
	}

	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = envBool(v)
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Audit.MaxEvents = n
		}
	}

	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = envBool(v)
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Tracing.SamplingRatio = f
		}
	}
	if v := os.Getenv("TRACING_REDACT_SENSITIVE"); v != "" {
		config.Tracing.RedactSensitive = envBool(v)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.Encryption.MasterKey == "" && c.Encryption.KeyFile == "" {
		return fmt.Errorf("either encryption.master_key or encryption.key_file is required")
	}
	if c.Encryption.KeyFile == "" && len(c.Encryption.MasterKey) < 12 {
		return fmt.Errorf("encryption.master_key must be at least 12 characters")
	}
	if c.Encryption.KeyVersion < 1 {
		return fmt.Errorf("encryption.key_version must be at least 1")
	}
	allowed := map[string]bool{
		"AES256-GCM":        true,
		"ChaCha20-Poly1305": true,
	}
	if alg := strings.TrimSpace(c.Encryption.Algorithm); alg != "" && !allowed[alg] {
		return fmt.Errorf("invalid encryption.algorithm: %s", alg)
	}
	if c.Encryption.KDFIterations < 100000 {
		return fmt.Errorf("encryption.kdf_iterations must be at least 100000")
	}
	if c.Encryption.WorkerThreshold < 0 || c.Encryption.WorkerConcurrency < 0 {
		return fmt.Errorf("encryption worker settings must not be negative")
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.Dir == "" || c.Storage.QuarantineDir == "" {
			return fmt.Errorf("storage.dir and storage.quarantine_dir are required for the local backend")
		}
		if c.Storage.Dir == c.Storage.QuarantineDir {
			return fmt.Errorf("storage.quarantine_dir must differ from storage.dir")
		}
	case "s3":
		if c.Storage.Bucket == "" || c.Storage.QuarantineBucket == "" {
			return fmt.Errorf("storage.bucket and storage.quarantine_bucket are required for the s3 backend")
		}
		if c.Storage.Bucket == c.Storage.QuarantineBucket {
			return fmt.Errorf("storage.quarantine_bucket must differ from storage.bucket")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be local or s3)", c.Storage.Backend)
	}

	if c.Ingest.MaxFileSize <= 0 {
		return fmt.Errorf("ingest.max_file_size must be positive")
	}
	if c.Ingest.MaxFiles <= 0 {
		return fmt.Errorf("ingest.max_files must be positive")
	}
	for _, ext := range c.Ingest.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("invalid entry in ingest.allowed_extensions: %s (must start with a dot)", ext)
		}
	}

	if c.Tokens.TTL <= 0 {
		return fmt.Errorf("tokens.ttl must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive when rate limiting is enabled")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}
