// Package config loads coordinator configuration from the environment.
// Grounded in admin-module's config.go: a single Load() that fails fast
// on missing required variables, plus typed getEnv* helpers, and a
// SetupLogger that wires log/slog the same way across every binary in
// the teacher's pack.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of coordinator runtime settings, env-var
// driven with a BW_ prefix.
type Config struct {
	// HTTP
	ListenAddr      string
	ShutdownTimeout time.Duration

	// Database
	DatabaseURL string

	// Blob storage
	ClipStoreDir    string
	AssetStoreDir   string
	BlobPublicURL   string
	MaxUploadBytes  int64

	// Auth
	JWKSURL    string
	JWTIssuer  string
	JWTAudience string

	// External collaborators
	ClassifierURL     string
	ClassifierTimeout time.Duration
	GeneratorURL      string
	GeneratorTimeout  time.Duration
	RetryMaxAttempts  int
	BreakerFailureThreshold float64
	BreakerCooldown         time.Duration
	BreakerWindow           time.Duration

	// Dispatcher
	WorkerPoolSize  int
	QueueCapacity   int
	DedupTTL        time.Duration
	JobDeadline     time.Duration

	// Ingress rate limiting
	RateLimitPerSecond float64
	RateLimitBurst     int
	RateLimitIdleTTL   time.Duration

	// Reaper
	ReaperInterval   time.Duration
	ReaperStuckAfter time.Duration

	// Subscription gateway
	WSPingInterval     time.Duration
	WSBackpressureGrace time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads Config from the environment, returning an error naming
// the first missing required variable.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	if cfg.ListenAddr, err = getEnvDefault("BW_LISTEN_ADDR", ":8080"); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getEnvDurationDefault("BW_SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL, err = getEnvRequired("BW_DATABASE_URL"); err != nil {
		return nil, err
	}

	if cfg.ClipStoreDir, err = getEnvDefault("BW_CLIP_STORE_DIR", "./data/clips"); err != nil {
		return nil, err
	}
	if cfg.AssetStoreDir, err = getEnvDefault("BW_ASSET_STORE_DIR", "./data/assets"); err != nil {
		return nil, err
	}
	if cfg.BlobPublicURL, err = getEnvDefault("BW_BLOB_PUBLIC_URL", "/blobs"); err != nil {
		return nil, err
	}
	if cfg.MaxUploadBytes, err = getEnvInt64Default("BW_MAX_UPLOAD_BYTES", 10*1024*1024); err != nil {
		return nil, err
	}

	if cfg.JWKSURL, err = getEnvRequired("BW_JWKS_URL"); err != nil {
		return nil, err
	}
	if cfg.JWTIssuer, err = getEnvRequired("BW_JWT_ISSUER"); err != nil {
		return nil, err
	}
	if cfg.JWTAudience, err = getEnvDefault("BW_JWT_AUDIENCE", ""); err != nil {
		return nil, err
	}

	if cfg.ClassifierURL, err = getEnvRequired("BW_CLASSIFIER_URL"); err != nil {
		return nil, err
	}
	// Defaults per spec.md §4.3: classifier 5s, generator 15s.
	if cfg.ClassifierTimeout, err = getEnvDurationDefault("BW_CLASSIFIER_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.GeneratorURL, err = getEnvRequired("BW_GENERATOR_URL"); err != nil {
		return nil, err
	}
	if cfg.GeneratorTimeout, err = getEnvDurationDefault("BW_GENERATOR_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryMaxAttempts, err = getEnvIntDefault("BW_RETRY_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.BreakerFailureThreshold, err = getEnvFloatDefault("BW_BREAKER_FAILURE_THRESHOLD", 0.5); err != nil {
		return nil, err
	}
	if cfg.BreakerCooldown, err = getEnvDurationDefault("BW_BREAKER_COOLDOWN", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.BreakerWindow, err = getEnvDurationDefault("BW_BREAKER_WINDOW", 60*time.Second); err != nil {
		return nil, err
	}

	// Default per spec.md §4.5: 2x CPU count for the pool, queue capacity
	// 8x the pool size.
	if cfg.WorkerPoolSize, err = getEnvIntDefault("BW_WORKER_POOL_SIZE", 2*runtime.NumCPU()); err != nil {
		return nil, err
	}
	if cfg.QueueCapacity, err = getEnvIntDefault("BW_QUEUE_CAPACITY", cfg.WorkerPoolSize*8); err != nil {
		return nil, err
	}
	if cfg.DedupTTL, err = getEnvDurationDefault("BW_DEDUP_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	// Default per spec.md §4.5: every in-flight job carries a 60s deadline.
	if cfg.JobDeadline, err = getEnvDurationDefault("BW_JOB_DEADLINE", 60*time.Second); err != nil {
		return nil, err
	}

	// Default per spec.md §4.6/§6: 30 uploads/minute, burst 10.
	if cfg.RateLimitPerSecond, err = getEnvFloatDefault("BW_RATE_LIMIT_PER_SECOND", 30.0/60.0); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = getEnvIntDefault("BW_RATE_LIMIT_BURST", 10); err != nil {
		return nil, err
	}
	if cfg.RateLimitIdleTTL, err = getEnvDurationDefault("BW_RATE_LIMIT_IDLE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}

	if cfg.ReaperInterval, err = getEnvDurationDefault("BW_REAPER_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	// Default per spec.md §4.4: captures stuck in a non-terminal state
	// longer than 2 minutes are considered orphaned.
	if cfg.ReaperStuckAfter, err = getEnvDurationDefault("BW_REAPER_STUCK_AFTER", 2*time.Minute); err != nil {
		return nil, err
	}

	if cfg.WSPingInterval, err = getEnvDurationDefault("BW_WS_PING_INTERVAL", 20*time.Second); err != nil {
		return nil, err
	}
	if cfg.WSBackpressureGrace, err = getEnvDurationDefault("BW_WS_BACKPRESSURE_GRACE", 5*time.Second); err != nil {
		return nil, err
	}

	if cfg.LogLevel, err = getEnvDefault("BW_LOG_LEVEL", "info"); err != nil {
		return nil, err
	}
	if cfg.LogFormat, err = getEnvDefault("BW_LOG_FORMAT", "json"); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SetupLogger builds the process-wide slog.Logger per cfg, JSON by
// default, optional text for local development.
func SetupLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func getEnvRequired(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("config: required environment variable %s is not set", key)
	}
	return v, nil
}

func getEnvDefault(key, def string) (string, error) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, nil
	}
	return def, nil
}

func getEnvIntDefault(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvInt64Default(key string, def int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvFloatDefault(key string, def float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a float: %w", key, err)
	}
	return f, nil
}

func getEnvDurationDefault(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration (e.g. 30s): %w", key, err)
	}
	return d, nil
}
