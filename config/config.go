package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"mt5bridge/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// HTTP shell
	Host               string
	Port               int
	APIKey             string
	AllowedOrigins     []string
	DefaultHistoryDays int

	// Terminal bridge
	GatewayURL     string
	GatewayTimeout time.Duration
	GatewayRetries int

	// Smart queue
	CacheTTL           time.Duration // Coalescing window for repeated callers
	QueueCapacity      int           // Max pending poll requests
	WorkerIdleTick     time.Duration // Worker sleep when the queue is empty
	CallerPollInterval time.Duration // Cache recheck cadence while waiting
	CallerTimeout      time.Duration // Max caller wait before giving up

	// History fetcher
	WarmupInterval     time.Duration // Minimum gap between history-cache warmups
	WarmupRange        time.Duration // Span of the cache-warming deals query
	MaxRetries         int           // Retry attempts per closed position within one cycle
	RetryBackoffStep   time.Duration // Backoff is step * attempt between retries
	DealsRecentWindow  time.Duration // Span of the primary deals query
	EntryDealsBackfill time.Duration // Span searched for entry when exit is present
	SLTPOrderScan      time.Duration // Span for the stop-level lookup

	// Logging
	LogLevel logger.LogLevel
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// HTTP shell
	cfg.Host = getEnv("HOST", "0.0.0.0")
	cfg.Port, err = getEnvAsIntRequired("PORT", 8000)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PORT: %v", err))
	} else if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, "PORT must be between 1 and 65535")
	}

	cfg.APIKey = getEnv("API_KEY", "")
	if cfg.APIKey == "" {
		errs = append(errs, "API_KEY must be set")
	}

	cfg.AllowedOrigins = splitAndTrim(getEnv("ALLOWED_ORIGINS", "http://localhost:3000"))

	cfg.DefaultHistoryDays, err = getEnvAsIntRequired("DEFAULT_HISTORY_DAYS", 30)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_HISTORY_DAYS: %v", err))
	} else if cfg.DefaultHistoryDays <= 0 {
		errs = append(errs, "DEFAULT_HISTORY_DAYS must be positive")
	}

	// Terminal bridge
	cfg.GatewayURL = getEnv("MT5_GATEWAY_URL", "http://127.0.0.1:8087")
	if cfg.GatewayURL == "" {
		errs = append(errs, "MT5_GATEWAY_URL must be set")
	}
	cfg.GatewayTimeout = getEnvAsSeconds("MT5_GATEWAY_TIMEOUT_SECONDS", 30)
	cfg.GatewayRetries = getEnvAsInt("MT5_GATEWAY_RETRIES", 2)
	if cfg.GatewayRetries < 0 {
		errs = append(errs, "MT5_GATEWAY_RETRIES cannot be negative")
	}

	// Smart queue
	cfg.CacheTTL = getEnvAsSeconds("CACHE_TTL_SECONDS", 2)
	if cfg.CacheTTL <= 0 {
		errs = append(errs, "CACHE_TTL_SECONDS must be positive")
	}

	cfg.QueueCapacity, err = getEnvAsIntRequired("QUEUE_CAPACITY", 100)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid QUEUE_CAPACITY: %v", err))
	} else if cfg.QueueCapacity <= 0 {
		errs = append(errs, "QUEUE_CAPACITY must be positive")
	}

	cfg.WorkerIdleTick = getEnvAsMillis("WORKER_IDLE_TICK_MS", 50)
	cfg.CallerPollInterval = getEnvAsMillis("CALLER_POLL_INTERVAL_MS", 100)
	cfg.CallerTimeout = getEnvAsSeconds("CALLER_TIMEOUT_SECONDS", 10)
	if cfg.WorkerIdleTick <= 0 || cfg.CallerPollInterval <= 0 || cfg.CallerTimeout <= 0 {
		errs = append(errs, "worker and caller intervals must be positive")
	}

	// History fetcher
	cfg.WarmupInterval = getEnvAsSeconds("WARMUP_INTERVAL_SECONDS", 30)
	cfg.WarmupRange = getEnvAsDays("WARMUP_RANGE_DAYS", 90)
	cfg.MaxRetries, err = getEnvAsIntRequired("FETCH_MAX_RETRIES", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid FETCH_MAX_RETRIES: %v", err))
	} else if cfg.MaxRetries <= 0 {
		errs = append(errs, "FETCH_MAX_RETRIES must be positive")
	}
	cfg.RetryBackoffStep = getEnvAsSeconds("FETCH_RETRY_BACKOFF_SECONDS", 3)
	cfg.DealsRecentWindow = getEnvAsMinutes("DEALS_RECENT_WINDOW_MINUTES", 30)
	cfg.EntryDealsBackfill = getEnvAsDays("ENTRY_DEALS_BACKFILL_DAYS", 7)
	cfg.SLTPOrderScan = getEnvAsMinutes("SLTP_ORDER_SCAN_MINUTES", 60)
	if cfg.WarmupInterval <= 0 || cfg.WarmupRange <= 0 || cfg.RetryBackoffStep <= 0 ||
		cfg.DealsRecentWindow <= 0 || cfg.EntryDealsBackfill <= 0 || cfg.SLTPOrderScan <= 0 {
		errs = append(errs, "fetcher intervals must be positive")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSeconds(key string, defaultValue float64) time.Duration {
	return time.Duration(getEnvAsFloat(key, defaultValue) * float64(time.Second))
}

func getEnvAsMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Millisecond
}

func getEnvAsMinutes(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Minute
}

func getEnvAsDays(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * 24 * time.Hour
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
