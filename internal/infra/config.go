package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv         string
	Port           string
	DatabaseURL    string
	StoragePath    string
	StorageBaseURL string

	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string

	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
	CORSAllowedOrigins []string

	// Batch processing knobs. Delay values feed the pacing controller; the
	// remaining fields bound orchestrator behavior.
	BatchBaseDelayMs       int
	BatchMinDelayMs        int
	BatchMaxDelayMs        int
	BatchBrakeDelayMs      int
	BatchBrakeFailures     int
	BatchMaxAttempts       int
	BatchMaxConcurrentJobs int
	GenerationTimeout      time.Duration
	StaleJobThreshold      time.Duration
	WorkerPollInterval     time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		Port:           getEnv("PORT", "8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),

		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),

		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSAllowedOrigins: splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),

		BatchBaseDelayMs:       getEnvInt("BATCH_BASE_DELAY_MS", 1500),
		BatchMinDelayMs:        getEnvInt("BATCH_MIN_DELAY_MS", 500),
		BatchMaxDelayMs:        getEnvInt("BATCH_MAX_DELAY_MS", 8000),
		BatchBrakeDelayMs:      getEnvInt("BATCH_BRAKE_DELAY_MS", 6000),
		BatchBrakeFailures:     getEnvInt("BATCH_BRAKE_FAILURES", 3),
		BatchMaxAttempts:       getEnvInt("BATCH_MAX_ATTEMPTS", 1),
		BatchMaxConcurrentJobs: getEnvInt("BATCH_MAX_CONCURRENT_JOBS", 4),
		GenerationTimeout:      time.Second * time.Duration(getEnvInt("GENERATION_TIMEOUT_SECONDS", 90)),
		StaleJobThreshold:      time.Second * time.Duration(getEnvInt("STALE_JOB_THRESHOLD_SECONDS", 300)),
		WorkerPollInterval:     time.Second * time.Duration(getEnvInt("WORKER_POLL_INTERVAL_SECONDS", 5)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.BatchMaxAttempts < 1 {
		cfg.BatchMaxAttempts = 1
	}
	if cfg.BatchMaxConcurrentJobs < 1 {
		cfg.BatchMaxConcurrentJobs = 1
	}

	return cfg, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
