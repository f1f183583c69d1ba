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
	AppEnv             string
	Port               string
	LogFile            string
	DatabaseURL        string
	GeoIPDBPath        string
	DefaultLocale      string
	GalleryPath        string
	GenerationEndpoint string
	GenerationTimeout  time.Duration
	GenerationRPS      float64
	GenerationBurst    int
	BatchSize          int
	MaxBatchSize       int
	MaxParallel        int
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               getEnv("PORT", "8080"),
		LogFile:            os.Getenv("LOG_FILE"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		GeoIPDBPath:        os.Getenv("GEOIP_DB_PATH"),
		DefaultLocale:      getEnv("DEFAULT_LOCALE", "en"),
		GalleryPath:        getEnv("GALLERY_PATH", "./gallery"),
		GenerationEndpoint: strings.TrimSpace(os.Getenv("GENERATION_ENDPOINT")),
		GenerationTimeout:  time.Second * time.Duration(getEnvInt("GENERATION_TIMEOUT_SECONDS", 60)),
		GenerationRPS:      getEnvFloat("GENERATION_RPS", 0),
		GenerationBurst:    getEnvInt("GENERATION_BURST", 2),
		BatchSize:          getEnvInt("BATCH_SIZE", 4),
		MaxBatchSize:       getEnvInt("MAX_BATCH_SIZE", 8),
		MaxParallel:        getEnvInt("MAX_PARALLEL", 4),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 90)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.GenerationEndpoint == "" {
		return nil, fmt.Errorf("GENERATION_ENDPOINT is required")
	}
	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("MAX_BATCH_SIZE must be positive")
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > cfg.MaxBatchSize {
		return nil, fmt.Errorf("BATCH_SIZE must be between 1 and %d", cfg.MaxBatchSize)
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = cfg.MaxBatchSize
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 60 * time.Second
	}

	return cfg, nil
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

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
