package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings. Values come from the environment, with
// defaults suitable for local development.
type Config struct {
	HTTPAddr string

	// SKUCSVPath points at the semicolon-separated SKU table. The file is
	// optional; when absent, lookup by SKU is disabled but uploads still work.
	SKUCSVPath string

	// RembgURL is the base URL of the background-removal inference server.
	RembgURL     string
	RembgTimeout time.Duration

	FetchTimeout  time.Duration
	MaxDisplayDim int
	MaxUploadSize int64

	DatabaseDSN string
	RedisAddr   string
	AssetTTL    time.Duration

	// JWTSecret is optional; when empty the API is unauthenticated.
	JWTSecret   string
	JWTAudience string
}

const (
	defaultFetchTimeout  = 10 * time.Second
	defaultRembgTimeout  = 120 * time.Second
	defaultMaxDisplayDim = 550
	defaultMaxUploadSize = 15 << 20
	defaultAssetTTL      = 30 * time.Minute
)

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		SKUCSVPath:    getEnv("SKU_CSV_PATH", "banner_bilder_v1.csv"),
		RembgURL:      getEnv("REMBG_URL", "http://localhost:7000"),
		RembgTimeout:  getDuration("REMBG_TIMEOUT", defaultRembgTimeout),
		FetchTimeout:  getDuration("FETCH_TIMEOUT", defaultFetchTimeout),
		MaxDisplayDim: getInt("MAX_DISPLAY_DIM", defaultMaxDisplayDim),
		MaxUploadSize: int64(getInt("MAX_UPLOAD_SIZE", defaultMaxUploadSize)),
		DatabaseDSN:   getEnv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=bgstudio port=5432 sslmode=disable"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		AssetTTL:      getDuration("ASSET_TTL", defaultAssetTTL),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		JWTAudience:   os.Getenv("JWT_AUDIENCE"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
