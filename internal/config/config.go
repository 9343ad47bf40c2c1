// Package config provides configuration loading for the pipeline service.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the pipeline service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Pipeline store: "memory", "redis" or "postgres"
	PipelineStore string
	DatabaseURL   string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Run event stream configuration
	RunStoreType string // "memory" or "redis"
	RunStoreTTL  time.Duration
	EventMaxLen  int64

	// CORS configuration
	CORSOrigins []string

	// Per-client limit on execute and run requests (0 disables)
	RunRateLimitRPS   float64
	RunRateLimitBurst int

	// Node retry policy
	RetryMax       int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Generation backend used by ai nodes
	AIBaseURL        string
	AIAPIKey         string
	AITimeout        time.Duration
	AIRateLimitRPS   float64
	AIRateLimitBurst int

	// Collaborators for emit and store outputs
	EventBus        string // "log" or "redis"
	EventChannel    string
	ArtifactBackend string // "memory" or "s3"
	S3Endpoint      string
	S3Region        string
	S3Bucket        string
	S3AccessKey     string
	S3SecretKey     string
	S3UsePathStyle  bool

	// Tracing
	OTelEnabled    bool
	OTelEndpoint   string
	OTelSampleRate float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
// Variables in a .env file in the working directory are loaded first without
// overriding the real environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return FromEnv(), nil
}

// FromEnv reads configuration from the process environment only.
func FromEnv() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 5*time.Minute),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Pipeline store
		PipelineStore: getEnv("PIPELINE_STORE", "memory"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Run event stream
		RunStoreType: getEnv("RUNSTORE", "memory"),
		RunStoreTTL:  getDuration("RUNSTORE_TTL", time.Hour),
		EventMaxLen:  getInt64("EVENT_MAX_LEN", 5000),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Run rate limit
		RunRateLimitRPS:   getFloat("RUN_RATE_LIMIT_RPS", 0),
		RunRateLimitBurst: getInt("RUN_RATE_LIMIT_BURST", 5),

		// Retry
		RetryMax:       getInt("RETRY_MAX", 3),
		RetryBaseDelay: getDuration("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:  getDuration("RETRY_MAX_DELAY", 60*time.Second),

		// AI backend
		AIBaseURL:        getEnv("AI_BASE_URL", ""),
		AIAPIKey:         getEnv("AI_API_KEY", ""),
		AITimeout:        getDuration("AI_TIMEOUT", 2*time.Minute),
		AIRateLimitRPS:   getFloat("AI_RATE_LIMIT_RPS", 5.0),
		AIRateLimitBurst: getInt("AI_RATE_LIMIT_BURST", 10),

		// Collaborators
		EventBus:        getEnv("EVENT_BUS", "log"),
		EventChannel:    getEnv("EVENT_CHANNEL", "mentatlab:pipeline:emitted"),
		ArtifactBackend: getEnv("ARTIFACT_BACKEND", "memory"),
		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        getEnv("S3_REGION", "us-east-1"),
		S3Bucket:        getEnv("S3_BUCKET", "mentatlab-pipeline"),
		S3AccessKey:     getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:     getEnv("S3_SECRET_KEY", ""),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", true),

		// Tracing
		OTelEnabled:    getBool("OTEL_ENABLED", false),
		OTelEndpoint:   getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OTelSampleRate: getFloat("OTEL_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultVal
}
