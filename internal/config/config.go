// Package config loads application configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string

	HTTPAddr string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SourcePayloadURL is the template the default transformer fetches
	// invoice payloads from, with {source_type} and {source_id}
	// placeholders.
	SourcePayloadURL string

	Provider ProviderConfig
	Dispatch DispatchConfig
}

// ProviderConfig configures the delivery provider connector.
type ProviderConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	// Timeout bounds one provider call end to end. Keep it well above the
	// provider's own declared timeout so transformation and persistence
	// around the call fit inside it.
	Timeout time.Duration
}

// DispatchConfig carries the batch and scheduling knobs.
type DispatchConfig struct {
	InitialDelayDays    int
	MaxDispatchAttempts int
	MaxPollAttempts     int
	DispatchBatchSize   int
	PollBatchSize       int
	DispatchLockTTL     time.Duration
	PollLockTTL         time.Duration
	RunInterval         time.Duration
}

// Load reads configuration from the environment, optionally seeded by a .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "peppolsub"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "peppolsub"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
		RedisDB:       getenvInt("REDIS_DB", 0),

		SourcePayloadURL: getenv("SOURCE_PAYLOAD_URL", ""),

		Provider: ProviderConfig{
			Name:    getenv("PROVIDER_NAME", "storecove"),
			BaseURL: getenv("PROVIDER_BASE_URL", "https://api.storecove.com/api/v2"),
			APIKey:  strings.TrimSpace(getenv("PROVIDER_API_KEY", "")),
			Timeout: getenvDuration("PROVIDER_TIMEOUT", 2*time.Minute),
		},
		Dispatch: DispatchConfig{
			InitialDelayDays:    getenvInt("DISPATCH_INITIAL_DELAY_DAYS", 0),
			MaxDispatchAttempts: getenvInt("DISPATCH_MAX_ATTEMPTS", 3),
			MaxPollAttempts:     getenvInt("POLL_MAX_ATTEMPTS", 8),
			DispatchBatchSize:   getenvInt("DISPATCH_BATCH_SIZE", 50),
			PollBatchSize:       getenvInt("POLL_BATCH_SIZE", 100),
			DispatchLockTTL:     getenvDuration("DISPATCH_LOCK_TTL", 10*time.Minute),
			PollLockTTL:         getenvDuration("POLL_LOCK_TTL", 30*time.Minute),
			RunInterval:         getenvDuration("RUN_INTERVAL", time.Minute),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
