package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL    string
	DBPoolMaxConns int
	DBPoolMinConns int

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	WebhookAPIKey       string
	WebhookAPIKeyHeader string
	AdminJWTSecret      string

	DefaultTimezone string

	PMSHost              string
	PMSUserAgent         string
	PMSMaxConcurrent     int
	PMSRequestsPerMinute int
	PMSRequestTimeout    time.Duration
	PMSMaxRetries        int

	WebhookDeadline time.Duration
	FindNextMaxDays int

	RefreshInterval time.Duration
	UseMemoryQueue  bool
	RefreshQueueURL string
	WorkerCount     int

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	CORSAllowedOrigins string
	RateLimitRPS       int
	RateLimitBurst     int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DBPoolMaxConns: getEnvAsInt("DB_POOL_MAX_CONNS", 25),
		DBPoolMinConns: getEnvAsInt("DB_POOL_MIN_CONNS", 10),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		WebhookAPIKey:       getEnv("WEBHOOK_API_KEY", ""),
		WebhookAPIKeyHeader: getEnv("WEBHOOK_API_KEY_HEADER", "X-API-Key"),
		AdminJWTSecret:      getEnv("ADMIN_JWT_SECRET", ""),

		DefaultTimezone: getEnv("DEFAULT_TIMEZONE", "Australia/Sydney"),

		PMSHost:              getEnv("PMS_HOST", "cliniko.com"),
		PMSUserAgent:         getEnv("PMS_USER_AGENT", "VoiceBook (support@covehealth.au)"),
		PMSMaxConcurrent:     getEnvAsInt("PMS_MAX_CONCURRENT", 6),
		PMSRequestsPerMinute: getEnvAsInt("PMS_REQUESTS_PER_MINUTE", 120),
		PMSRequestTimeout:    getEnvAsDuration("PMS_REQUEST_TIMEOUT", 30*time.Second),
		PMSMaxRetries:        getEnvAsInt("PMS_MAX_RETRIES", 3),

		WebhookDeadline: getEnvAsDuration("WEBHOOK_DEADLINE", 25*time.Second),
		FindNextMaxDays: getEnvAsInt("FIND_NEXT_MAX_DAYS", 14),

		RefreshInterval: getEnvAsDuration("REFRESH_INTERVAL", 5*time.Minute),
		UseMemoryQueue:  getEnvAsBool("USE_MEMORY_QUEUE", true),
		RefreshQueueURL: getEnv("REFRESH_QUEUE_URL", ""),
		WorkerCount:     getEnvAsInt("WORKER_COUNT", 2),

		AWSRegion:           getEnv("AWS_REGION", "ap-southeast-2"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		RateLimitRPS:       getEnvAsInt("RATE_LIMIT_RPS", 10),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 30),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
