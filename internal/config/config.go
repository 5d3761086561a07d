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
	HTTPAddr    string

	OTLPEndpoint string

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
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string

	// WebhookSecret signs inbound payment-gateway webhooks (HMAC-SHA256).
	WebhookSecret string

	GatewayBaseURL string
	GatewayAPIKey  string
	GatewayTimeout time.Duration

	SnowflakeNode int64
}

// Load loads configuration from environment variables and .env file.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		AppName:        getenv("APP_SERVICE", "commissary"),
		AppVersion:     getenv("APP_VERSION", "0.1.0"),
		Environment:    getenv("ENVIRONMENT", "development"),
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:   getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:         getenv("DATABASE_TYPE", "postgres"),
		DBHost:         getenv("DATABASE_HOST", "localhost"),
		DBPort:         getenv("DATABASE_PORT", "5432"),
		DBName:         getenv("DATABASE_NAME", "commissary"),
		DBUser:         getenv("DATABASE_USER", "postgres"),
		DBPassword:     getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:      getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:  getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:  getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		RedisAddr:      strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:  getenv("REDIS_PASSWORD", ""),
		WebhookSecret:  strings.TrimSpace(getenv("WEBHOOK_SECRET", "")),
		GatewayBaseURL: strings.TrimSpace(getenv("GATEWAY_BASE_URL", "")),
		GatewayAPIKey:  strings.TrimSpace(getenv("GATEWAY_API_KEY", "")),
		GatewayTimeout: getenvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		SnowflakeNode:  int64(getenvInt("SNOWFLAKE_NODE", 1)),
	}

	return cfg
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
