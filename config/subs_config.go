// Package config loads runtime configuration from environment
// variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	RedisURL    string
	MongoDBURL  string
	MongoDBName string

	// OpenAI
	OpenAIAPIKey      string
	LLMModel          string
	LLMRequestsPerMin int
	ConfidenceGate    float64

	// OAuth - Google (token refresh only; the exchange dance lives
	// in the dashboard service)
	GoogleClientID     string
	GoogleClientSecret string

	// Token encryption
	EncryptionKey string

	// Jobs
	JobStuckTimeout time.Duration
	JobRetention    time.Duration

	// Admin
	AdminToken string

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "subwatch"),

		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		LLMModel:          getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMRequestsPerMin: getEnvInt("LLM_REQUESTS_PER_MIN", 60),
		ConfidenceGate:    getEnvFloat("CONFIDENCE_GATE", 0.7),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),

		EncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		JobStuckTimeout: time.Duration(getEnvInt("JOB_STUCK_TIMEOUT_MIN", 120)) * time.Minute,
		JobRetention:    time.Duration(getEnvInt("JOB_RETENTION_DAYS", 7)) * 24 * time.Hour,

		AdminToken: getEnv("ADMIN_TOKEN", ""),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
