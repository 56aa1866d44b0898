package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the application configuration
type Config struct {
	Environment          string
	ServerPort           int
	PostgresURL          string
	RedisURL             string
	PipelineServerURL    string
	LogLevel             string
	CORSAllowedOrigins   []string
	JWTSecret            string
	TokenIssuer          string
	TokenAudience        string
	TokenSubject         string
	HashIterations       int
	PasswordLifetimeDays int
	ArtifactDir          string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	port, err := strconv.Atoi(getEnv("SERVER_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	iterations, err := strconv.Atoi(getEnv("HASH_ITERATIONS", "500000"))
	if err != nil {
		return nil, fmt.Errorf("invalid HASH_ITERATIONS: %w", err)
	}
	if iterations < 1 {
		return nil, fmt.Errorf("HASH_ITERATIONS must be positive, got %d", iterations)
	}

	passwordLifetime, err := strconv.Atoi(getEnv("PASSWORD_LIFETIME_DAYS", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid PASSWORD_LIFETIME_DAYS: %w", err)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return &Config{
		Environment:       getEnv("ENVIRONMENT", "development"),
		ServerPort:        port,
		PostgresURL:       getEnv("POSTGRES_URL", "postgres://localhost:5432/fedcoord?sslmode=disable"),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		PipelineServerURL: getEnv("PIPELINE_SERVER_URL", "http://localhost:3300"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: parseCSVEnv("CORS_ALLOWED_ORIGINS", []string{
			"http://localhost:5173",
			"http://localhost:3000",
		}),
		JWTSecret:            secret,
		TokenIssuer:          getEnv("TOKEN_ISSUER", "fedcoord"),
		TokenAudience:        getEnv("TOKEN_AUDIENCE", "fedcoord-clients"),
		TokenSubject:         getEnv("TOKEN_SUBJECT", "coordination"),
		HashIterations:       iterations,
		PasswordLifetimeDays: passwordLifetime,
		ArtifactDir:          getEnv("ARTIFACT_DIR", "/var/lib/fedcoord/artifacts"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseCSVEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
