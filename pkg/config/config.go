package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	// Load environment variables from .env files when present.
	_ "github.com/joho/godotenv/autoload"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	AI       AIConfig
	Matching MatchingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// ElevatedUser bypasses per-tenant row policies; used for subject
	// creation during imports and for schema evolution DDL.
	ElevatedUser     string
	ElevatedPassword string
}

// ImportConfig is the tuning surface of the import pipeline.
type ImportConfig struct {
	MaxRows      int
	MaxFileBytes int64
	BatchSize    int
	RetryCount   int
	RetryDelay   time.Duration
	BatchPause   time.Duration
	StrictMode   bool
	MaxAmountCLP int64
}

// AIConfig configures the optional correction stage. An empty APIKey
// disables it entirely.
type AIConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
	CacheTTL time.Duration
	// AllowSchemaEvolution gates the privileged add-column hook.
	AllowSchemaEvolution bool
}

type MatchingConfig struct {
	Threshold float64
	// Schedule is a standard 5-field cron expression for the nightly run.
	Schedule string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "localhost"),
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			AllowedOrigins: []string{getEnv("CORS_ORIGIN", "http://localhost:5173")},
		},
		Database: DatabaseConfig{
			Host:             getEnv("POSTGRES_HOST", "localhost"),
			Port:             getEnvAsInt("POSTGRES_PORT", 5432),
			User:             getEnv("POSTGRES_USER", "cobranza"),
			Password:         getEnv("POSTGRES_PASSWORD", "cobranza"),
			Database:         getEnv("POSTGRES_DB", "cobranza-dev"),
			SSLMode:          getEnv("POSTGRES_SSLMODE", "disable"),
			ElevatedUser:     getEnv("POSTGRES_ELEVATED_USER", ""),
			ElevatedPassword: getEnv("POSTGRES_ELEVATED_PASSWORD", ""),
		},
		Import: ImportConfig{
			MaxRows:      getEnvAsInt("IMPORT_MAX_ROWS", 5000),
			MaxFileBytes: int64(getEnvAsInt("IMPORT_MAX_FILE_BYTES", 10<<20)),
			BatchSize:    getEnvAsInt("IMPORT_BATCH_SIZE", 50),
			RetryCount:   getEnvAsInt("IMPORT_RETRY_COUNT", 3),
			RetryDelay:   getEnvAsDuration("IMPORT_RETRY_DELAY", time.Second),
			BatchPause:   getEnvAsDuration("IMPORT_BATCH_PAUSE", 500*time.Millisecond),
			StrictMode:   getEnvAsBool("IMPORT_STRICT_MODE", false),
			MaxAmountCLP: int64(getEnvAsInt("IMPORT_MAX_AMOUNT_CLP", 10_000_000_000)),
		},
		AI: AIConfig{
			// Stored credentials take precedence at call time; the
			// environment is the fallback path.
			APIKey:               getEnv("AI_API_KEY", os.Getenv("OPENAI_API_KEY")),
			BaseURL:              getEnv("AI_BASE_URL", "https://api.openai.com/v1"),
			Model:                getEnv("AI_MODEL", "gpt-4o-mini"),
			Timeout:              getEnvAsDuration("AI_TIMEOUT", 60*time.Second),
			CacheTTL:             getEnvAsDuration("AI_MODELS_CACHE_TTL", 10*time.Minute),
			AllowSchemaEvolution: getEnvAsBool("AI_ALLOW_SCHEMA_EVOLUTION", false),
		},
		Matching: MatchingConfig{
			Threshold: getEnvAsFloat("MATCHING_THRESHOLD", 0.5),
			Schedule:  getEnv("MATCHING_SCHEDULE", "0 3 * * *"),
		},
	}

	return cfg, nil
}

// Enabled reports whether the AI correction stage has a usable credential.
func (c *AIConfig) Enabled() bool {
	return c.APIKey != ""
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return c.dsnFor(c.User, c.Password)
}

// ElevatedDSN returns the privileged connection string, falling back to the
// regular credentials when no elevated user is configured.
func (c *DatabaseConfig) ElevatedDSN() string {
	if c.ElevatedUser == "" {
		return c.DSN()
	}
	return c.dsnFor(c.ElevatedUser, c.ElevatedPassword)
}

func (c *DatabaseConfig) dsnFor(user, password string) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, user, password, c.Database, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
