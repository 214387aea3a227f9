// Package config provides application configuration from the environment,
// with optional .env loading for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/chatrelay/chatrelay/logging"
)

// Config holds all application configuration.
type Config struct {
	// ProviderVendor selects the generation backend: openai, anthropic or
	// mock.
	ProviderVendor string
	// ProviderModel overrides the vendor default model when non-empty.
	ProviderModel string
	// Instruction is the system prompt for every generation.
	Instruction string
	// DatabaseURL selects the storage backend: empty for in-memory,
	// sqlite://<path> or postgres://... otherwise.
	DatabaseURL string
	// AdminIDs lists user ids that start with operator privileges.
	AdminIDs []string

	FreeMessagesPerDay int
	HistoryTurns       int
	MaxUnitLength      int
	EditInterval       time.Duration

	LogLevel  logging.LogLevel
	LogFormat string // json or text
}

// LoadDotenv loads a local .env file when present, then lets .env.local
// override it. Missing files are not an error so production environments can
// rely on real variables.
func LoadDotenv() bool {
	loaded := godotenv.Load() == nil
	if _, err := os.Stat(".env.local"); err == nil {
		loaded = godotenv.Overload(".env.local") == nil || loaded
	}
	return loaded
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ProviderVendor:     getEnv("PROVIDER_VENDOR", "openai"),
		ProviderModel:      getEnv("PROVIDER_MODEL", ""),
		Instruction:        getEnv("SYSTEM_INSTRUCTION", "You are a helpful assistant."),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		AdminIDs:           splitList(getEnv("ADMIN_IDS", "")),
		FreeMessagesPerDay: getEnvInt("FREE_MESSAGES_PER_DAY", 7),
		HistoryTurns:       getEnvInt("HISTORY_TURNS", 10),
		MaxUnitLength:      getEnvInt("MAX_UNIT_LENGTH", 4000),
		EditInterval:       time.Duration(getEnvInt("EDIT_INTERVAL_MS", 1500)) * time.Millisecond,
		LogLevel:           parseLogLevel(getEnv("LOG_LEVEL", "info")),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are consistent.
func (c *Config) Validate() error {
	switch c.ProviderVendor {
	case "openai", "anthropic", "mock":
	default:
		return fmt.Errorf("PROVIDER_VENDOR must be openai, anthropic or mock, got %q", c.ProviderVendor)
	}
	if c.FreeMessagesPerDay < 0 {
		return fmt.Errorf("FREE_MESSAGES_PER_DAY must not be negative")
	}
	if c.HistoryTurns <= 0 {
		return fmt.Errorf("HISTORY_TURNS must be > 0")
	}
	if c.MaxUnitLength <= 0 {
		return fmt.Errorf("MAX_UNIT_LENGTH must be > 0")
	}
	if c.EditInterval < 0 {
		return fmt.Errorf("EDIT_INTERVAL_MS must not be negative")
	}
	if d := c.DatabaseDriver(); d == "" {
		return fmt.Errorf("DATABASE_URL scheme not supported: %q", c.DatabaseURL)
	}
	return nil
}

// DatabaseDriver derives the storage backend from the database URL:
// "memory", "sqlite" or "postgres". Empty means unsupported.
func (c *Config) DatabaseDriver() string {
	switch {
	case c.DatabaseURL == "":
		return "memory"
	case strings.HasPrefix(c.DatabaseURL, "sqlite://"):
		return "sqlite"
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return "postgres"
	default:
		return ""
	}
}

// SQLitePath returns the filesystem path encoded in a sqlite database URL.
func (c *Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

// IsAdmin reports whether the id is in the configured operator list.
func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func parseLogLevel(s string) logging.LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logging.LogLevelDebug
	case "warn", "warning":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelInfo
	}
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
