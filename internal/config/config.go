// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Dispute policy
	JudgePoolSize       int      // judges assigned per dispute; quorum equals pool size
	JudgeConcurrencyCap int      // max unresolved pools a judge may sit on
	Arbitrators         []string // fixed arbitrator list; overrides the badge directory when set

	// Escrow health thresholds
	SweepInterval       time.Duration
	DeliveryDeadline    time.Duration // flag contracts not delivered within this window
	ReleaseDeadline     time.Duration // flag delivered contracts not released within this window

	// Notifications
	WebhookSecret string

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultJudgePoolSize       = 3
	DefaultJudgeConcurrencyCap = 5
	DefaultSweepInterval       = 30 * time.Second
	DefaultDeliveryDeadline    = 7 * 24 * time.Hour
	DefaultReleaseDeadline     = 2 * 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		JudgePoolSize:       getEnvInt("JUDGE_POOL_SIZE", DefaultJudgePoolSize),
		JudgeConcurrencyCap: getEnvInt("JUDGE_CONCURRENCY_CAP", DefaultJudgeConcurrencyCap),
		Arbitrators:         getEnvList("ARBITRATORS"),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		DeliveryDeadline:    getEnvDuration("DELIVERY_DEADLINE", DefaultDeliveryDeadline),
		ReleaseDeadline:     getEnvDuration("RELEASE_DEADLINE", DefaultReleaseDeadline),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.JudgePoolSize < 3 {
		return fmt.Errorf("JUDGE_POOL_SIZE must be at least 3, got %d", c.JudgePoolSize)
	}
	if c.JudgePoolSize%2 == 0 {
		return fmt.Errorf("JUDGE_POOL_SIZE must be odd so a strict majority is possible, got %d", c.JudgePoolSize)
	}
	if c.JudgeConcurrencyCap < 1 {
		return fmt.Errorf("JUDGE_CONCURRENCY_CAP must be positive, got %d", c.JudgeConcurrencyCap)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.DeliveryDeadline <= 0 || c.ReleaseDeadline <= 0 {
		return fmt.Errorf("delivery and release deadlines must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
