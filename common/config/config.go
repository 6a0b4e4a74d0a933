package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all orchestrator configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Providers ProvidersConfig
	Executor  ExecutorConfig
	Worktree  WorktreeConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// ProvidersConfig holds agent provider credentials and defaults.
// Credentials are opaque strings passed through to the SDK adapters.
type ProvidersConfig struct {
	AnthropicAPIKey   string
	AnthropicModel    string
	OpenAIAPIKey      string
	OpenAIModel       string
	InvocationTimeout time.Duration
	MaxOutputTokens   int
}

// ExecutorConfig holds step-loop and control-action settings
type ExecutorConfig struct {
	DefaultMaxSteps            int
	ControlPreconditionRetries int
}

// WorktreeConfig holds the base directory for run worktrees
type WorktreeConfig struct {
	BaseDir string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "alphred"),
			User:        getEnv("POSTGRES_USER", "alphred"),
			Password:    getEnv("POSTGRES_PASSWORD", "alphred"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Providers: ProvidersConfig{
			AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
			AnthropicModel:    getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
			OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o"),
			InvocationTimeout: getEnvDuration("PROVIDER_TIMEOUT", 15*time.Minute),
			MaxOutputTokens:   getEnvInt("PROVIDER_MAX_OUTPUT_TOKENS", 8192),
		},
		Executor: ExecutorConfig{
			DefaultMaxSteps:            getEnvInt("DEFAULT_MAX_STEPS", 200),
			ControlPreconditionRetries: getEnvInt("MAX_CONTROL_PRECONDITION_RETRIES", 5),
		},
		Worktree: WorktreeConfig{
			BaseDir: getEnv("WORKTREE_BASE_DIR", os.TempDir()),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Executor.DefaultMaxSteps < 1 {
		return fmt.Errorf("default max steps must be positive")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
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
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
