package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted in USAGE_BACKEND
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// Config holds configuration for the usage sink service.
type Config struct {
	Backend     string
	MetricsAddr string
	Log         LogConfig
	Database    DatabaseConfig
	DynamoDB    DynamoDBConfig
	Queue       QueueConfig
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string
	Format string // "text" or "json"
}

// DatabaseConfig holds relational database settings
type DatabaseConfig struct {
	// URL takes precedence over the discrete USAGE_DB_* fields
	URL      string
	User     string
	Password string
	Host     string
	Port     int
	Name     string
	SSLMode  string

	SQLitePath string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	AutoMigrate bool
}

// DynamoDBConfig holds DynamoDB settings
type DynamoDBConfig struct {
	Table           string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	CreateTable     bool
}

// QueueConfig holds ingest queue settings
type QueueConfig struct {
	Name         string
	UseRedis     bool
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	RedisAddress  string
	RedisPassword string
	RedisDB       int
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	boolVal, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}

	return boolVal
}

// loadDotEnv merges ENV_FILE (default .env) into the environment. Variables
// already set win; a missing file is not an error.
func loadDotEnv() error {
	path := getEnvString("ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from the environment (and an optional .env file).
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Backend:     strings.ToLower(getEnvString("USAGE_BACKEND", BackendPostgres)),
		MetricsAddr: getEnvString("METRICS_ADDR", ":9090"),
		Log: LogConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			URL:      os.Getenv("DATABASE_URL"),
			User:     getEnvString("USAGE_DB_USER", "postgres"),
			Password: os.Getenv("USAGE_DB_PASS"),
			Host:     getEnvString("USAGE_DB_HOST", "localhost"),
			Port:     getEnvInt("USAGE_DB_PORT", 5432),
			Name:     getEnvString("USAGE_DB_NAME", "postgres"),
			SSLMode:  getEnvString("USAGE_DB_SSLMODE", "disable"),

			SQLitePath: getEnvString("SQLITE_PATH", "usage.db"),

			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),

			AutoMigrate: getEnvBool("DB_AUTO_MIGRATE", false),
		},
		DynamoDB: DynamoDBConfig{
			Table:           getEnvString("DYNAMODB_TABLE", "usage-logs"),
			Region:          os.Getenv("AWS_REGION"),
			Endpoint:        os.Getenv("DYNAMODB_ENDPOINT"),
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			CreateTable:     getEnvBool("DYNAMODB_CREATE_TABLE", false),
		},
		Queue: QueueConfig{
			Name:         getEnvString("QUEUE_NAME", "usage"),
			UseRedis:     getEnvBool("QUEUE_USE_REDIS", false),
			BatchSize:    getEnvInt("QUEUE_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("QUEUE_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:   getEnvInt("QUEUE_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("QUEUE_RETRY_BACKOFF", 1*time.Second),

			RedisAddress:  getEnvString("REDIS_ADDRESS", "localhost:6379"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       getEnvInt("REDIS_DB", 0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no safe fallback.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPostgres, BackendSQLite, BackendDynamoDB:
	default:
		return fmt.Errorf("USAGE_BACKEND must be one of postgres, sqlite, dynamodb (got %q)", c.Backend)
	}

	if c.Backend == BackendSQLite && c.Database.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
	}
	if c.Backend == BackendDynamoDB && c.DynamoDB.Table == "" {
		return fmt.Errorf("DYNAMODB_TABLE is required for the dynamodb backend")
	}
	if c.Backend == BackendPostgres && (c.Database.Port <= 0 || c.Database.Port > 65535) {
		return fmt.Errorf("USAGE_DB_PORT out of range: %d", c.Database.Port)
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("QUEUE_BATCH_SIZE must be positive (got %d)", c.Queue.BatchSize)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("QUEUE_MAX_RETRIES must not be negative (got %d)", c.Queue.MaxRetries)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json (got %q)", c.Log.Format)
	}
	return nil
}
