package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points ENV_FILE at a file that does not exist so a developer's
// .env never leaks into the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "usage.db", cfg.Database.SQLitePath)
	assert.False(t, cfg.Database.AutoMigrate)
	assert.Equal(t, "usage-logs", cfg.DynamoDB.Table)
	assert.Equal(t, "usage", cfg.Queue.Name)
	assert.Equal(t, 100, cfg.Queue.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Queue.BatchTimeout)
	assert.False(t, cfg.Queue.UseRedis)
}

func TestLoad_FromEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("USAGE_BACKEND", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/u.db")
	t.Setenv("DB_AUTO_MIGRATE", "true")
	t.Setenv("DB_CONN_MAX_LIFETIME", "90s")
	t.Setenv("QUEUE_USE_REDIS", "1")
	t.Setenv("QUEUE_BATCH_SIZE", "7")
	t.Setenv("REDIS_ADDRESS", "redis:6380")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "/tmp/u.db", cfg.Database.SQLitePath)
	assert.True(t, cfg.Database.AutoMigrate)
	assert.Equal(t, 90*time.Second, cfg.Database.ConnMaxLifetime)
	assert.True(t, cfg.Queue.UseRedis)
	assert.Equal(t, 7, cfg.Queue.BatchSize)
	assert.Equal(t, "redis:6380", cfg.Queue.RedisAddress)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	isolate(t)
	t.Setenv("QUEUE_BATCH_SIZE", "lots")
	t.Setenv("QUEUE_BATCH_TIMEOUT", "soon")
	t.Setenv("DB_AUTO_MIGRATE", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Queue.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Queue.BatchTimeout)
	assert.False(t, cfg.Database.AutoMigrate)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("DYNAMODB_TABLE=from-file\nQUEUE_NAME=from-file\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("USAGE_BACKEND", "dynamodb")
	// Already-set variables win over the file.
	t.Setenv("QUEUE_NAME", "from-env")
	// godotenv sets variables directly; t.Setenv registers the restore, the
	// unset lets the file provide the value.
	t.Setenv("DYNAMODB_TABLE", "")
	require.NoError(t, os.Unsetenv("DYNAMODB_TABLE"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.DynamoDB.Table)
	assert.Equal(t, "from-env", cfg.Queue.Name)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Backend:  BackendPostgres,
			Log:      LogConfig{Level: "info", Format: "text"},
			Database: DatabaseConfig{Port: 5432, SQLitePath: "usage.db"},
			DynamoDB: DynamoDBConfig{Table: "usage-logs"},
			Queue:    QueueConfig{BatchSize: 10, MaxRetries: 3},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Backend = "mongo" }, "USAGE_BACKEND"},
		{"sqlite without path", func(c *Config) { c.Backend = BackendSQLite; c.Database.SQLitePath = "" }, "SQLITE_PATH"},
		{"dynamo without table", func(c *Config) { c.Backend = BackendDynamoDB; c.DynamoDB.Table = "" }, "DYNAMODB_TABLE"},
		{"bad port", func(c *Config) { c.Database.Port = 70000 }, "USAGE_DB_PORT"},
		{"port ignored for sqlite", func(c *Config) { c.Backend = BackendSQLite; c.Database.Port = 0 }, ""},
		{"port ignored for dynamodb", func(c *Config) { c.Backend = BackendDynamoDB; c.Database.Port = -1 }, ""},
		{"zero batch", func(c *Config) { c.Queue.BatchSize = 0 }, "QUEUE_BATCH_SIZE"},
		{"negative retries", func(c *Config) { c.Queue.MaxRetries = -1 }, "QUEUE_MAX_RETRIES"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
