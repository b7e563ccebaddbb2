package storage

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id    TEXT PRIMARY KEY,
		username   TEXT,
		email      TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS requests (
		request_id        TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		session_id        TEXT,
		model_provider    TEXT NOT NULL DEFAULT 'unknown',
		model_name        TEXT NOT NULL DEFAULT 'unknown',
		prompt_tokens     BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		total_tokens      BIGINT NOT NULL DEFAULT 0,
		total_cost        NUMERIC(20, 8) NOT NULL DEFAULT 0,
		time_taken_sec    NUMERIC(14, 3) NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_user_id ON requests(user_id)`,
	`CREATE TABLE IF NOT EXISTS usage_logs (
		log_id       BIGSERIAL PRIMARY KEY,
		request_id   TEXT NOT NULL REFERENCES requests(request_id) ON DELETE CASCADE,
		raw_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		raw_usage    JSONB NOT NULL DEFAULT '{}'::jsonb,
		logged_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_logs_request_id ON usage_logs(request_id)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id    TEXT PRIMARY KEY,
		username   TEXT,
		email      TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS requests (
		request_id        TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		session_id        TEXT,
		model_provider    TEXT NOT NULL DEFAULT 'unknown',
		model_name        TEXT NOT NULL DEFAULT 'unknown',
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens      INTEGER NOT NULL DEFAULT 0,
		total_cost        NUMERIC NOT NULL DEFAULT 0,
		time_taken_sec    NUMERIC NOT NULL DEFAULT 0,
		created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_user_id ON requests(user_id)`,
	`CREATE TABLE IF NOT EXISTS usage_logs (
		log_id       INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id   TEXT NOT NULL REFERENCES requests(request_id) ON DELETE CASCADE,
		raw_metadata TEXT NOT NULL DEFAULT '{}',
		raw_usage    TEXT NOT NULL DEFAULT '{}',
		logged_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_logs_request_id ON usage_logs(request_id)`,
}

// EnsureSchema creates the users, requests and usage_logs tables if they do
// not exist. It is safe to run on every start.
func (db *DB) EnsureSchema(ctx context.Context) error {
	var stmts []string
	switch db.dialect {
	case DialectPostgres:
		stmts = postgresSchema
	case DialectSQLite:
		stmts = sqliteSchema
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDialect, db.dialect)
	}

	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
