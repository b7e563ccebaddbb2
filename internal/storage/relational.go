package storage

import (
	"context"
	"fmt"

	"usage_sink/internal/models"
	"usage_sink/internal/usage"
)

// Stored precision of the relational decimal columns. Values are rounded
// half away from zero before binding.
const (
	CostScale = 8
	TimeScale = 3
)

const upsertUserQuery = `
	INSERT INTO users (user_id, username, email, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (user_id) DO UPDATE SET
		username = COALESCE(users.username, excluded.username),
		email    = COALESCE(users.email, excluded.email)
`

// created_at keeps the first write; everything else is last-write-wins.
const upsertRequestQuery = `
	INSERT INTO requests (
		request_id, user_id, session_id, model_provider, model_name,
		prompt_tokens, completion_tokens, total_tokens,
		total_cost, time_taken_sec, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (request_id) DO UPDATE SET
		user_id           = excluded.user_id,
		session_id        = excluded.session_id,
		model_provider    = excluded.model_provider,
		model_name        = excluded.model_name,
		prompt_tokens     = excluded.prompt_tokens,
		completion_tokens = excluded.completion_tokens,
		total_tokens      = excluded.total_tokens,
		total_cost        = excluded.total_cost,
		time_taken_sec    = excluded.time_taken_sec
`

const insertUsageLogQuery = `
	INSERT INTO usage_logs (request_id, raw_metadata, raw_usage, logged_at)
	VALUES (?, ?, ?, ?)
	RETURNING log_id
`

// RelationalGateway writes records into the users, requests and usage_logs
// tables inside one transaction.
type RelationalGateway struct {
	db *DB

	upsertUser    string
	upsertRequest string
	insertLog     string
}

var _ usage.Gateway = (*RelationalGateway)(nil)

// NewRelationalGateway creates a gateway on db. Queries are rebound to the
// dialect's placeholder style once, here.
func NewRelationalGateway(db *DB) *RelationalGateway {
	return &RelationalGateway{
		db:            db,
		upsertUser:    db.conn.Rebind(upsertUserQuery),
		upsertRequest: db.conn.Rebind(upsertRequestQuery),
		insertLog:     db.conn.Rebind(insertUsageLogQuery),
	}
}

// Write upserts the user, upserts the request and appends a usage log.
// Either all three land or, on any error, none of them do. On success
// rec.UsageLog.LogID holds the new row id.
func (g *RelationalGateway) Write(ctx context.Context, rec *models.Record) error {
	backend := string(g.db.dialect)

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return newPersistenceError(backend, "begin", err)
	}
	defer tx.Rollback()

	u := rec.User
	if _, err := tx.ExecContext(ctx, g.upsertUser,
		u.UserID, u.Username, u.Email, u.CreatedAt,
	); err != nil {
		return newPersistenceError(backend, "upsert user", err)
	}

	r := rec.Request
	if _, err := tx.ExecContext(ctx, g.upsertRequest,
		r.RequestID, r.UserID, r.SessionID, r.ModelProvider, r.ModelName,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens,
		r.TotalCost.Round(CostScale), r.TimeTakenSec.Round(TimeScale), r.CreatedAt,
	); err != nil {
		return newPersistenceError(backend, "upsert request", err)
	}

	l := rec.UsageLog
	rawMetadata, err := l.RawMetadata.Text()
	if err != nil {
		return newPersistenceError(backend, "encode raw_metadata", err)
	}
	rawUsage, err := l.RawUsage.Text()
	if err != nil {
		return newPersistenceError(backend, "encode raw_usage", err)
	}

	var logID int64
	if err := tx.QueryRowxContext(ctx, g.insertLog,
		l.RequestID, rawMetadata, rawUsage, l.LoggedAt,
	).Scan(&logID); err != nil {
		return newPersistenceError(backend, "insert usage log", err)
	}

	if err := tx.Commit(); err != nil {
		return newPersistenceError(backend, "commit", err)
	}

	rec.UsageLog.LogID = logID
	return nil
}

// Health checks the underlying pool.
func (g *RelationalGateway) Health(ctx context.Context) error {
	if err := g.db.Health(ctx); err != nil {
		return fmt.Errorf("%s gateway: %w", g.db.dialect, err)
	}
	return nil
}
