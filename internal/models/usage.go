package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultUserID is stored when request metadata carries no user.
const DefaultUserID = "unknown"

// DefaultModelValue is stored when the model provider or name is missing.
const DefaultModelValue = "unknown"

// User is the owner of one or more requests. Display fields are only ever
// filled in, never replaced.
type User struct {
	UserID    string    `db:"user_id"`
	Username  *string   `db:"username"`
	Email     *string   `db:"email"`
	CreatedAt time.Time `db:"created_at"`
}

// Request is the per-attempt projection of a usage payload. A repeated write
// with the same RequestID replaces the mutable fields.
type Request struct {
	RequestID        string          `db:"request_id"`
	UserID           string          `db:"user_id"`
	SessionID        *string         `db:"session_id"`
	ModelProvider    string          `db:"model_provider"`
	ModelName        string          `db:"model_name"`
	PromptTokens     int64           `db:"prompt_tokens"`
	CompletionTokens int64           `db:"completion_tokens"`
	TotalTokens      int64           `db:"total_tokens"`
	TotalCost        decimal.Decimal `db:"total_cost"`
	TimeTakenSec     decimal.Decimal `db:"time_taken_sec"`
	CreatedAt        time.Time       `db:"created_at"`
}

// UsageLog is the append-only audit row holding the raw inputs verbatim.
type UsageLog struct {
	LogID       int64     `db:"log_id"`
	RequestID   string    `db:"request_id"`
	RawMetadata JSONB     `db:"raw_metadata"`
	RawUsage    JSONB     `db:"raw_usage"`
	LoggedAt    time.Time `db:"logged_at"`
}

// Record groups the three entities produced for a single usage payload.
type Record struct {
	User     User
	Request  Request
	UsageLog UsageLog
}

// Identity holds the identifiers derived from request metadata.
type Identity struct {
	UserID       string
	RequestID    string
	CompositeKey string

	// Synthesized is set when RequestID was generated rather than supplied.
	Synthesized bool
}
