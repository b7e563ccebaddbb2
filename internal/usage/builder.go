package usage

import (
	"time"

	"github.com/shopspring/decimal"

	"usage_sink/internal/models"
)

// Build maps normalized stats and identifiers onto the User, Request and
// UsageLog entities. It is a pure function: identical inputs (including now)
// give identical records, and the raw payloads are deep-copied rather than
// aliased. Only non-scalar display fields in rawMetadata make it fail.
func Build(stats models.Stats, id models.Identity, rawMetadata, rawUsage map[string]any, now time.Time) (models.Record, error) {
	now = now.UTC()

	username, err := optionalString(rawMetadata, MetaUsername)
	if err != nil {
		return models.Record{}, err
	}
	email, err := optionalString(rawMetadata, MetaEmail)
	if err != nil {
		return models.Record{}, err
	}
	sessionID, err := optionalString(rawMetadata, MetaSessionID)
	if err != nil {
		return models.Record{}, err
	}
	provider, err := metadataString(rawMetadata, MetaModelProvider)
	if err != nil {
		return models.Record{}, err
	}
	modelName, err := metadataString(rawMetadata, MetaModelName)
	if err != nil {
		return models.Record{}, err
	}

	userID := id.UserID
	if userID == "" {
		userID = models.DefaultUserID
	}

	return models.Record{
		User: models.User{
			UserID:    userID,
			Username:  username,
			Email:     email,
			CreatedAt: now,
		},
		Request: models.Request{
			RequestID:        id.RequestID,
			UserID:           userID,
			SessionID:        sessionID,
			ModelProvider:    orDefault(provider),
			ModelName:        orDefault(modelName),
			PromptTokens:     nonNegative(stats.PromptTokens),
			CompletionTokens: nonNegative(stats.CompletionTokens),
			TotalTokens:      nonNegative(stats.TotalTokens),
			TotalCost:        nonNegativeAmount(stats.TotalCost),
			TimeTakenSec:     nonNegativeAmount(stats.TimeTakenSeconds),
			CreatedAt:        now,
		},
		UsageLog: models.UsageLog{
			RequestID:   id.RequestID,
			RawMetadata: models.CloneJSONB(rawMetadata),
			RawUsage:    models.CloneJSONB(rawUsage),
			LoggedAt:    now,
		},
	}, nil
}

func orDefault(s string) string {
	if s == "" {
		return models.DefaultModelValue
	}
	return s
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

func nonNegativeAmount(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
