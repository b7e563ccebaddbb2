package usage

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"usage_sink/internal/models"
)

// Request metadata keys.
const (
	MetaRequestID     = "request_id"
	MetaUserID        = "user_id"
	MetaSessionID     = "session_id"
	MetaModelProvider = "model_provider"
	MetaModelName     = "model_name"
	MetaUsername      = "username"
	MetaEmail         = "email"
)

// RequestIDPrefix prefixes every synthesized request id.
const RequestIDPrefix = "req-"

// KeySeparator joins the user and request parts of a composite key.
const KeySeparator = "#"

// keyEscaper percent-encodes the separator inside user ids so the first
// separator in a composite key always ends the user part.
var keyEscaper = strings.NewReplacer("%", "%25", KeySeparator, "%23")

// Resolver derives identifiers from request metadata. A single Resolver
// should be shared by all callers in a process so synthesized ids stay
// strictly increasing.
type Resolver struct {
	now  func() time.Time
	last atomic.Int64
}

// NewResolver creates a resolver. A nil clock means time.Now.
func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now}
}

// Resolve returns the user id, request id and composite key for metadata.
// Missing or blank ids fall back to defaults; only non-scalar id values fail.
func (r *Resolver) Resolve(metadata map[string]any) (models.Identity, error) {
	return r.ResolveWithFallback(metadata, "")
}

// ResolveWithFallback is Resolve, except that a blank request id in metadata
// resolves to fallback (when non-empty) instead of a freshly synthesized id.
// Callers retrying one report pass the id of the first attempt so every
// attempt writes the same row.
func (r *Resolver) ResolveWithFallback(metadata map[string]any, fallback string) (models.Identity, error) {
	userID, err := metadataString(metadata, MetaUserID)
	if err != nil {
		return models.Identity{}, err
	}
	if userID == "" {
		userID = models.DefaultUserID
	}

	requestID, err := metadataString(metadata, MetaRequestID)
	if err != nil {
		return models.Identity{}, err
	}

	synthesized := false
	switch {
	case requestID != "":
	case fallback != "":
		requestID = fallback
		synthesized = true
	default:
		requestID = r.nextRequestID()
		synthesized = true
	}

	return models.Identity{
		UserID:       userID,
		RequestID:    requestID,
		CompositeKey: CompositeKey(userID, requestID),
		Synthesized:  synthesized,
	}, nil
}

// nextRequestID returns RequestIDPrefix followed by the current Unix time in
// nanoseconds, bumped past the previous value when the clock has not moved.
func (r *Resolver) nextRequestID() string {
	for {
		last := r.last.Load()
		next := r.now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if r.last.CompareAndSwap(last, next) {
			return fmt.Sprintf("%s%d", RequestIDPrefix, next)
		}
	}
}

// CompositeKey builds the sort key for the key-value store.
func CompositeKey(userID, requestID string) string {
	return UserKeyPrefix(userID) + requestID
}

// UserKeyPrefix is the prefix shared by every composite key of userID.
func UserKeyPrefix(userID string) string {
	return keyEscaper.Replace(userID) + KeySeparator
}

// metadataString reads key as a trimmed string. Absent and null values yield "".
func metadataString(metadata map[string]any, key string) (string, error) {
	v, ok := metadata[key]
	if !ok || v == nil {
		return "", nil
	}

	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), nil
	case json.Number:
		return t.String(), nil
	case map[string]any, models.JSONB, []any, []string:
		return "", &ResolutionError{Field: key, Err: ErrNonScalarField}
	default:
		return strings.TrimSpace(fmt.Sprint(t)), nil
	}
}

// optionalString is metadataString mapped to a nil pointer when empty.
func optionalString(metadata map[string]any, key string) (*string, error) {
	s, err := metadataString(metadata, key)
	if err != nil || s == "" {
		return nil, err
	}
	return &s, nil
}
