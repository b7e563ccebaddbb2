package usage

import (
	"errors"
	"fmt"
)

var (
	// ErrMixedPayload is returned when a stats payload mixes flat metrics and
	// provider entries at the same level.
	ErrMixedPayload = errors.New("payload mixes flat metrics and provider entries")

	// ErrInvalidMetric is returned when a known metric holds a value that is
	// not a non-negative number (or an integer, for token counts).
	ErrInvalidMetric = errors.New("invalid metric value")

	// ErrNonScalarField is returned when a metadata field that must be a
	// string holds a mapping or a sequence.
	ErrNonScalarField = errors.New("metadata field must be a scalar")

	// ErrNoGateway is returned by a Sink constructed without a gateway.
	ErrNoGateway = errors.New("no persistence gateway configured")
)

// NormalizationError reports a malformed usage payload.
type NormalizationError struct {
	Provider string // empty for flat payloads
	Field    string
	Err      error
}

func (e *NormalizationError) Error() string {
	switch {
	case e.Provider != "" && e.Field != "":
		return fmt.Sprintf("normalize %s.%s: %v", e.Provider, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("normalize %s: %v", e.Field, e.Err)
	default:
		return fmt.Sprintf("normalize: %v", e.Err)
	}
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// ResolutionError reports request metadata that cannot be turned into
// identifiers or display fields. Missing values never cause it; they fall
// back to defaults.
type ResolutionError struct {
	Field string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Field, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Stage names the pipeline step a SinkError originated from.
type Stage string

const (
	StageNormalize Stage = "normalize"
	StageResolve   Stage = "resolve"
	StageBuild     Stage = "build"
	StagePersist   Stage = "persist"
)

// SinkError is the only error type returned by Sink.Record.
type SinkError struct {
	Stage     Stage
	RequestID string // empty when the failure happened before resolution
	Err       error
}

func (e *SinkError) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("usage sink: %s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("usage sink: %s failed [request_id=%s]: %v", e.Stage, e.RequestID, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
