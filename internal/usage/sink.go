package usage

import (
	"context"
	"time"

	"usage_sink/internal/metrics"
	"usage_sink/internal/utils"
)

// Sink is the entry point of the usage pipeline:
// Normalize -> Resolve -> Build -> Gateway.Write.
//
// Record holds no lock and performs no retries; a failed call can be
// repeated as a whole because every stage is idempotent for a given
// request_id.
type Sink struct {
	gateway  Gateway
	resolver *Resolver
	now      func() time.Time
	backend  string
	metrics  metrics.Metrics
	logger   *utils.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithResolver shares a resolver between sinks (and tests).
func WithResolver(r *Resolver) Option {
	return func(s *Sink) { s.resolver = r }
}

// WithClock overrides the timestamp source for created_at/logged_at.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// WithBackendName labels logs and metrics with the active backend.
func WithBackendName(name string) Option {
	return func(s *Sink) { s.backend = name }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m metrics.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// NewSink creates a sink writing through gateway.
func NewSink(gateway Gateway, opts ...Option) *Sink {
	s := &Sink{
		gateway: gateway,
		now:     time.Now,
		backend: "unknown",
		metrics: metrics.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.resolver == nil {
		s.resolver = NewResolver(s.now)
	}
	s.logger = utils.NewLogger("usage-sink").With("backend", s.backend)
	return s
}

// Record persists one usage payload and returns the resolved request id.
// Any failure is a *SinkError naming the stage; nothing is written unless
// the gateway write succeeds as a whole.
func (s *Sink) Record(ctx context.Context, stats, metadata map[string]any) (string, error) {
	return s.RecordWithRequestID(ctx, "", stats, metadata)
}

// RecordWithRequestID is Record with a pinned request id for reports whose
// metadata carries none. Retrying a failed Record with the id it returned
// targets the same request row, so an ambiguous commit cannot be recorded
// twice. metadata is stored unchanged.
func (s *Sink) RecordWithRequestID(ctx context.Context, requestID string, stats, metadata map[string]any) (string, error) {
	start := time.Now()

	normalized, err := Normalize(stats)
	if err != nil {
		return "", s.fail(start, StageNormalize, "", err)
	}

	id, err := s.resolver.ResolveWithFallback(metadata, requestID)
	if err != nil {
		return "", s.fail(start, StageResolve, "", err)
	}

	rec, err := Build(normalized, id, metadata, stats, s.now())
	if err != nil {
		return id.RequestID, s.fail(start, StageBuild, id.RequestID, err)
	}

	if s.gateway == nil {
		return id.RequestID, s.fail(start, StagePersist, id.RequestID, ErrNoGateway)
	}
	if err := s.gateway.Write(ctx, &rec); err != nil {
		return id.RequestID, s.fail(start, StagePersist, id.RequestID, err)
	}

	s.metrics.ObserveRecord(s.backend, metrics.OutcomeSuccess, time.Since(start))
	s.metrics.AddTokens(s.backend, "prompt", rec.Request.PromptTokens)
	s.metrics.AddTokens(s.backend, "completion", rec.Request.CompletionTokens)
	s.metrics.AddTokens(s.backend, "total", rec.Request.TotalTokens)

	s.logger.Debug("Usage recorded",
		"request_id", id.RequestID,
		"user_id", id.UserID,
		"total_tokens", rec.Request.TotalTokens,
		"total_cost", rec.Request.TotalCost.String(),
	)
	return id.RequestID, nil
}

func (s *Sink) fail(start time.Time, stage Stage, requestID string, err error) error {
	s.metrics.ObserveRecord(s.backend, string(stage), time.Since(start))
	s.logger.Error("Failed to record usage", "stage", stage, "request_id", requestID, "error", err)
	return &SinkError{Stage: stage, RequestID: requestID, Err: err}
}
