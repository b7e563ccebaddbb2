package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "usage_sink"

// OutcomeSuccess labels successful records; failures are labelled with the failing stage.
const OutcomeSuccess = "success"

// Metrics receives sink and ingest observations and exposes them over HTTP.
type Metrics interface {
	ObserveRecord(backend, outcome string, elapsed time.Duration)
	AddTokens(backend, kind string, n int64)
	IncDeadLetter(queue string)
	HTTPHandler() http.Handler
}

// Prometheus implements Metrics on its own registry, so several instances
// (one per test, say) never collide on registration.
type Prometheus struct {
	registry *prometheus.Registry

	recordsTotal   *prometheus.CounterVec
	recordDuration *prometheus.HistogramVec
	tokensTotal    *prometheus.CounterVec
	deadLetters    *prometheus.CounterVec
}

// NewPrometheus registers the sink collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()

	m := &Prometheus{
		registry: reg,
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_total",
				Help:      "Usage records handled by the sink, by backend and outcome (success or failing stage)",
			},
			[]string{"backend", "outcome"},
		),
		recordDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "record_duration_seconds",
				Help:      "Time spent in Sink.Record",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"backend"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens recorded, by backend and type (prompt/completion/total)",
			},
			[]string{"backend", "type"},
		),
		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "dead_letters_total",
				Help:      "Usage events moved to the dead letter queue",
			},
			[]string{"queue"},
		),
	}

	reg.MustRegister(
		m.recordsTotal,
		m.recordDuration,
		m.tokensTotal,
		m.deadLetters,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Prometheus) ObserveRecord(backend, outcome string, elapsed time.Duration) {
	m.recordsTotal.WithLabelValues(backend, outcome).Inc()
	m.recordDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

func (m *Prometheus) AddTokens(backend, kind string, n int64) {
	if n <= 0 {
		return
	}
	m.tokensTotal.WithLabelValues(backend, kind).Add(float64(n))
}

func (m *Prometheus) IncDeadLetter(queue string) {
	m.deadLetters.WithLabelValues(queue).Inc()
}

// Registry exposes the underlying registry for tests.
func (m *Prometheus) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Prometheus) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (m *NoopMetrics) ObserveRecord(string, string, time.Duration) {}

func (m *NoopMetrics) AddTokens(string, string, int64) {}

func (m *NoopMetrics) IncDeadLetter(string) {}

func (m *NoopMetrics) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}
