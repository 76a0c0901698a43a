// Package metrics exposes Prometheus instruments for the generation
// pipeline. Instruments are registered on a caller-supplied registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "padi"

type Metrics struct {
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	inFlight    prometheus.Gauge
	gatherer    prometheus.Gatherer
}

// New registers the pipeline instruments on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_transitions_total",
				Help:      "Queue items entering each status.",
			},
			[]string{"status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Time spent waiting on the generation provider.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "generations_in_flight",
				Help:      "Generations currently waiting on the provider.",
			},
		),
		gatherer: reg,
	}
	reg.MustRegister(m.transitions, m.duration, m.inFlight)
	return m
}

// Transition counts an item entering status. Safe on a nil *Metrics.
func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// StartGeneration marks a provider call as in flight and returns a function
// that records its outcome ("completed" or "failed").
func (m *Metrics) StartGeneration() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.inFlight.Inc()
	return func(outcome string) {
		m.inFlight.Dec()
		m.duration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
