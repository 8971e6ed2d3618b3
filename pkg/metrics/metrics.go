// Package metrics counts agent invocations. pifan is a short-lived CLI, so
// instead of serving /metrics the registry is written to a textfile for a
// node_exporter textfile collector to pick up.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder owns a private registry so tests and embedders don't collide on
// the global one.
type Recorder struct {
	Registry *prometheus.Registry

	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	inFlight    prometheus.Gauge
}

// New registers pifan's collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		Registry: reg,
		invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pifan_invocations_total",
				Help: "Agent invocations by output mode and outcome",
			},
			[]string{"mode", "status"}, // status: ok, failed, timeout
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pifan_invocation_duration_seconds",
				Help:    "Wall time of agent invocations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
			},
			[]string{"mode"},
		),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pifan_invocations_in_flight",
			Help: "Agent processes currently running",
		}),
	}
}

// Started marks one more process running. Nil-safe.
func (r *Recorder) Started() {
	if r == nil {
		return
	}
	r.inFlight.Inc()
}

// Finished records a completed invocation. Nil-safe.
func (r *Recorder) Finished(mode, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.inFlight.Dec()
	r.invocations.WithLabelValues(mode, status).Inc()
	r.duration.WithLabelValues(mode).Observe(d.Seconds())
}

// WriteTextfile dumps the registry in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.Registry)
}
