// Package telemetry exposes the engine's prometheus metrics.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skein-dev/skein/internal/core"
	"github.com/skein-dev/skein/internal/runner"
)

// Metrics holds the engine's instrument set. Register it once per process.
type Metrics struct {
	ExecutionsRunning prometheus.Gauge
	ExecutionsTotal   *prometheus.CounterVec
	NodeRunsTotal     *prometheus.CounterVec
	NodeRunSeconds    prometheus.Histogram
}

// New creates the metrics and registers them with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "skein",
			Name:      "executions_running",
			Help:      "Number of executions currently in flight.",
		}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skein",
			Name:      "executions_total",
			Help:      "Finished executions by terminal status.",
		}, []string{"status"}),
		NodeRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skein",
			Name:      "node_runs_total",
			Help:      "Node runner invocations by outcome.",
		}, []string{"status"}),
		NodeRunSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "skein",
			Name:      "node_run_seconds",
			Help:      "Wall time of node runner invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
	reg.MustRegister(m.ExecutionsRunning, m.ExecutionsTotal, m.NodeRunsTotal, m.NodeRunSeconds)
	return m
}

// ExecutionStarted marks one more execution in flight.
func (m *Metrics) ExecutionStarted() {
	m.ExecutionsRunning.Inc()
}

// ExecutionFinished records the terminal status and frees the in-flight
// slot.
func (m *Metrics) ExecutionFinished(status core.Status) {
	m.ExecutionsRunning.Dec()
	m.ExecutionsTotal.WithLabelValues(status.String()).Inc()
}

// InstrumentRunner wraps a runner so every invocation is counted and timed.
func InstrumentRunner(m *Metrics, next runner.Runner) runner.Runner {
	return runner.Func(func(ctx context.Context, in runner.Input) (core.Value, error) {
		timer := prometheus.NewTimer(m.NodeRunSeconds)
		out, err := next.Run(ctx, in)
		timer.ObserveDuration()
		if err != nil {
			m.NodeRunsTotal.WithLabelValues("error").Inc()
		} else {
			m.NodeRunsTotal.WithLabelValues("ok").Inc()
		}
		return out, err
	})
}
