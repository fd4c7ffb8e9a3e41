// Package metrics exposes run statistics as prometheus metrics.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pipeweave/internal/core"
	"pipeweave/internal/dag"
)

// Metrics counts task outcomes and action durations. It is both a
// dag.Observer and a core.ActionObserver.
type Metrics struct {
	registry *prometheus.Registry

	tasks          *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	actionFailures *prometheus.CounterVec
	runs           *prometheus.CounterVec
	lastRun        prometheus.Gauge
}

// New registers every metric on a fresh registry.
func New() *Metrics {
	r := prometheus.NewRegistry()
	return &Metrics{
		registry: r,
		tasks: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "pipeweave_tasks_total",
			Help: "Tasks that reached a terminal state, by state.",
		}, []string{"state"}),
		actionDuration: promauto.With(r).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeweave_action_duration_seconds",
			Help:    "Time taken by a single task action.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"kind"}),
		actionFailures: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "pipeweave_action_failures_total",
			Help: "Actions that returned an error, by kind.",
		}, []string{"kind"}),
		runs: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "pipeweave_runs_total",
			Help: "Completed runs, by outcome.",
		}, []string{"outcome"}),
		lastRun: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Name: "pipeweave_last_run_timestamp_seconds",
			Help: "Time the last run finished.",
		}),
	}
}

// Registry returns the registry holding every metric.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// OnTransition implements dag.Observer.
func (m *Metrics) OnTransition(ev dag.Event) {
	if dag.IsTerminal(ev.To) {
		m.tasks.WithLabelValues(string(ev.To)).Inc()
	}
}

// OnRunStart implements dag.RunObserver.
func (m *Metrics) OnRunStart(string, *dag.Graph, []string) {}

// OnRunEnd implements dag.RunObserver.
func (m *Metrics) OnRunEnd(r *dag.Report) {
	outcome := "ok"
	switch {
	case r.Cancelled:
		outcome = "cancelled"
	case !r.OK():
		outcome = "failed"
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.lastRun.SetToCurrentTime()
}

// ObserveAction implements core.ActionObserver.
func (m *Metrics) ObserveAction(_ string, kind core.ActionKind, d time.Duration, err error) {
	m.actionDuration.WithLabelValues(kind.String()).Observe(d.Seconds())
	if err != nil {
		m.actionFailures.WithLabelValues(kind.String()).Inc()
	}
}

// WriteFile writes every metric to path in the text exposition format, for
// the node exporter textfile collector.
func (m *Metrics) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
