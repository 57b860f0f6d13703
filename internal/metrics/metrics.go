// Package metrics records stage durations and resource actions of a run on a
// private Prometheus registry, written out as a node_exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "moodle_eks"

// Recorder holds the collectors of one process. A nil Recorder ignores every call.
type Recorder struct {
	registry  *prometheus.Registry
	stages    *prometheus.HistogramVec
	resources *prometheus.CounterVec
	runs      *prometheus.CounterVec
	lastRun   *prometheus.GaugeVec
}

// New creates a recorder for one deployment
func New(deployment string) *Recorder {
	labels := prometheus.Labels{"deployment": deployment}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "stage_duration_seconds",
			Help:        "Duration of provisioning stages and cleanup steps.",
			ConstLabels: labels,
			Buckets:     []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"stage", "status"}),
		resources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "resource_actions_total",
			Help:        "Resources created, adopted, deleted or found absent.",
			ConstLabels: labels,
		}, []string{"kind", "action"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "runs_total",
			Help:        "Deploy and cleanup runs by outcome.",
			ConstLabels: labels,
		}, []string{"command", "outcome"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_run_timestamp_seconds",
			Help:        "Unix time the last run of a command finished.",
			ConstLabels: labels,
		}, []string{"command"}),
	}
	r.registry.MustRegister(r.stages, r.resources, r.runs, r.lastRun)
	return r
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveStage records the duration of a stage or cleanup step
func (r *Recorder) ObserveStage(stage, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.stages.WithLabelValues(stage, status).Observe(d.Seconds())
}

// Resource counts one action on a resource kind
func (r *Recorder) Resource(kind, action string) {
	if r == nil {
		return
	}
	r.resources.WithLabelValues(kind, action).Inc()
}

// Run records the outcome of a deploy or cleanup
func (r *Recorder) Run(command string, err error, finished time.Time) {
	if r == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.runs.WithLabelValues(command, outcome).Inc()
	r.lastRun.WithLabelValues(command).Set(float64(finished.Unix()))
}

// WriteTextfile writes every metric to path in the text exposition format
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
