// Package metrics exposes engine activity as Prometheus collectors. A
// Metrics value implements highlight.Counters, grave.Observer and
// passes.Hooks so it can be handed straight to those packages.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jward/vigil/internal/passes"
	"github.com/jward/vigil/internal/progress"
)

const namespace = "vigil"

// Metrics holds the engine collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	stageDuration *prometheus.HistogramVec
	faults        *prometheus.CounterVec
	applied       *prometheus.CounterVec
	retired       *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	graves        *prometheus.CounterVec
	graveBytes    prometheus.Histogram
	openDocuments prometheus.Gauge
}

// New creates every collector and registers it with reg. A nil reg gets a
// fresh registry, so several engines in one process do not collide.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "Analysis runs by outcome and cancellation reason.",
		}, []string{"outcome", "reason"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help:    "Wall time of analysis runs.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_duration_seconds",
			Help:    "Wall time of stage instances.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"stage", "outcome"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "collaborator_faults_total",
			Help: "Recovered collaborator failures.",
		}, []string{"stage", "source"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "diagnostics_applied_total",
			Help: "Diagnostics inserted into live sets.",
		}, []string{"source"}),
		retired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "diagnostics_retired_total",
			Help: "Stale diagnostics removed after a stage revisited their location.",
		}, []string{"source"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "diagnostics_dropped_total",
			Help: "Diagnostics discarded because their run was superseded.",
		}, []string{"source"}),
		graves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "grave_operations_total",
			Help: "Grave bury, exhume and reject operations.",
		}, []string{"op", "reason"}),
		graveBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "grave_size_bytes",
			Help:    "Encoded size of buried snapshots.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		openDocuments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_documents",
			Help: "Documents currently tracked by the engine.",
		}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	reg.MustRegister(
		m.runs, m.runDuration, m.stageDuration, m.faults,
		m.applied, m.retired, m.dropped,
		m.graves, m.graveBytes, m.openDocuments,
	)
	return m
}

// Gatherer returns the gatherer the collectors are exposed through.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.gatherer }

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RunFinished records a run. reason is ReasonNone for a completed run.
func (m *Metrics) RunFinished(reason progress.Reason, elapsed time.Duration) {
	if reason != progress.ReasonNone {
		m.runs.WithLabelValues("canceled", reason.String()).Inc()
		return
	}
	m.runs.WithLabelValues("completed", "").Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

// SetOpenDocuments sets the tracked document gauge.
func (m *Metrics) SetOpenDocuments(n int) { m.openDocuments.Set(float64(n)) }

// highlight.Counters

func (m *Metrics) Applied(source string)        { m.applied.WithLabelValues(source).Inc() }
func (m *Metrics) Retired(source string, n int) { m.retired.WithLabelValues(source).Add(float64(n)) }
func (m *Metrics) Dropped(source string)        { m.dropped.WithLabelValues(source).Inc() }

// grave.Observer

func (m *Metrics) Buried(_ int, bytes int) {
	m.graves.WithLabelValues("bury", "").Inc()
	m.graveBytes.Observe(float64(bytes))
}

func (m *Metrics) Exhumed(int)            { m.graves.WithLabelValues("exhume", "").Inc() }
func (m *Metrics) Rejected(reason string) { m.graves.WithLabelValues("reject", reason).Inc() }

// passes.Hooks

func (m *Metrics) StageStarted(*passes.RunContext, string) {}

func (m *Metrics) StageFinished(_ *passes.RunContext, stage string, elapsed time.Duration, err error) {
	outcome := "ok"
	switch {
	case progress.IsCanceled(err):
		outcome = "canceled"
	case err != nil:
		outcome = "fault"
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) CollaboratorFault(_ *passes.RunContext, f *passes.FaultError) {
	m.faults.WithLabelValues(f.Stage, f.Source).Inc()
}
