// Package metrics exposes Prometheus collectors for the monitoring pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fentz26/procmon/internal/models"
)

const metricsNamespace = "procmon"

// Collector is a prometheus.Collector for run, fetch and notification
// metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	fetchAttempts  *prometheus.CounterVec
	fetchLatency   prometheus.Histogram
	fetchInFlight  prometheus.Gauge
	clientOutcomes *prometheus.CounterVec
	runs           *prometheus.CounterVec
	runDuration    prometheus.Histogram
	notifications  *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		fetchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fetch_attempts_total",
				Help:      "Process lookups by attempt outcome.",
			}, []string{"outcome"},
		),
		fetchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "fetch_latency_seconds",
				Help:      "Latency of a single process lookup.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		fetchInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "fetch_in_flight",
				Help:      "Process lookups currently in progress.",
			},
		),
		clientOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "client_outcomes_total",
				Help:      "Terminal per-client outcomes by kind.",
			}, []string{"kind"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "runs_total",
				Help:      "Finished runs by trigger and status.",
			}, []string{"trigger", "status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of finished runs.",
				Buckets:   []float64{1, 10, 30, 60, 300, 600, 1800, 3600},
			},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_total",
				Help:      "Emitted notifications by type.",
			}, []string{"type"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.fetchAttempts.Describe(ch)
	c.fetchLatency.Describe(ch)
	c.fetchInFlight.Describe(ch)
	c.clientOutcomes.Describe(ch)
	c.runs.Describe(ch)
	c.runDuration.Describe(ch)
	c.notifications.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.fetchAttempts.Collect(ch)
	c.fetchLatency.Collect(ch)
	c.fetchInFlight.Collect(ch)
	c.clientOutcomes.Collect(ch)
	c.runs.Collect(ch)
	c.runDuration.Collect(ch)
	c.notifications.Collect(ch)
}

// ObserveAttempt records one fetch try.
func (c *Collector) ObserveAttempt(outcome models.AttemptOutcome, latency time.Duration) {
	if c == nil {
		return
	}
	c.fetchAttempts.WithLabelValues(string(outcome)).Inc()
	c.fetchLatency.Observe(latency.Seconds())
}

// FetchStarted increments the in-flight gauge.
func (c *Collector) FetchStarted() {
	if c == nil {
		return
	}
	c.fetchInFlight.Inc()
}

// FetchDone decrements the in-flight gauge.
func (c *Collector) FetchDone() {
	if c == nil {
		return
	}
	c.fetchInFlight.Dec()
}

// ObserveClient records a terminal client outcome.
func (c *Collector) ObserveClient(kind models.OutcomeKind) {
	if c == nil {
		return
	}
	c.clientOutcomes.WithLabelValues(string(kind)).Inc()
}

// ObserveRun records a finished run.
func (c *Collector) ObserveRun(r *models.RunResult) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(string(r.Trigger), string(r.Status)).Inc()
	if r.Finished() {
		c.runDuration.Observe(r.Duration().Seconds())
	}
}

// ObserveNotification records an emitted notification.
func (c *Collector) ObserveNotification(t models.NotificationType) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(string(t)).Inc()
}
