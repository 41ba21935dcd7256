package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	discrepancies prometheus.Gauge
	notifications *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// SetDiscrepancies records how many stock keys disagreed with their journal
// in the latest reconciliation.
func (m *Metrics) SetDiscrepancies(count int) {
	if m == nil {
		return
	}
	m.discrepancies.Set(float64(count))
}

// AddNotification counts a processed completion notification.
func (m *Metrics) AddNotification(entity string) {
	if m == nil || entity == "" {
		return
	}
	m.notifications.WithLabelValues(entity).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	discrepancies := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "odyssey_stock_discrepancies",
		Help: "Stock keys whose balance disagreed with the movement journal at the last reconciliation.",
	})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_fulfillment_notifications_total",
		Help: "Completion notifications processed by the worker.",
	}, []string{"entity"})
	registerer.MustRegister(runs, failures, duration, discrepancies, notifications)
	return &Metrics{
		runs:          runs,
		failures:      failures,
		duration:      duration,
		discrepancies: discrepancies,
		notifications: notifications,
	}
}
