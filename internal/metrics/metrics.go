// Package metrics exposes Prometheus instruments for queue activity. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	JobsSent      *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	LeasesExpired *prometheus.CounterVec
	ScheduleFired *prometheus.CounterVec
	StorageErrors *prometheus.CounterVec
	RunningJobs   *prometheus.GaugeVec
	JobDuration   *prometheus.HistogramVec
}

// New registers the instruments on reg. Passing nil uses a fresh private
// registry, which is what tests want.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		JobsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cronq_jobs_sent_total",
			Help: "Jobs persisted by the dispatcher",
		}, []string{"queue"}),
		JobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cronq_jobs_completed_total",
			Help: "Jobs resolved as completed",
		}, []string{"queue"}),
		JobsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cronq_jobs_failed_total",
			Help: "Failed executions by the state the job moved to",
		}, []string{"queue", "state"}), // retry-wait, failed
		LeasesExpired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cronq_leases_expired_total",
			Help: "Expired leases released by the reaper",
		}, []string{"result"}), // requeued, failed
		ScheduleFired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cronq_schedule_fired_total",
			Help: "Jobs created by cron schedules",
		}, []string{"queue", "key"}),
		StorageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cronq_storage_unavailable_total",
			Help: "Operations that failed because storage was unavailable",
		}, []string{"op"}),
		RunningJobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cronq_running_jobs",
			Help: "Jobs currently held by a handler",
		}, []string{"queue"}),
		// 10ms to ~163s
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cronq_job_duration_seconds",
			Help:    "Handler execution time per batch",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"queue"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Sent(queue string) {
	if m != nil {
		m.JobsSent.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) Completed(queue string, n int) {
	if m != nil && n > 0 {
		m.JobsCompleted.WithLabelValues(queue).Add(float64(n))
	}
}

func (m *Metrics) Failed(queue, state string) {
	if m != nil {
		m.JobsFailed.WithLabelValues(queue, state).Inc()
	}
}

func (m *Metrics) Expired(requeued, failed int) {
	if m == nil {
		return
	}
	if requeued > 0 {
		m.LeasesExpired.WithLabelValues("requeued").Add(float64(requeued))
	}
	if failed > 0 {
		m.LeasesExpired.WithLabelValues("failed").Add(float64(failed))
	}
}

func (m *Metrics) Fired(queue, key string) {
	if m != nil {
		m.ScheduleFired.WithLabelValues(queue, key).Inc()
	}
}

func (m *Metrics) StorageUnavailable(op string) {
	if m != nil {
		m.StorageErrors.WithLabelValues(op).Inc()
	}
}

// Running adjusts the in-flight gauge by delta.
func (m *Metrics) Running(queue string, delta int) {
	if m != nil {
		m.RunningJobs.WithLabelValues(queue).Add(float64(delta))
	}
}

func (m *Metrics) Observe(queue string, d time.Duration) {
	if m != nil {
		m.JobDuration.WithLabelValues(queue).Observe(d.Seconds())
	}
}
