package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the batch jobs: dispatcher tasks, run results and external call latency.
type Metrics struct {
	TaskDuration *prometheus.HistogramVec
	TaskResults  *prometheus.CounterVec

	RunResults  *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	Unmatched *prometheus.GaugeVec

	ExternalLatency *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enrollment_dispatch_task_duration_seconds",
			Help:    "Duration of a single dispatched task by job",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"job"}),

		TaskResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollment_dispatch_tasks_total",
			Help: "Dispatched tasks by job and result",
		}, []string{"job", "result"}), // result: "success", "failure"

		RunResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollment_runs_total",
			Help: "Job runs by job and final status",
		}, []string{"job", "status"}),

		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enrollment_run_duration_seconds",
			Help:    "Wall time of a job run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"job"}),

		Unmatched: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "enrollment_reconcile_unmatched_orders",
			Help: "Unmatched orders found by the last reconciliation run",
		}, []string{"side"}), // side: "gateway", "store", "conflict"

		ExternalLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enrollment_external_read_duration_seconds",
			Help:    "Duration of a full paginated read from an external system",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"source"}), // source: "gateway", "store"
	}
}

// TaskObserver adapts the collectors to the dispatcher's per-task callback.
func (m *Metrics) TaskObserver(job string) func(err error, elapsed time.Duration) {
	if m == nil {
		return nil
	}
	return func(err error, elapsed time.Duration) {
		result := "success"
		if err != nil {
			result = "failure"
		}
		m.TaskResults.WithLabelValues(job, result).Inc()
		m.TaskDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) ObserveRun(job, status string, d time.Duration) {
	if m != nil {
		m.RunResults.WithLabelValues(job, status).Inc()
		m.RunDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func (m *Metrics) SetUnmatched(gatewayOnly, storeOnly, conflicts int) {
	if m != nil {
		m.Unmatched.WithLabelValues("gateway").Set(float64(gatewayOnly))
		m.Unmatched.WithLabelValues("store").Set(float64(storeOnly))
		m.Unmatched.WithLabelValues("conflict").Set(float64(conflicts))
	}
}

func (m *Metrics) ObserveExternalRead(source string, d time.Duration) {
	if m != nil {
		m.ExternalLatency.WithLabelValues(source).Observe(d.Seconds())
	}
}
