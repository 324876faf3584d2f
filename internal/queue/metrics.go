package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors. Every series carries a
// "queue" label naming the pool.
type Metrics struct {
	Processed *prometheus.CounterVec
	Failed    *prometheus.CounterVec
	Retried   *prometheus.CounterVec
	Deferred  *prometheus.CounterVec
	Pending   *prometheus.GaugeVec
	QueueSize *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Jobs completed successfully.",
		}, []string{"queue"}),
		Failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Jobs that reached the attempt ceiling or failed permanently.",
		}, []string{"queue"}),
		Retried: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Failed attempts rescheduled with backoff.",
		}, []string{"queue"}),
		Deferred: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_deferred_total",
			Help: "Attempts rescheduled because a precondition was not met yet.",
		}, []string{"queue"}),
		Pending: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pending_jobs",
			Help: "Non-terminal jobs in the job store.",
		}, []string{"queue"}),
		QueueSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_size",
			Help: "Claimed jobs this process is executing.",
		}, []string{"queue"}),
	}
}

// DefaultMetrics is registered with the default Prometheus registry, which
// the /metrics endpoint serves.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
