package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(queueDepth, queueRejectedTotal)
}

var queueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "job_queue_depth",
		Help: "Number of jobs waiting in the queue.",
	},
)

var queueRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "job_queue_rejected_total",
		Help: "Jobs rejected at enqueue time, labeled by reason.",
	},
	[]string{"reason"}, // 'queue_full'
)

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

func IncQueueRejected(reason string) { queueRejectedTotal.WithLabelValues(norm(reason)).Inc() }
