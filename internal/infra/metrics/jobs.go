package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(jobsProcessedTotal, jobDurationMs, workerRestartsTotal, workersBusy)
}

var jobsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobs_processed_total",
		Help: "Total jobs reaching a terminal state, labeled by kind and state.",
	},
	[]string{"kind", "state"}, // state: succeeded|failed|timed_out|crashed|cancelled
)

var jobDurationMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "job_duration_ms",
		Help:    "Job wall-clock duration from dispatch to terminal state in milliseconds.",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
	},
	[]string{"kind"},
)

var workerRestartsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "worker_restarts_total",
		Help: "Total worker respawns after a crash or forced termination.",
	},
)

var workersBusy = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "workers_busy",
		Help: "Number of pool workers currently running a job.",
	},
)

func IncJobProcessed(kind, state string) {
	jobsProcessedTotal.WithLabelValues(norm(kind), norm(state)).Inc()
}

func ObserveJobDuration(kind string, ms float64) {
	jobDurationMs.WithLabelValues(norm(kind)).Observe(ms)
}

func IncWorkerRestart()    { workerRestartsTotal.Inc() }
func SetWorkersBusy(n int) { workersBusy.Set(float64(n)) }
