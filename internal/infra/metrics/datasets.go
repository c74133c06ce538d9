package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(datasetLoadsTotal, datasetDownloadBytes, sqlExecLatencyMs)
}

var datasetLoadsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dataset_loads_total",
		Help: "Dataset load jobs by final status.",
	},
	[]string{"status"}, // 'ready', 'error'
)

var datasetDownloadBytes = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "dataset_download_bytes",
		Help:    "Size distribution of fetched dataset files.",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	},
)

var sqlExecLatencyMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "sql_exec_latency_ms",
		Help:    "Sandbox SQL execution latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
	},
	[]string{"success"},
)

func IncDatasetLoad(status string) {
	datasetLoadsTotal.WithLabelValues(norm(status)).Inc()
}

func ObserveDownloadBytes(n int64) {
	if n > 0 {
		datasetDownloadBytes.Observe(float64(n))
	}
}

func ObserveSQLLatency(ms float64, success bool) {
	label := "false"
	if success {
		label = "true"
	}
	sqlExecLatencyMs.WithLabelValues(label).Observe(ms)
}
